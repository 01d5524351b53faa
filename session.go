package scout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// maxSessionNameLen caps the auto-derived session name.
const maxSessionNameLen = 64

// UserInputRequest starts a new turn. An empty SessionID creates a session.
type UserInputRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Input     string `json:"input"`
	Model     string `json:"model,omitempty"`
}

// ToolReviewRequest resolves one pending review.
type ToolReviewRequest struct {
	SessionID string       `json:"sessionId"`
	ReviewID  string       `json:"reviewId"`
	Choice    ReviewChoice `json:"choice"`
}

// Manager owns session lifecycle: it creates sessions, spawns one agent task
// per session, resolves pending reviews, and resumes suspended turns. All
// methods are safe for concurrent use.
type Manager struct {
	store   Store
	loop    *Loop
	emitter *Emitter
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup

	base   context.Context
	cancel context.CancelFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets a structured logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager. The Loop's emitter is reused so subscribers
// see both loop and manager events on one channel.
func NewManager(store Store, loop *Loop, opts ...ManagerOption) *Manager {
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:   store,
		loop:    loop,
		emitter: loop.Emitter(),
		logger:  nopLogger,
		active:  make(map[string]context.CancelFunc),
		base:    base,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe registers an event subscriber for one session.
func (m *Manager) Subscribe(sessionID string, buf int) (<-chan Event, func()) {
	return m.emitter.Subscribe(sessionID, buf)
}

// Sessions returns all session metadata.
func (m *Manager) Sessions(ctx context.Context) ([]Session, error) {
	return m.store.List(ctx)
}

// Session returns one session's metadata.
func (m *Manager) Session(ctx context.Context, id string) (Session, error) {
	return m.store.Get(ctx, id)
}

// Messages returns a session's log, optionally including LLM-only entries.
func (m *Manager) Messages(ctx context.Context, id string, includeHidden bool) ([]Message, error) {
	return m.store.Messages(ctx, id, includeHidden)
}

// Image returns a stored image blob.
func (m *Manager) Image(ctx context.Context, id, name string) ([]byte, error) {
	return m.store.Image(ctx, id, name)
}

// UserInput starts a turn. With an empty SessionID a new session is created
// and its metadata returned; otherwise the existing session is reused.
// Fails with ErrTurnActive when the session already has a turn in flight.
func (m *Manager) UserInput(ctx context.Context, req UserInputRequest) (Session, error) {
	var sess Session
	if req.SessionID == "" {
		sess = Session{
			ID:        NewSessionID(time.Now()),
			Name:      sessionName(req.Input),
			Model:     req.Model,
			Status:    StatusRunning,
			CreatedAt: time.Now(),
		}
		if err := m.store.Create(ctx, sess); err != nil {
			return Session{}, err
		}
	} else {
		var err error
		sess, err = m.store.Get(ctx, req.SessionID)
		if err != nil {
			return Session{}, err
		}
		if req.Model != "" && req.Model != sess.Model {
			sess, err = m.store.Update(ctx, sess.ID, SessionUpdate{Model: &req.Model})
			if err != nil {
				return Session{}, err
			}
		}
	}

	if err := m.spawn(sess.ID, RunInput{Text: req.Input}); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// ToolReview records the user's verdict for one pending review. When it was
// the last unanswered request of the suspended turn, the agent resumes with
// the full decision list; otherwise the call returns and the session stays
// pending.
func (m *Manager) ToolReview(ctx context.Context, req ToolReviewRequest) error {
	if !req.Choice.Valid() {
		return fmt.Errorf("invalid review choice: %q", req.Choice)
	}
	sess, err := m.store.Get(ctx, req.SessionID)
	if err != nil {
		return err
	}

	requests, answered, err := m.outstanding(ctx, sess.ID)
	if err != nil {
		return err
	}
	var target *ReviewRequest
	for _, r := range requests {
		if r.ReviewID == req.ReviewID {
			target = r
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrReviewNotFound, req.ReviewID)
	}
	if _, ok := answered[req.ReviewID]; ok {
		return fmt.Errorf("%w: %s", ErrReviewAnswered, req.ReviewID)
	}

	respMsg := Message{
		ID:         NewID(),
		Role:       RoleUser,
		Review:     &ToolReview{Response: &ReviewResponse{ReviewID: req.ReviewID, Choice: req.Choice}},
		ForDisplay: displayOnly,
		CreatedAt:  time.Now(),
	}
	if err := m.store.AppendMessages(ctx, sess.ID, respMsg); err != nil {
		return err
	}
	m.emitter.MessageAppended(sess.ID, respMsg)
	answered[req.ReviewID] = req.Choice

	for _, r := range requests {
		if _, ok := answered[r.ReviewID]; !ok {
			// More reviews to resolve; stay suspended.
			return nil
		}
	}

	// All answered: fold accept_session verdicts into the accept-set, then
	// resume with the decisions in request order.
	var grants []string
	for _, r := range requests {
		if answered[r.ReviewID] == AcceptSession && !sess.Accepted(r.Original.Name) && !contains(grants, r.Original.Name) {
			grants = append(grants, r.Original.Name)
		}
	}
	if len(grants) > 0 {
		updated, err := m.store.Update(ctx, sess.ID, SessionUpdate{
			AcceptedTools: append(append([]string{}, sess.AcceptedTools...), grants...),
		})
		if err != nil {
			return err
		}
		m.emitter.SessionStatus(sess.ID, updated.Status, updated.StatusMessage)
	}

	decisions := make([]Decision, 0, len(requests))
	for _, r := range requests {
		decisions = append(decisions, Decision{
			Call:     r.Call,
			Original: r.Original,
			Choice:   answered[r.ReviewID],
		})
	}
	return m.spawn(sess.ID, RunInput{Decisions: decisions})
}

// outstanding collects the suspended turn's review requests (everything
// after the last model message) and the responses recorded so far.
func (m *Manager) outstanding(ctx context.Context, sessionID string) ([]*ReviewRequest, map[string]ReviewChoice, error) {
	msgs, err := m.store.Messages(ctx, sessionID, true)
	if err != nil {
		return nil, nil, err
	}
	last := -1
	for i := range msgs {
		if msgs[i].Role == RoleModel {
			last = i
		}
	}

	var requests []*ReviewRequest
	answered := make(map[string]ReviewChoice)
	for i := last + 1; i < len(msgs); i++ {
		r := msgs[i].Review
		if r == nil {
			continue
		}
		if r.Request != nil {
			requests = append(requests, r.Request)
		}
		if r.Response != nil {
			answered[r.Response.ReviewID] = r.Response.Choice
		}
	}
	return requests, answered, nil
}

// CancelSession aborts a session's in-flight turn, if any.
func (m *Manager) CancelSession(id string) {
	m.mu.Lock()
	cancel, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close aborts all in-flight turns and waits for their tasks to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// spawn starts the session's agent task. One task per session at a time.
func (m *Manager) spawn(sessionID string, in RunInput) error {
	m.mu.Lock()
	if _, ok := m.active[sessionID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTurnActive, sessionID)
	}
	ctx, cancel := context.WithCancel(m.base)
	m.active[sessionID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.active, sessionID)
			m.mu.Unlock()
		}()
		if err := m.loop.Run(ctx, sessionID, in); err != nil {
			m.logger.Error("agent run failed", "session", sessionID, "error", err)
		}
	}()
	return nil
}

func sessionName(input string) string {
	name := strings.TrimSpace(input)
	if name == "" {
		name = "Untitled session"
	}
	if len(name) > maxSessionNameLen {
		name = name[:maxSessionNameLen]
	}
	return name
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
