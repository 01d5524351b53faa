package scout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// planTemperature is the sampling temperature for planning calls.
const planTemperature = 0.2

// rejectedByUser is the forged error output for a rejected grounded call.
const rejectedByUser = "Rejected by user"

// Decision is one resolved tool review delivered on resumption: the grounded
// call, the high-level call the model issued, and the user's verdict.
type Decision struct {
	Call     FunctionCall
	Original FunctionCall
	Choice   ReviewChoice
}

// RunInput seeds a run: either plain user text or the resolved review
// decisions of a previously suspended turn.
type RunInput struct {
	Text      string
	Decisions []Decision
}

// Loop drives one session through the plan–ground–review–act cycle. A Loop
// is stateless across runs; all durable state lives in the Store. One run
// executes at a time per session (enforced by the Manager).
type Loop struct {
	store   Store
	gen     Generator
	runtime *Runtime
	catalog *Catalog

	groundingModel string
	emitter        *Emitter
	tracer         Tracer
	logger         *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopLogger sets a structured logger.
func WithLoopLogger(l *slog.Logger) LoopOption {
	return func(lp *Loop) { lp.logger = l }
}

// WithLoopTracer sets a tracer for turn spans.
func WithLoopTracer(t Tracer) LoopOption {
	return func(lp *Loop) { lp.tracer = t }
}

// WithLoopEmitter sets the event emitter for streams, statuses, and
// persisted messages.
func WithLoopEmitter(e *Emitter) LoopOption {
	return func(lp *Loop) { lp.emitter = e }
}

// NewLoop creates a Loop. groundingModel names the LLM used for element
// detection; the planning model comes from each session's metadata.
func NewLoop(store Store, gen Generator, runtime *Runtime, groundingModel string, opts ...LoopOption) *Loop {
	l := &Loop{
		store:          store,
		gen:            gen,
		runtime:        runtime,
		catalog:        NewCatalog(),
		groundingModel: groundingModel,
		logger:         nopLogger,
	}
	for _, o := range opts {
		o(l)
	}
	if l.emitter == nil {
		l.emitter = NewEmitter()
	}
	return l
}

// Catalog returns the registered tool catalog.
func (l *Loop) Catalog() *Catalog { return l.catalog }

// Emitter returns the event emitter the loop broadcasts through.
func (l *Loop) Emitter() *Emitter { return l.emitter }

// turnState is the transient per-turn bookkeeping. Discarded when the turn
// ends; nothing here survives a suspension except through the log.
type turnState struct {
	pending   bool
	toolParts []Part          // forged + non-computer responses, one tool message
	reviews   []Message       // review request/response messages, in call order
	delayed   []*GroundedCall // auto-accepted, executed after reviews resolve
}

// Run executes turns for the session until it suspends, stagnates, or fails.
// It is re-entered on resumption with the resolved decisions as input.
func (l *Loop) Run(ctx context.Context, sessionID string, in RunInput) error {
	asm := NewAssembler(sessionID, l.store)
	if err := asm.Seed(ctx); err != nil {
		return l.fail(ctx, sessionID, err)
	}

	parts, stop, err := l.seedInput(ctx, sessionID, in)
	if err != nil {
		return l.fail(ctx, sessionID, err)
	}
	if stop {
		return l.setStatus(ctx, sessionID, StatusStagnant, "User rejected all tool calls.")
	}

	for turn := 1; ; turn++ {
		if err := l.setStatus(ctx, sessionID, StatusRunning, fmt.Sprintf("Turn %d", turn)); err != nil {
			return err
		}

		next, done, err := l.runTurn(ctx, sessionID, asm, parts, turn)
		if err != nil {
			return l.fail(ctx, sessionID, err)
		}
		if done {
			return nil
		}
		parts = next
	}
}

// seedInput persists the run's seed messages and builds the initial parts
// buffer. stop is true when every decision was a rejection.
func (l *Loop) seedInput(ctx context.Context, sessionID string, in RunInput) (parts []Part, stop bool, err error) {
	if len(in.Decisions) == 0 {
		msg := UserTextMessage(in.Text)
		if err := l.append(ctx, sessionID, msg); err != nil {
			return nil, false, err
		}
		return []Part{{Text: in.Text}}, false, nil
	}

	rejected := 0
	for _, d := range in.Decisions {
		var resp FunctionResponse
		if d.Choice == RejectOnce {
			rejected++
			resp = FunctionResponse{ID: d.Original.ID, Name: d.Original.Name, Error: rejectedByUser}
		} else {
			resp = l.executeGrounded(ctx, d.Call, d.Original)
		}
		parts = append(parts, Part{FunctionResponse: &resp})
	}
	// All of the suspended turn's decisions resolve into one tool message.
	if err := l.append(ctx, sessionID, ToolMessage(parts)); err != nil {
		return nil, false, err
	}
	return parts, rejected == len(in.Decisions), nil
}

// runTurn runs one observe–plan–ground–act iteration. It returns the next
// turn's parts buffer, or done=true when the run ends (stagnant, pending, or
// a terminal status already set).
func (l *Loop) runTurn(ctx context.Context, sessionID string, asm *Assembler, parts []Part, turn int) (next []Part, done bool, err error) {
	if l.tracer != nil {
		var span Span
		ctx, span = l.tracer.Start(ctx, "agent.turn",
			StringAttr("session", sessionID), IntAttr("turn", turn))
		defer span.End()
	}

	sess, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	// Observe.
	env, obsParts, err := l.observe(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	parts = append(parts, obsParts...)

	// Plan.
	res, ok, err := l.plan(ctx, &sess, asm, parts)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, true, l.setStatus(ctx, sessionID, StatusError,
			"Model returned empty response even after retry.")
	}
	if err := l.persistModelOutput(ctx, sessionID, asm, res); err != nil {
		return nil, false, err
	}
	if len(res.Calls) == 0 {
		return nil, true, l.setStatus(ctx, sessionID, StatusStagnant,
			"No more tool calls from model.")
	}

	// Ground and dispatch.
	st, err := l.dispatch(ctx, &sess, env, res.Calls)
	if err != nil {
		return nil, false, err
	}

	// Finalize.
	if len(st.toolParts) > 0 {
		if err := l.append(ctx, sessionID, ToolMessage(st.toolParts)); err != nil {
			return nil, false, err
		}
	}
	if err := l.append(ctx, sessionID, st.reviews...); err != nil {
		return nil, false, err
	}
	if st.pending {
		return nil, true, l.setStatus(ctx, sessionID, StatusPending, "Tool call pending.")
	}

	next = append(next, st.toolParts...)
	if len(st.delayed) > 0 {
		var delayedParts []Part
		for _, gc := range st.delayed {
			resp := l.executeGrounded(ctx, gc.Call, gc.Original)
			delayedParts = append(delayedParts, Part{FunctionResponse: &resp})
		}
		if err := l.append(ctx, sessionID, ToolMessage(delayedParts)); err != nil {
			return nil, false, err
		}
		next = append(next, delayedParts...)
	}
	return next, false, nil
}

// observe captures a screenshot, tiles it, and persists the two workflow
// views: the raw capture for the user, the tile set for the LLM. Returns the
// grounding env and the parts to feed into the plan.
func (l *Loop) observe(ctx context.Context, sessionID string) (*GroundEnv, []Part, error) {
	img, raw, err := l.runtime.Screenshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	b := img.Bounds()
	geo, err := NewGeometry(b.Dx(), b.Dy())
	if err != nil {
		return nil, nil, err
	}
	tiler := NewTiler(geo)
	tiles, err := tiler.Tiles(img)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	label := "Screenshot taken at " + now.UTC().Format(time.RFC3339)

	shotName := SanitizeFileName("screenshot-"+NewID()) + ".png"
	if err := l.store.PutImage(ctx, sessionID, shotName, raw); err != nil {
		return nil, nil, err
	}
	userMsg := Message{
		ID:         NewID(),
		Role:       RoleWorkflow,
		Parts:      []Part{{Text: label}, {Image: ImageRef(sessionID, shotName)}},
		ForDisplay: displayOnly,
		CreatedAt:  now,
	}

	llmParts := []Part{{Text: label}}
	for i, tile := range tiles {
		name := SanitizeFileName(fmt.Sprintf("tile-%s-%d", NewID(), i)) + ".png"
		if err := l.store.PutImage(ctx, sessionID, name, tile); err != nil {
			return nil, nil, err
		}
		llmParts = append(llmParts, Part{Image: ImageRef(sessionID, name)})
	}
	llmMsg := Message{
		ID:         NewID(),
		Role:       RoleWorkflow,
		Parts:      llmParts,
		ForDisplay: llmOnly,
		CreatedAt:  now,
	}
	if err := l.append(ctx, sessionID, userMsg, llmMsg); err != nil {
		return nil, nil, err
	}

	grounder := NewGrounder(l.gen, l.groundingModel,
		WithGrounderLogger(l.logger), WithGrounderTracer(l.tracer))
	env := &GroundEnv{
		Screenshot: img,
		Tiler:      tiler,
		Tiles:      tiles,
		Detect: func(ctx context.Context, tile int, description string) (Grounding, error) {
			ch, wait := l.streamTo(sessionID, RoleGroundingModel)
			g, err := grounder.Ground(ctx, tiler, tiles, tile, description, ch)
			wait()
			return g, err
		},
	}
	return env, llmParts, nil
}

// plan appends the parts buffer as a user turn and requests a streamed
// completion. Retries once with a "continue" nudge on empty output; ok is
// false when the retry is empty too.
func (l *Loop) plan(ctx context.Context, sess *Session, asm *Assembler, parts []Part) (GenerateResult, bool, error) {
	if err := asm.AppendParts(ctx, contentRoleUser, parts); err != nil {
		return GenerateResult{}, false, err
	}

	res, err := l.generate(ctx, sess, asm.History())
	if err != nil {
		return GenerateResult{}, false, err
	}
	if !res.Empty() {
		return res, true, nil
	}

	l.logger.Warn("empty model response, retrying with continue nudge", "session", sess.ID)
	if err := asm.AppendParts(ctx, contentRoleUser, []Part{{Text: "continue"}}); err != nil {
		return GenerateResult{}, false, err
	}
	res, err = l.generate(ctx, sess, asm.History())
	if err != nil {
		return GenerateResult{}, false, err
	}
	return res, !res.Empty(), nil
}

func (l *Loop) generate(ctx context.Context, sess *Session, history []Content) (GenerateResult, error) {
	ch, wait := l.streamTo(sess.ID, RoleModel)
	res, err := l.gen.GenerateStream(ctx, GenerateRequest{
		Model:       sess.Model,
		Contents:    history,
		Tools:       l.catalog.Definitions(),
		Temperature: planTemperature,
		Thinking:    true,
	}, ch)
	wait()
	return res, err
}

// persistModelOutput appends the model message to the log and its
// thought-free content to the history.
func (l *Loop) persistModelOutput(ctx context.Context, sessionID string, asm *Assembler, res GenerateResult) error {
	var parts []Part
	if res.Thought != "" {
		parts = append(parts, Part{Text: res.Thought, Thought: true})
	}
	if res.Text != "" {
		parts = append(parts, Part{Text: res.Text})
	}
	for i := range res.Calls {
		parts = append(parts, Part{FunctionCall: &res.Calls[i]})
	}
	msg := Message{ID: NewID(), Role: RoleModel, Parts: parts, CreatedAt: time.Now()}
	if err := l.append(ctx, sessionID, msg); err != nil {
		return err
	}
	return asm.AppendParts(ctx, contentRoleModel, parts)
}

// dispatch processes the model's calls in order: non-catalog names run
// directly, invalid or ungroundable calls turn into forged errors, and
// grounded calls become review requests (auto-answered when the tool name is
// in the session accept-set).
func (l *Loop) dispatch(ctx context.Context, sess *Session, env *GroundEnv, calls []FunctionCall) (*turnState, error) {
	st := &turnState{}
	seen := make(map[string]bool)

	for i := range calls {
		original := calls[i]
		if original.ID == "" {
			original.ID = NewCallID(original.Name)
		}
		forge := func(msg string) {
			st.toolParts = append(st.toolParts, Part{FunctionResponse: &FunctionResponse{
				ID: original.ID, Name: original.Name, Error: msg,
			}})
		}

		// A broken model can reuse ids within one response, which would
		// corrupt call/response mapping downstream.
		if seen[original.ID] {
			forge(fmt.Sprintf("duplicate function call id: %s", original.ID))
			continue
		}
		seen[original.ID] = true

		if !l.catalog.Has(original.Name) {
			result, err := l.runtime.Execute(ctx, original.Name, original.Args)
			if err != nil {
				return nil, err
			}
			st.toolParts = append(st.toolParts, Part{FunctionResponse: &FunctionResponse{
				ID: original.ID, Name: original.Name, Output: result.Content, Error: result.Error,
			}})
			continue
		}

		if err := l.catalog.Validate(original); err != nil {
			forge(err.Error())
			continue
		}

		gc, err := l.catalog.Ground(ctx, env, original)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			forge("Error during grounding: " + err.Error())
			continue
		}

		reqMsg, err := l.reviewRequest(ctx, sess.ID, gc)
		if err != nil {
			return nil, err
		}
		st.reviews = append(st.reviews, reqMsg)

		if sess.Accepted(original.Name) {
			st.reviews = append(st.reviews, Message{
				ID:   NewID(),
				Role: RoleUser,
				Review: &ToolReview{Response: &ReviewResponse{
					ReviewID: reqMsg.Review.Request.ReviewID,
					Choice:   AcceptSession,
				}},
				ForDisplay: displayOnly,
				CreatedAt:  time.Now(),
			})
			st.delayed = append(st.delayed, gc)
		} else {
			st.pending = true
		}
	}
	return st, nil
}

// reviewRequest renders the grounded call's narration and wraps it in a
// visible-only workflow message carrying the review attachment.
func (l *Loop) reviewRequest(ctx context.Context, sessionID string, gc *GroundedCall) (Message, error) {
	save := func(name string, data []byte) (string, error) {
		if err := l.store.PutImage(ctx, sessionID, name, data); err != nil {
			return "", err
		}
		return ImageRef(sessionID, name), nil
	}
	parts, err := gc.Describe(save)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:    NewID(),
		Role:  RoleWorkflow,
		Parts: parts,
		Review: &ToolReview{Request: &ReviewRequest{
			ReviewID: NewID(),
			Call:     gc.Call,
			Original: gc.Original,
		}},
		ForDisplay: displayOnly,
		CreatedAt:  time.Now(),
	}, nil
}

// executeGrounded runs a grounded call on the OS-automation endpoint and
// folds the outcome into a function response under the original call's id.
func (l *Loop) executeGrounded(ctx context.Context, call, original FunctionCall) FunctionResponse {
	var args ComputerArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return FunctionResponse{ID: original.ID, Name: original.Name, Error: err.Error()}
	}
	result := l.runtime.RunComputer(ctx, args)
	return FunctionResponse{
		ID:     original.ID,
		Name:   original.Name,
		Output: result.Content,
		Error:  result.Error,
	}
}

// streamTo returns a delta channel forwarded to the emitter and a wait
// function that closes it and drains the forwarder.
func (l *Loop) streamTo(sessionID string, role Role) (chan Delta, func()) {
	ch := make(chan Delta, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range ch {
			l.emitter.StreamMessage(sessionID, role, d)
		}
	}()
	return ch, func() {
		close(ch)
		<-done
	}
}

// append persists messages and broadcasts the user-visible ones. Parts are
// validated first: the log is append-only, so a malformed part would be
// permanent.
func (l *Loop) append(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		for i := range m.Parts {
			if err := m.Parts[i].Validate(); err != nil {
				return err
			}
		}
	}
	if err := l.store.AppendMessages(ctx, sessionID, msgs...); err != nil {
		return err
	}
	for _, m := range msgs {
		l.emitter.MessageAppended(sessionID, m)
	}
	return nil
}

// setStatus persists a status transition and broadcasts it.
func (l *Loop) setStatus(ctx context.Context, sessionID string, status Status, message string) error {
	_, err := l.store.Update(ctx, sessionID, SessionUpdate{
		Status:        &status,
		StatusMessage: &message,
	})
	if err != nil {
		return err
	}
	l.emitter.SessionStatus(sessionID, status, message)
	return nil
}

// fail marks the session errored. Cancellation surfaces its own message.
func (l *Loop) fail(ctx context.Context, sessionID string, cause error) error {
	msg := cause.Error()
	if ctx.Err() != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		msg = ctx.Err().Error()
	}
	// Best-effort: the status write itself may fail under the same fault.
	status := StatusError
	if _, err := l.store.Update(context.WithoutCancel(ctx), sessionID, SessionUpdate{
		Status:        &status,
		StatusMessage: &msg,
	}); err != nil {
		l.logger.Error("failed to record error status", "session", sessionID, "error", err)
	}
	l.emitter.SessionStatus(sessionID, StatusError, msg)
	return cause
}
