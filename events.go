package scout

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType identifies the kind of event delivered to subscribers.
type EventType string

const (
	// EventPersistentMessage carries a fully-formed persisted message.
	// Emitted for every append that is not LLM-only.
	EventPersistentMessage EventType = "persistent_message"
	// EventStreamMessage carries partial model output as it streams.
	EventStreamMessage EventType = "stream_message"
	// EventSessionStatus carries a session state transition.
	EventSessionStatus EventType = "session_status"
)

// Event is a typed notification fanned out to session subscribers.
// Exactly one of Message, Stream, Status is set, matching Type.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`

	Message *PersistedMessage `json:"message,omitempty"`
	Stream  *StreamDelta      `json:"stream,omitempty"`
	Status  *StatusUpdate     `json:"status,omitempty"`
}

// PersistedMessage is the wire form of an appended message, with the
// timestamp rendered as an ISO string.
type PersistedMessage struct {
	Message
	Timestamp string `json:"timestamp"`
}

// StreamDelta is a partial output chunk from the planning or grounding LLM.
type StreamDelta struct {
	Role    Role   `json:"role"`
	Text    string `json:"text,omitempty"`
	Thought string `json:"thought,omitempty"`
}

// StatusUpdate describes a session state transition.
type StatusUpdate struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Emitter fans events out to per-session subscribers. Sends are non-blocking:
// a subscriber whose buffer is full drops events rather than stalling the
// agent loop. Persisted messages are the source of truth; clients reconcile
// missed stream events by re-reading the log.
type Emitter struct {
	mu     sync.Mutex
	subs   map[string][]*subscriber
	logger *slog.Logger
}

type subscriber struct {
	ch chan Event
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithEmitterLogger sets a structured logger for dropped-event diagnostics.
func WithEmitterLogger(l *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = l }
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{subs: make(map[string][]*subscriber), logger: nopLogger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Subscribe registers a subscriber for one session's events. The returned
// cancel function removes the subscription and closes the channel; it is
// safe to call more than once.
func (e *Emitter) Subscribe(sessionID string, buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	sub := &subscriber{ch: make(chan Event, buf)}

	e.mu.Lock()
	e.subs[sessionID] = append(e.subs[sessionID], sub)
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Closing under the mutex pairs with emit, which sends under the
			// same mutex: no send can race the close.
			e.mu.Lock()
			defer e.mu.Unlock()
			list := e.subs[sessionID]
			for i, s := range list {
				if s == sub {
					e.subs[sessionID] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(e.subs[sessionID]) == 0 {
				delete(e.subs, sessionID)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// MessageAppended emits a persistent_message event for a message that is
// visible to clients (LLM-only messages are not broadcast).
func (e *Emitter) MessageAppended(sessionID string, msg Message) {
	if msg.Hidden() {
		return
	}
	e.emit(sessionID, Event{
		Type:      EventPersistentMessage,
		SessionID: sessionID,
		Message: &PersistedMessage{
			Message:   msg,
			Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	})
}

// StreamMessage emits a partial-output event tagged with the producing role.
func (e *Emitter) StreamMessage(sessionID string, role Role, d Delta) {
	e.emit(sessionID, Event{
		Type:      EventStreamMessage,
		SessionID: sessionID,
		Stream:    &StreamDelta{Role: role, Text: d.Text, Thought: d.Thought},
	})
}

// SessionStatus emits a state-transition event.
func (e *Emitter) SessionStatus(sessionID string, status Status, message string) {
	e.emit(sessionID, Event{
		Type:      EventSessionStatus,
		SessionID: sessionID,
		Status:    &StatusUpdate{Status: status, Message: message},
	})
}

// emit delivers the event to every subscriber of the session. Sends happen
// under the mutex: they are non-blocking, so the critical section stays
// short, and a concurrent cancel cannot close a channel mid-send.
func (e *Emitter) emit(sessionID string, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs[sessionID] {
		select {
		case sub.ch <- ev:
		default:
			e.logger.Debug("emitter: dropped event for slow subscriber",
				"session", sessionID, "type", ev.Type)
		}
	}
}

// nopLogger discards all output. Used when no logger option is set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
