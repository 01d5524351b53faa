package scout

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --- Domain types (session records) ---

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusRunning means a turn is actively executing.
	StatusRunning Status = "running"
	// StatusPending means the turn is suspended awaiting user review
	// of one or more grounded tool calls.
	StatusPending Status = "pending"
	// StatusStagnant means the agent stopped normally (no more tool calls,
	// or the user rejected everything).
	StatusStagnant Status = "stagnant"
	// StatusError means the turn aborted with a failure.
	StatusError Status = "error"
)

// Session is the durable per-session record. The ID is a sanitized ISO-8601
// timestamp, so lexicographic order is chronological order.
type Session struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Model         string    `json:"model"`
	Status        Status    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	AcceptedTools []string  `json:"acceptedTools,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Accepted reports whether the given tool name is in the session's accept-set.
func (s *Session) Accepted(name string) bool {
	for _, t := range s.AcceptedTools {
		if t == name {
			return true
		}
	}
	return false
}

// SessionUpdate is a partial metadata update. Nil fields are left unchanged;
// the session id is immutable.
type SessionUpdate struct {
	Name          *string
	Model         *string
	Status        *Status
	StatusMessage *string
	AcceptedTools []string
}

// Apply merges the update into the session in place.
func (u SessionUpdate) Apply(s *Session) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.Model != nil {
		s.Model = *u.Model
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.StatusMessage != nil {
		s.StatusMessage = *u.StatusMessage
	}
	if u.AcceptedTools != nil {
		s.AcceptedTools = u.AcceptedTools
	}
}

// Role identifies the author of a message in the session log.
type Role string

const (
	RoleUser Role = "user"
	// RoleModel is the planning LLM.
	RoleModel Role = "model"
	// RoleTool carries function responses from executed tool calls.
	RoleTool Role = "tool"
	// RoleWorkflow is system-generated narration: screenshots, tile sets,
	// and tool-review requests. Never authored by the user or the model.
	RoleWorkflow Role = "workflow"
	// RoleGroundingModel tags streamed output from the grounding LLM.
	RoleGroundingModel Role = "grounding_model"
)

// Message is one entry in a session's append-only log. Messages are immutable
// once appended; ordering is positional, not by timestamp.
//
// ForDisplay is a tri-state: nil = visible to both the user and the LLM,
// true = visible only to the user, false = LLM-only (hidden from the user).
type Message struct {
	ID         string      `json:"id"`
	Role       Role        `json:"role"`
	Parts      []Part      `json:"parts,omitempty"`
	Review     *ToolReview `json:"toolReview,omitempty"`
	ForDisplay *bool       `json:"forDisplay,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Hidden reports whether the message is LLM-only (forDisplay = false).
func (m *Message) Hidden() bool {
	return m.ForDisplay != nil && !*m.ForDisplay
}

// DisplayOnly reports whether the message is visible-only (forDisplay = true),
// i.e. never sent to the LLM.
func (m *Message) DisplayOnly() bool {
	return m.ForDisplay != nil && *m.ForDisplay
}

// displayOnly / llmOnly are shared ForDisplay values for message construction.
var (
	displayOnly = ptr(true)
	llmOnly     = ptr(false)
)

func ptr[T any](v T) *T { return &v }

// Part is one content block of a message: a tagged union over text,
// model thought, function call, function response, and image reference.
// Within one message block at most one of thought/function call may be set,
// and a thought block must carry text.
type Part struct {
	// Text is plain output (or the thought text when Thought is true).
	Text string `json:"text,omitempty"`
	// Thought marks the text as model chain-of-thought. Thought parts are
	// shown to the user but never sent back to the LLM.
	Thought bool `json:"thought,omitempty"`
	// FunctionCall is a tool invocation requested by the model.
	FunctionCall *FunctionCall `json:"functionCall,omitempty"`
	// FunctionResponse is the outcome of a tool invocation.
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	// Image is an internal image reference of the form
	// internal://<sessionId>/<fileName>.
	Image string `json:"image,omitempty"`
}

// Validate checks the part invariants from the data model.
func (p *Part) Validate() error {
	if p.Thought && p.FunctionCall != nil {
		return fmt.Errorf("part: thought and functionCall are mutually exclusive")
	}
	if p.Thought && p.Text == "" {
		return fmt.Errorf("part: thought block must carry text")
	}
	return nil
}

// FunctionCall is a tool invocation with JSON-encoded arguments.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse is the result of a function call. Exactly one of
// Output/Error is meaningful. The ID matches the originating call's id
// (for grounded computer calls, the original pre-grounding id).
type FunctionResponse struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// --- Tool review ---

// ReviewChoice is the user's verdict on a grounded tool call.
type ReviewChoice string

const (
	// AcceptOnce approves this single call.
	AcceptOnce ReviewChoice = "accept_once"
	// AcceptSession approves this call and every future call of the same
	// tool name for the remainder of the session.
	AcceptSession ReviewChoice = "accept_session"
	// RejectOnce rejects this single call.
	RejectOnce ReviewChoice = "reject_once"
)

// Valid reports whether c is one of the three review choices.
func (c ReviewChoice) Valid() bool {
	switch c {
	case AcceptOnce, AcceptSession, RejectOnce:
		return true
	}
	return false
}

// ToolReview is the review attachment of a message: either a request
// (on a workflow message) or a response (on a user message). For each
// reviewId there is exactly one request and at most one response, and the
// response always appears after the request in the log.
type ToolReview struct {
	Request  *ReviewRequest  `json:"request,omitempty"`
	Response *ReviewResponse `json:"response,omitempty"`
}

// ReviewRequest asks the user to approve one grounded tool call.
type ReviewRequest struct {
	ReviewID string `json:"reviewId"`
	// Call is the grounded call (name ".computer", concrete coordinates).
	Call FunctionCall `json:"functionCall"`
	// Original is the high-level call as the model issued it.
	Original FunctionCall `json:"originalFunctionCall"`
}

// ReviewResponse records the user's choice for a review request.
type ReviewResponse struct {
	ReviewID string       `json:"reviewId"`
	Choice   ReviewChoice `json:"choice"`
}

// --- Internal image references ---

// imageScheme prefixes internal image references.
const imageScheme = "internal://"

// ImageRef builds an internal image reference for a file stored under the
// given session.
func ImageRef(sessionID, fileName string) string {
	return imageScheme + sessionID + "/" + fileName
}

// ParseImageRef splits an internal image reference into session id and file
// name. Returns an error for malformed references.
func ParseImageRef(ref string) (sessionID, fileName string, err error) {
	rest, ok := strings.CutPrefix(ref, imageScheme)
	if !ok {
		return "", "", fmt.Errorf("not an internal image reference: %q", ref)
	}
	sessionID, fileName, ok = strings.Cut(rest, "/")
	if !ok || sessionID == "" || fileName == "" {
		return "", "", fmt.Errorf("malformed image reference: %q", ref)
	}
	return sessionID, fileName, nil
}

// --- Message constructors ---

// UserTextMessage builds a user message with a single text part.
func UserTextMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleUser, Parts: []Part{{Text: text}}, CreatedAt: time.Now()}
}

// ToolMessage builds a tool message from function-response parts.
func ToolMessage(parts []Part) Message {
	return Message{ID: NewID(), Role: RoleTool, Parts: parts, CreatedAt: time.Now()}
}

// --- LLM-facing history types ---

// Content is one turn of LLM-visible history. Role is "user" or "model";
// every non-model session role maps to the user side.
type Content struct {
	Role  string
	Parts []ContentPart
}

// ContentPart is one LLM-visible block. Unlike Part, image references are
// resolved to inline PNG bytes before the provider sees them.
type ContentPart struct {
	Text             string
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
	Inline           *InlineData
}

// InlineData is binary content sent inline to the LLM.
type InlineData struct {
	MimeType string
	Data     []byte
}
