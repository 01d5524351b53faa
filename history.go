package scout

import (
	"context"
	"fmt"
)

// LLM-side roles after mapping. Model messages keep their side; every other
// session role (user, tool, workflow) speaks as the user.
const (
	contentRoleUser  = "user"
	contentRoleModel = "model"
)

// Assembler turns the persisted message log into an LLM-facing history.
// Visible-only messages and thought parts are dropped, image references are
// inlined, and adjacent turns with the same mapped role are merged.
//
// An Assembler is seeded once per agent run and then appended to as the turn
// produces new content; it is not safe for concurrent use.
type Assembler struct {
	sessionID string
	store     Store
	history   []Content
}

// NewAssembler creates an Assembler for one session.
func NewAssembler(sessionID string, store Store) *Assembler {
	return &Assembler{sessionID: sessionID, store: store}
}

// Seed loads the full session log and rebuilds the history from it. Any
// existing assembled state is replaced.
func (a *Assembler) Seed(ctx context.Context) error {
	msgs, err := a.store.Messages(ctx, a.sessionID, true)
	if err != nil {
		return err
	}
	a.history = nil
	for i := range msgs {
		if err := a.Append(ctx, msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Append converts one persisted message and merges it into the history.
// Visible-only messages are skipped entirely.
func (a *Assembler) Append(ctx context.Context, msg Message) error {
	if msg.DisplayOnly() {
		return nil
	}
	parts, err := a.convert(ctx, msg.Parts)
	if err != nil {
		return err
	}
	role := contentRoleUser
	if msg.Role == RoleModel {
		role = contentRoleModel
	}
	a.appendMerged(role, parts)
	return nil
}

// AppendParts merges raw parts into the history under the given mapped role.
// Used for the turn's parts buffer, which never goes through the log.
func (a *Assembler) AppendParts(ctx context.Context, role string, parts []Part) error {
	converted, err := a.convert(ctx, parts)
	if err != nil {
		return err
	}
	a.appendMerged(role, converted)
	return nil
}

// History returns the assembled LLM-facing turns. The returned slice is the
// Assembler's backing store; callers must not mutate it.
func (a *Assembler) History() []Content {
	return a.history
}

func (a *Assembler) appendMerged(role string, parts []ContentPart) {
	if len(parts) == 0 {
		return
	}
	if n := len(a.history); n > 0 && a.history[n-1].Role == role {
		a.history[n-1].Parts = append(a.history[n-1].Parts, parts...)
		return
	}
	a.history = append(a.history, Content{Role: role, Parts: parts})
}

func (a *Assembler) convert(ctx context.Context, parts []Part) ([]ContentPart, error) {
	var out []ContentPart
	for i := range parts {
		p := &parts[i]
		switch {
		case p.Thought:
			// Chain-of-thought is never replayed to the LLM.
		case p.FunctionCall != nil:
			out = append(out, ContentPart{FunctionCall: p.FunctionCall})
		case p.FunctionResponse != nil:
			out = append(out, ContentPart{FunctionResponse: p.FunctionResponse})
		case p.Image != "":
			inline, err := a.resolveImage(ctx, p.Image)
			if err != nil {
				return nil, err
			}
			out = append(out, ContentPart{Inline: inline})
		case p.Text != "":
			out = append(out, ContentPart{Text: p.Text})
		}
	}
	return out, nil
}

func (a *Assembler) resolveImage(ctx context.Context, ref string) (*InlineData, error) {
	sessionID, fileName, err := ParseImageRef(ref)
	if err != nil {
		return nil, err
	}
	if sessionID != a.sessionID {
		return nil, fmt.Errorf("image reference %q belongs to another session", ref)
	}
	data, err := a.store.Image(ctx, sessionID, fileName)
	if err != nil {
		return nil, err
	}
	return &InlineData{MimeType: "image/png", Data: data}, nil
}
