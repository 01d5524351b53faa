package scout

import (
	"context"
	"testing"
	"time"
)

func TestPartValidate(t *testing.T) {
	tests := []struct {
		name    string
		part    Part
		wantErr bool
	}{
		{"text", Part{Text: "hello"}, false},
		{"thought", Part{Text: "weighing options", Thought: true}, false},
		{"function call", Part{FunctionCall: &FunctionCall{Name: "computer_click"}}, false},
		{"thought with call", Part{Text: "t", Thought: true, FunctionCall: &FunctionCall{Name: "computer_click"}}, true},
		{"empty thought", Part{Thought: true}, true},
	}
	for _, tt := range tests {
		err := tt.part.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestLoopAppendRejectsInvalidPart(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1"))
	loop, _ := newTestLoop(t, store, &fakeGenerator{})

	msg := Message{ID: NewID(), Role: RoleModel, Parts: []Part{{Thought: true}}, CreatedAt: time.Now()}
	if err := loop.append(context.Background(), "sess-1", msg); err == nil {
		t.Error("invalid part accepted into the log")
	}
	msgs, _ := store.Messages(context.Background(), "sess-1", true)
	if len(msgs) != 0 {
		t.Errorf("messages = %d, want nothing persisted", len(msgs))
	}
}
