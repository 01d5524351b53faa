package scout

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func clickCall(id string) FunctionCall {
	return FunctionCall{
		ID:   id,
		Name: ToolClick,
		Args: json.RawMessage(`{"image_id": 0, "element_description": "the button"}`),
	}
}

func newTestLoop(t *testing.T, store Store, gen *fakeGenerator) (*Loop, *fakeRunner) {
	t.Helper()
	runner := newFakeRunner(t, 64, 64)
	loop := NewLoop(store, gen, NewRuntime(runner), "detect-model")
	return loop, runner
}

func sessionStatus(t *testing.T, store Store, id string) Session {
	t.Helper()
	sess, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestLoopAutoAcceptedTurn(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1", ToolClick))
	gen := &fakeGenerator{results: []GenerateResult{
		{Thought: "I should click it.", Text: "Clicking the button.", Calls: []FunctionCall{clickCall("c1")}},
		{Text: "All done."},
	}}
	loop, runner := newTestLoop(t, store, gen)

	if err := loop.Run(context.Background(), "sess-1", RunInput{Text: "press the button"}); err != nil {
		t.Fatal(err)
	}

	sess := sessionStatus(t, store, "sess-1")
	if sess.Status != StatusStagnant {
		t.Errorf("status = %q, want stagnant", sess.Status)
	}
	if sess.StatusMessage != "No more tool calls from model." {
		t.Errorf("status message = %q", sess.StatusMessage)
	}

	// The grounded click ran on the endpoint: screenshot, click, screenshot.
	var clicks []ComputerArgs
	for _, a := range runner.recorded() {
		if a.Action == ActionClick {
			clicks = append(clicks, a)
		}
	}
	if len(clicks) != 1 {
		t.Fatalf("clicks = %d, want 1", len(clicks))
	}
	// Box [100,100,200,200] on a side-64 tile: round(150*64/1000) = 10.
	if clicks[0].Coordinate[0] != 10 || clicks[0].Coordinate[1] != 10 {
		t.Errorf("coordinate = %v, want [10 10]", clicks[0].Coordinate)
	}

	msgs, err := store.Messages(context.Background(), "sess-1", true)
	if err != nil {
		t.Fatal(err)
	}
	var sawRequest, sawAutoResponse, sawToolOutput bool
	for _, m := range msgs {
		if m.Review != nil && m.Review.Request != nil {
			sawRequest = true
			if m.Review.Request.Call.Name != ComputerToolName {
				t.Errorf("grounded call name = %q", m.Review.Request.Call.Name)
			}
			if m.Review.Request.Original.ID != "c1" {
				t.Errorf("original id = %q", m.Review.Request.Original.ID)
			}
			if !m.DisplayOnly() {
				t.Error("review request must be visible-only")
			}
		}
		if m.Review != nil && m.Review.Response != nil {
			sawAutoResponse = true
			if m.Review.Response.Choice != AcceptSession {
				t.Errorf("auto response choice = %q", m.Review.Response.Choice)
			}
		}
		for _, p := range m.Parts {
			if p.FunctionResponse != nil && p.FunctionResponse.ID == "c1" && p.FunctionResponse.Output == "done" {
				sawToolOutput = true
			}
		}
	}
	if !sawRequest || !sawAutoResponse || !sawToolOutput {
		t.Errorf("log incomplete: request=%v autoResponse=%v toolOutput=%v",
			sawRequest, sawAutoResponse, sawToolOutput)
	}
}

func TestLoopSuspendsOnReview(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1"))
	gen := &fakeGenerator{results: []GenerateResult{
		{Text: "Clicking.", Calls: []FunctionCall{clickCall("c1")}},
	}}
	loop, runner := newTestLoop(t, store, gen)

	if err := loop.Run(context.Background(), "sess-1", RunInput{Text: "press the button"}); err != nil {
		t.Fatal(err)
	}

	sess := sessionStatus(t, store, "sess-1")
	if sess.Status != StatusPending {
		t.Errorf("status = %q, want pending", sess.Status)
	}
	if sess.StatusMessage != "Tool call pending." {
		t.Errorf("status message = %q", sess.StatusMessage)
	}

	// Suspended: nothing executed beyond the observation screenshot.
	for _, a := range runner.recorded() {
		if a.Action != ActionScreenshot {
			t.Errorf("unexpected action before approval: %q", a.Action)
		}
	}

	msgs, _ := store.Messages(context.Background(), "sess-1", true)
	var requests int
	for _, m := range msgs {
		if m.Review != nil && m.Review.Request != nil {
			requests++
		}
	}
	if requests != 1 {
		t.Errorf("review requests = %d, want 1", requests)
	}
}

func TestLoopResumesWithDecisions(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1"))
	gen := &fakeGenerator{results: []GenerateResult{
		{Text: "Done."},
	}}
	loop, runner := newTestLoop(t, store, gen)

	grounded := FunctionCall{ID: "c1", Name: ComputerToolName,
		Args: json.RawMessage(`{"action":"click","coordinate":[10,10],"num_clicks":1,"button_type":"left"}`)}
	err := loop.Run(context.Background(), "sess-1", RunInput{Decisions: []Decision{
		{Call: grounded, Original: clickCall("c1"), Choice: AcceptOnce},
	}})
	if err != nil {
		t.Fatal(err)
	}

	var clicked bool
	for _, a := range runner.recorded() {
		if a.Action == ActionClick {
			clicked = true
		}
	}
	if !clicked {
		t.Error("accepted decision was not executed")
	}
	if sess := sessionStatus(t, store, "sess-1"); sess.Status != StatusStagnant {
		t.Errorf("status = %q, want stagnant after the model stops", sess.Status)
	}
}

func TestLoopAllRejected(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1"))
	gen := &fakeGenerator{}
	loop, runner := newTestLoop(t, store, gen)

	err := loop.Run(context.Background(), "sess-1", RunInput{Decisions: []Decision{
		{Call: FunctionCall{ID: "c1", Name: ComputerToolName}, Original: clickCall("c1"), Choice: RejectOnce},
		{Call: FunctionCall{ID: "c2", Name: ComputerToolName}, Original: clickCall("c2"), Choice: RejectOnce},
	}})
	if err != nil {
		t.Fatal(err)
	}

	sess := sessionStatus(t, store, "sess-1")
	if sess.Status != StatusStagnant {
		t.Errorf("status = %q, want stagnant", sess.Status)
	}
	if sess.StatusMessage != "User rejected all tool calls." {
		t.Errorf("status message = %q", sess.StatusMessage)
	}
	if len(runner.recorded()) != 0 {
		t.Errorf("no actions expected, got %v", runner.recorded())
	}
	if gen.calls != 0 {
		t.Errorf("model called %d times, want 0 when everything was rejected", gen.calls)
	}

	msgs, _ := store.Messages(context.Background(), "sess-1", true)
	var rejections, toolMsgs int
	for _, m := range msgs {
		if m.Role == RoleTool {
			toolMsgs++
		}
		for _, p := range m.Parts {
			if p.FunctionResponse != nil && p.FunctionResponse.Error == "Rejected by user" {
				rejections++
			}
		}
	}
	if rejections != 2 {
		t.Errorf("rejection responses = %d, want 2", rejections)
	}
	if toolMsgs != 1 {
		t.Errorf("tool messages = %d, want both responses grouped into one", toolMsgs)
	}
}

func TestLoopPartialRejection(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1"))
	gen := &fakeGenerator{results: []GenerateResult{{Text: "Finished."}}}
	loop, runner := newTestLoop(t, store, gen)

	grounded := FunctionCall{ID: "c2", Name: ComputerToolName,
		Args: json.RawMessage(`{"action":"key","keys":["enter"]}`)}
	err := loop.Run(context.Background(), "sess-1", RunInput{Decisions: []Decision{
		{Call: FunctionCall{ID: "c1", Name: ComputerToolName}, Original: clickCall("c1"), Choice: RejectOnce},
		{Call: grounded, Original: FunctionCall{ID: "c2", Name: ToolKey}, Choice: AcceptOnce},
	}})
	if err != nil {
		t.Fatal(err)
	}

	// One rejection does not stop the run when another call was accepted.
	var keyed bool
	for _, a := range runner.recorded() {
		if a.Action == ActionKey {
			keyed = true
		}
	}
	if !keyed {
		t.Error("accepted key press was not executed")
	}
	if gen.calls != 1 {
		t.Errorf("model called %d times, want 1", gen.calls)
	}
}

func TestLoopEmptyResponseRetries(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1"))
	gen := &fakeGenerator{} // always empty
	loop, _ := newTestLoop(t, store, gen)

	if err := loop.Run(context.Background(), "sess-1", RunInput{Text: "do nothing"}); err != nil {
		t.Fatal(err)
	}

	sess := sessionStatus(t, store, "sess-1")
	if sess.Status != StatusError {
		t.Errorf("status = %q, want error", sess.Status)
	}
	if sess.StatusMessage != "Model returned empty response even after retry." {
		t.Errorf("status message = %q", sess.StatusMessage)
	}
	if len(gen.history) != 2 {
		t.Fatalf("model called %d times, want 2 (original + retry)", len(gen.history))
	}
	// The retry history carries the "continue" nudge as the last user part.
	last := gen.history[1][len(gen.history[1])-1]
	nudge := last.Parts[len(last.Parts)-1]
	if nudge.Text != "continue" {
		t.Errorf("last part = %+v, want the continue nudge", nudge)
	}
}

func TestLoopForgesGroundingError(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1"))
	gen := &fakeGenerator{results: []GenerateResult{
		{Text: "Clicking.", Calls: []FunctionCall{{
			ID:   "c1",
			Name: ToolClick,
			Args: json.RawMessage(`{"image_id": 7, "element_description": "nothing"}`),
		}}},
		{Text: "Giving up."},
	}}
	loop, _ := newTestLoop(t, store, gen)

	if err := loop.Run(context.Background(), "sess-1", RunInput{Text: "press it"}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := store.Messages(context.Background(), "sess-1", true)
	var forged string
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.FunctionResponse != nil && p.FunctionResponse.ID == "c1" {
				forged = p.FunctionResponse.Error
			}
		}
	}
	if !strings.HasPrefix(forged, "Error during grounding: ") {
		t.Errorf("forged error = %q, want the grounding prefix", forged)
	}
	if !strings.Contains(forged, "Image ID exceeds the number of cropped screenshots") {
		t.Errorf("forged error = %q", forged)
	}
	// The turn continued: the model saw the error and got to respond.
	if sess := sessionStatus(t, store, "sess-1"); sess.Status != StatusStagnant {
		t.Errorf("status = %q, want stagnant", sess.Status)
	}
}

func TestLoopForgesValidationError(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1"))
	gen := &fakeGenerator{results: []GenerateResult{
		{Text: "Clicking.", Calls: []FunctionCall{{
			ID:   "c1",
			Name: ToolClick,
			Args: json.RawMessage(`{"image_id": 0}`),
		}}},
		{Text: "Understood."},
	}}
	loop, runner := newTestLoop(t, store, gen)

	if err := loop.Run(context.Background(), "sess-1", RunInput{Text: "press it"}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := store.Messages(context.Background(), "sess-1", true)
	var forged string
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.FunctionResponse != nil && p.FunctionResponse.ID == "c1" {
				forged = p.FunctionResponse.Error
			}
		}
	}
	if forged == "" {
		t.Fatal("no forged response for the invalid call")
	}
	for _, a := range runner.recorded() {
		if a.Action == ActionClick {
			t.Error("invalid call must not execute")
		}
	}
}

func TestLoopForgesDuplicateCallIDs(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1", ToolClick))
	gen := &fakeGenerator{results: []GenerateResult{
		{Text: "Clicking twice.", Calls: []FunctionCall{clickCall("dup"), clickCall("dup")}},
		{Text: "Done."},
	}}
	loop, runner := newTestLoop(t, store, gen)

	if err := loop.Run(context.Background(), "sess-1", RunInput{Text: "press it"}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := store.Messages(context.Background(), "sess-1", true)
	var duplicates int
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.FunctionResponse != nil && strings.Contains(p.FunctionResponse.Error, "duplicate function call id") {
				duplicates++
			}
		}
	}
	if duplicates != 1 {
		t.Errorf("duplicate forgeries = %d, want 1", duplicates)
	}
	var clicks int
	for _, a := range runner.recorded() {
		if a.Action == ActionClick {
			clicks++
		}
	}
	if clicks != 1 {
		t.Errorf("clicks = %d, want only the first call executed", clicks)
	}
}

func TestLoopStreamsToEmitter(t *testing.T) {
	store := newMemStore()
	store.mustCreate(t, testSession("sess-1"))
	gen := &fakeGenerator{results: []GenerateResult{{Text: "Nothing to do."}}}
	loop, _ := newTestLoop(t, store, gen)

	ch, cancel := loop.Emitter().Subscribe("sess-1", 128)
	defer cancel()

	if err := loop.Run(context.Background(), "sess-1", RunInput{Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	var sawTurnStatus, sawStream, sawStagnant bool
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case EventSessionStatus:
				if ev.Status.Message == "Turn 1" {
					sawTurnStatus = true
				}
				if ev.Status.Status == StatusStagnant {
					sawStagnant = true
				}
			case EventStreamMessage:
				if ev.Stream.Role == RoleModel && ev.Stream.Text != "" {
					sawStream = true
				}
			}
		default:
			if !sawTurnStatus || !sawStream || !sawStagnant {
				t.Errorf("events incomplete: turn=%v stream=%v stagnant=%v",
					sawTurnStatus, sawStream, sawStagnant)
			}
			return
		}
	}
}
