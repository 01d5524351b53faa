package scout

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for agent and manager tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	logs     map[string][]Message
	images   map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]Session),
		logs:     make(map[string][]Message),
		images:   make(map[string]map[string][]byte),
	}
}

var _ Store = (*memStore)(nil)

func (s *memStore) Create(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}
	s.sessions[sess.ID] = sess
	s.images[sess.ID] = make(map[string][]byte)
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

func (s *memStore) List(ctx context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (s *memStore) Update(ctx context.Context, id string, u SessionUpdate) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	u.Apply(&sess)
	s.sessions[id] = sess
	return sess, nil
}

func (s *memStore) AppendMessages(ctx context.Context, id string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.logs[id] = append(s.logs[id], msgs...)
	return nil
}

func (s *memStore) Messages(ctx context.Context, id string, includeHidden bool) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	var out []Message
	for _, m := range s.logs[id] {
		if !includeHidden && m.Hidden() {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) PutImage(ctx context.Context, id, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	imgs, ok := s.images[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	imgs[name] = data
	return nil
}

func (s *memStore) Image(ctx context.Context, id, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.images[id][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrImageNotFound, id, name)
	}
	return data, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) mustCreate(t *testing.T, sess Session) {
	t.Helper()
	if err := s.Create(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

// fakeGenerator replays scripted planning results in order and answers every
// detection with a fixed box.
type fakeGenerator struct {
	mu      sync.Mutex
	results []GenerateResult
	calls   int
	detect  string
	history [][]Content
}

var _ Generator = (*fakeGenerator)(nil)

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) GenerateStream(ctx context.Context, req GenerateRequest, ch chan<- Delta) (GenerateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history = append(g.history, req.Contents)
	if g.calls >= len(g.results) {
		return GenerateResult{}, nil
	}
	res := g.results[g.calls]
	g.calls++
	if ch != nil && res.Text != "" {
		ch <- Delta{Text: res.Text}
	}
	return res, nil
}

func (g *fakeGenerator) Detect(ctx context.Context, req DetectRequest, ch chan<- Delta) (string, error) {
	if g.detect == "" {
		return `{"box_2d": [100, 100, 200, 200], "label": "element"}`, nil
	}
	return g.detect, nil
}

// fakeRunner serves a fixed PNG screenshot and records every action.
type fakeRunner struct {
	mu         sync.Mutex
	screenshot []byte
	actions    []ComputerArgs
	result     ComputerResult
}

var _ ComputerRunner = (*fakeRunner)(nil)

func newFakeRunner(t *testing.T, w, h int) *fakeRunner {
	t.Helper()
	return &fakeRunner{
		screenshot: encodeTestPNG(t, testImage(w, h)),
		result:     ComputerResult{Text: "done"},
	}
}

func (r *fakeRunner) Run(ctx context.Context, args ComputerArgs) (ComputerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, args)
	if args.Action == ActionScreenshot {
		return ComputerResult{Image: &InlineData{MimeType: "image/png", Data: r.screenshot}}, nil
	}
	return r.result, nil
}

func (r *fakeRunner) recorded() []ComputerArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ComputerArgs, len(r.actions))
	copy(out, r.actions)
	return out
}

// testImage builds a w×h gradient so resampling has structure to work with.
func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 64, A: 255})
		}
	}
	return img
}

func encodeTestPNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func testSession(id string, accepted ...string) Session {
	return Session{
		ID:            id,
		Name:          "test",
		Model:         "test-model",
		Status:        StatusRunning,
		AcceptedTools: accepted,
		CreatedAt:     time.Now(),
	}
}
