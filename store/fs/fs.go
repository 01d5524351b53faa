// Package fs implements scout.Store on the local filesystem. Each session is
// a directory holding metadata.json, an append-only messages.jsonl log, and
// an images/ directory of PNG blobs. No external services required.
package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nevindra/scout"
)

const (
	metadataFile = "metadata.json"
	messagesFile = "messages.jsonl"
	imagesDir    = "images"
)

// StoreOption configures a filesystem Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements scout.Store under a root directory. Metadata writes go
// through a temp file + rename so readers never see a torn record; the log
// is strictly append-only.
type Store struct {
	root   string
	logger *slog.Logger

	// mu serializes metadata read-modify-write cycles. Log appends for one
	// session are already serialized by the caller.
	mu sync.Mutex
}

var _ scout.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fs: create root: %w", err)
	}
	s := &Store{root: dir, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("fs: store opened", "root", dir)
	return s, nil
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.root, scout.SanitizeFileName(id))
}

// Create writes a new session directory with its metadata, an empty log,
// and an images directory.
func (s *Store) Create(_ context.Context, sess scout.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(sess.ID)
	if _, err := os.Stat(filepath.Join(dir, metadataFile)); err == nil {
		return fmt.Errorf("%w: %s", scout.ErrSessionExists, sess.ID)
	}
	if err := os.MkdirAll(filepath.Join(dir, imagesDir), 0o755); err != nil {
		return fmt.Errorf("fs: create session dir: %w", err)
	}
	if err := s.writeMetadata(dir, sess); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fs: create log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fs: create log: %w", err)
	}
	s.logger.Debug("fs: session created", "session", sess.ID)
	return nil
}

// Get returns a session's metadata.
func (s *Store) Get(_ context.Context, id string) (scout.Session, error) {
	return s.readMetadata(s.sessionDir(id), id)
}

// List returns all sessions under the root. Entries whose metadata cannot be
// read are skipped and logged, not surfaced as errors.
func (s *Store) List(_ context.Context) ([]scout.Session, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("fs: list sessions: %w", err)
	}
	var sessions []scout.Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.readMetadata(filepath.Join(s.root, e.Name()), e.Name())
		if err != nil {
			s.logger.Warn("fs: skipping unreadable session", "dir", e.Name(), "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Update merges a partial update into the metadata and returns the result.
func (s *Store) Update(_ context.Context, id string, u scout.SessionUpdate) (scout.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(id)
	sess, err := s.readMetadata(dir, id)
	if err != nil {
		return scout.Session{}, err
	}
	u.Apply(&sess)
	if err := s.writeMetadata(dir, sess); err != nil {
		return scout.Session{}, err
	}
	return sess, nil
}

// AppendMessages atomically extends the log, one JSON record per line. All
// lines go out in a single write so a crash cannot interleave records.
func (s *Store) AppendMessages(_ context.Context, id string, msgs ...scout.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	dir := s.sessionDir(id)
	if _, err := os.Stat(filepath.Join(dir, metadataFile)); err != nil {
		return fmt.Errorf("%w: %s", scout.ErrSessionNotFound, id)
	}

	var buf bytes.Buffer
	for i := range msgs {
		line, err := json.Marshal(&msgs[i])
		if err != nil {
			return fmt.Errorf("fs: encode message: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("fs: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("fs: append log: %w", err)
	}
	return f.Sync()
}

// Messages returns the log in append order. A partial record at end-of-file
// (torn final write) is treated as absent. When includeHidden is false,
// LLM-only messages are filtered out.
func (s *Store) Messages(_ context.Context, id string, includeHidden bool) ([]scout.Message, error) {
	dir := s.sessionDir(id)
	data, err := os.ReadFile(filepath.Join(dir, messagesFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", scout.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("fs: read log: %w", err)
	}

	lines := bytes.Split(data, []byte{'\n'})
	var msgs []scout.Message
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg scout.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			if i >= len(lines)-2 {
				// Torn final record from an interrupted append.
				s.logger.Warn("fs: dropping partial trailing record", "session", id)
				continue
			}
			return nil, fmt.Errorf("fs: corrupt log record at line %d: %w", i+1, err)
		}
		if !includeHidden && msg.Hidden() {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// PutImage stores a PNG blob. The name must already be sanitized.
func (s *Store) PutImage(_ context.Context, id, name string, data []byte) error {
	path := filepath.Join(s.sessionDir(id), imagesDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fs: create images dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("fs: write image: %w", err)
	}
	return nil
}

// Image returns a stored blob.
func (s *Store) Image(_ context.Context, id, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), imagesDir, scout.SanitizeFileName(name)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", scout.ErrImageNotFound, id, name)
		}
		return nil, fmt.Errorf("fs: read image: %w", err)
	}
	return data, nil
}

// Close is a no-op for the filesystem backend.
func (s *Store) Close() error { return nil }

func (s *Store) readMetadata(dir, id string) (scout.Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return scout.Session{}, fmt.Errorf("%w: %s", scout.ErrSessionNotFound, id)
		}
		return scout.Session{}, fmt.Errorf("fs: read metadata: %w", err)
	}
	var sess scout.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return scout.Session{}, fmt.Errorf("fs: decode metadata: %w", err)
	}
	return sess, nil
}

// writeMetadata writes via temp file + rename so a concurrent reader never
// observes a torn record.
func (s *Store) writeMetadata(dir string, sess scout.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("fs: encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(dir, metadataFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("fs: write metadata: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("fs: write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("fs: write metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, metadataFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("fs: write metadata: %w", err)
	}
	return nil
}
