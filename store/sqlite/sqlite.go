// Package sqlite implements scout.Store using pure-Go SQLite. Zero CGO
// required. Message records are stored as JSON text with a monotonic
// sequence column preserving append order.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nevindra/scout"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements scout.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ scout.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			metadata TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			hidden INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS images (
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (session_id, name)
		)`,
	}
	for _, q := range tables {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// Create writes a new session record.
func (s *Store) Create(ctx context.Context, sess scout.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("sqlite: encode session: %w", err)
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", scout.ErrSessionExists, sess.ID)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, metadata) VALUES (?, ?)`, sess.ID, string(data)); err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	return nil
}

// Get returns a session's metadata.
func (s *Store) Get(ctx context.Context, id string) (scout.Session, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return scout.Session{}, fmt.Errorf("%w: %s", scout.ErrSessionNotFound, id)
	}
	if err != nil {
		return scout.Session{}, fmt.Errorf("sqlite: get session: %w", err)
	}
	var sess scout.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return scout.Session{}, fmt.Errorf("sqlite: decode session: %w", err)
	}
	return sess, nil
}

// List returns all sessions. Rows with undecodable metadata are skipped.
func (s *Store) List(ctx context.Context) ([]scout.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, metadata FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []scout.Session
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("sqlite: list sessions: %w", err)
		}
		var sess scout.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			s.logger.Warn("sqlite: skipping undecodable session", "session", id, "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Update merges a partial update into the metadata and returns the result.
func (s *Store) Update(ctx context.Context, id string, u scout.SessionUpdate) (scout.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return scout.Session{}, fmt.Errorf("sqlite: update session: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return scout.Session{}, fmt.Errorf("%w: %s", scout.ErrSessionNotFound, id)
	}
	if err != nil {
		return scout.Session{}, fmt.Errorf("sqlite: update session: %w", err)
	}
	var sess scout.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return scout.Session{}, fmt.Errorf("sqlite: decode session: %w", err)
	}
	u.Apply(&sess)
	data, err := json.Marshal(sess)
	if err != nil {
		return scout.Session{}, fmt.Errorf("sqlite: encode session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET metadata = ? WHERE id = ?`, string(data), id); err != nil {
		return scout.Session{}, fmt.Errorf("sqlite: update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return scout.Session{}, fmt.Errorf("sqlite: update session: %w", err)
	}
	return sess, nil
}

// AppendMessages atomically extends the log in one transaction.
func (s *Store) AppendMessages(ctx context.Context, id string, msgs ...scout.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: append messages: %w", err)
	}
	defer tx.Rollback()

	for i := range msgs {
		payload, err := json.Marshal(&msgs[i])
		if err != nil {
			return fmt.Errorf("sqlite: encode message: %w", err)
		}
		hidden := 0
		if msgs[i].Hidden() {
			hidden = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, hidden, payload) VALUES (?, ?, ?)`,
			id, hidden, string(payload)); err != nil {
			return fmt.Errorf("sqlite: append messages: %w", err)
		}
	}
	return tx.Commit()
}

// Messages returns the log in append order.
func (s *Store) Messages(ctx context.Context, id string, includeHidden bool) ([]scout.Message, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	query := `SELECT payload FROM messages WHERE session_id = ? ORDER BY seq`
	if !includeHidden {
		query = `SELECT payload FROM messages WHERE session_id = ? AND hidden = 0 ORDER BY seq`
	}
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get messages: %w", err)
	}
	defer rows.Close()

	var msgs []scout.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: get messages: %w", err)
		}
		var msg scout.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("sqlite: decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// PutImage stores a PNG blob, replacing any previous blob of the same name.
func (s *Store) PutImage(ctx context.Context, id, name string, data []byte) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO images (session_id, name, data) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, name) DO UPDATE SET data = excluded.data`,
		id, name, data); err != nil {
		return fmt.Errorf("sqlite: put image: %w", err)
	}
	return nil
}

// Image returns a stored blob.
func (s *Store) Image(ctx context.Context, id, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM images WHERE session_id = ? AND name = ?`, id, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", scout.ErrImageNotFound, id, name)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get image: %w", err)
	}
	return data, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
