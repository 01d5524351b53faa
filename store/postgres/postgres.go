// Package postgres implements scout.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/scout"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements scout.Store backed by PostgreSQL. Message order is
// preserved by a BIGSERIAL sequence column.
type Store struct {
	pool   *pgxpool.Pool
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

// New creates a Store on an existing pool. The pool stays owned by the
// caller; Close does not release it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			metadata JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			hidden BOOLEAN NOT NULL DEFAULT FALSE,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS images (
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			data BYTEA NOT NULL,
			PRIMARY KEY (session_id, name)
		)`,
	}
	for _, q := range tables {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Create writes a new session record.
func (s *Store) Create(ctx context.Context, sess scout.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("postgres: encode session: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, metadata) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		sess.ID, data)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", scout.ErrSessionExists, sess.ID)
	}
	return nil
}

// Get returns a session's metadata.
func (s *Store) Get(ctx context.Context, id string) (scout.Session, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT metadata FROM sessions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return scout.Session{}, fmt.Errorf("%w: %s", scout.ErrSessionNotFound, id)
	}
	if err != nil {
		return scout.Session{}, fmt.Errorf("postgres: get session: %w", err)
	}
	var sess scout.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return scout.Session{}, fmt.Errorf("postgres: decode session: %w", err)
	}
	return sess, nil
}

// List returns all sessions. Rows with undecodable metadata are skipped.
func (s *Store) List(ctx context.Context) ([]scout.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, metadata FROM sessions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []scout.Session
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("postgres: list sessions: %w", err)
		}
		var sess scout.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			s.logger.Warn("postgres: skipping undecodable session", "session", id, "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Update merges a partial update into the metadata under a row lock and
// returns the result.
func (s *Store) Update(ctx context.Context, id string, u scout.SessionUpdate) (scout.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scout.Session{}, fmt.Errorf("postgres: update session: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT metadata FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return scout.Session{}, fmt.Errorf("%w: %s", scout.ErrSessionNotFound, id)
	}
	if err != nil {
		return scout.Session{}, fmt.Errorf("postgres: update session: %w", err)
	}
	var sess scout.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return scout.Session{}, fmt.Errorf("postgres: decode session: %w", err)
	}
	u.Apply(&sess)
	data, err := json.Marshal(sess)
	if err != nil {
		return scout.Session{}, fmt.Errorf("postgres: encode session: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE sessions SET metadata = $1 WHERE id = $2`, data, id); err != nil {
		return scout.Session{}, fmt.Errorf("postgres: update session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return scout.Session{}, fmt.Errorf("postgres: update session: %w", err)
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: append messages: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range msgs {
		payload, err := json.Marshal(&msgs[i])
		if err != nil {
			return fmt.Errorf("postgres: encode message: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (session_id, hidden, payload) VALUES ($1, $2, $3)`,
			id, msgs[i].Hidden(), payload); err != nil {
			return fmt.Errorf("postgres: append messages: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Messages returns the log in append order.
func (s *Store) Messages(ctx context.Context, id string, includeHidden bool) ([]scout.Message, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	query := `SELECT payload FROM messages WHERE session_id = $1 ORDER BY seq`
	if !includeHidden {
		query = `SELECT payload FROM messages WHERE session_id = $1 AND NOT hidden ORDER BY seq`
	}
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	var msgs []scout.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: get messages: %w", err)
		}
		var msg scout.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("postgres: decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// PutImage stores a PNG blob, replacing any previous blob of the same name.
func (s *Store) PutImage(ctx context.Context, id, name string, data []byte) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO images (session_id, name, data) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, name) DO UPDATE SET data = EXCLUDED.data`,
		id, name, data); err != nil {
		return fmt.Errorf("postgres: put image: %w", err)
	}
	return nil
}

// Image returns a stored blob.
func (s *Store) Image(ctx context.Context, id, name string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM images WHERE session_id = $1 AND name = $2`, id, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", scout.ErrImageNotFound, id, name)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get image: %w", err)
	}
	return data, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }
