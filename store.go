package scout

import "context"

// Store abstracts append-only session persistence: metadata, the ordered
// message log, and image blobs. Implementations live under store/ (filesystem,
// SQLite, PostgreSQL). Concurrent appends to one session are serialized by the
// Manager; backends only need to keep appends atomic.
type Store interface {
	// --- Session metadata ---

	// Create writes a new session record. Fails with ErrSessionExists if
	// the id is already taken.
	Create(ctx context.Context, s Session) error
	// Get returns the current metadata for a session.
	Get(ctx context.Context, id string) (Session, error)
	// List returns all sessions. Entries whose metadata cannot be read are
	// skipped (and logged), not returned as errors.
	List(ctx context.Context) ([]Session, error)
	// Update merges a partial update into the metadata and returns the
	// resulting record. The id is immutable.
	Update(ctx context.Context, id string, u SessionUpdate) (Session, error)

	// --- Message log ---

	// AppendMessages atomically extends the session log with zero or more
	// messages, preserving order.
	AppendMessages(ctx context.Context, id string, msgs ...Message) error
	// Messages returns the full log in append order. When includeHidden is
	// false, LLM-only messages (forDisplay = false) are filtered out.
	Messages(ctx context.Context, id string, includeHidden bool) ([]Message, error)

	// --- Image blobs ---

	// PutImage stores a PNG blob under the session. The name must already
	// be sanitized (SanitizeFileName).
	PutImage(ctx context.Context, id, name string, data []byte) error
	// Image returns a stored blob.
	Image(ctx context.Context, id, name string) ([]byte, error)

	// Close releases backend resources.
	Close() error
}
