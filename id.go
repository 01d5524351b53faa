package scout

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for message and review identifiers.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewSessionID derives a session identifier from the current time: an
// ISO-8601 timestamp with ':' and '.' replaced by '-'. Lexicographic order
// of ids is therefore chronological order.
func NewSessionID(now time.Time) string {
	s := now.UTC().Format("2006-01-02T15:04:05.000Z")
	s = strings.ReplaceAll(s, ":", "-")
	return strings.ReplaceAll(s, ".", "-")
}

// NewCallID generates an identifier for a function call whose id the LLM
// omitted: <name>-<unix_ms>-<random>. A broken LLM repeating calls within
// one millisecond could collide on name+time alone; the random suffix keeps
// the id unique, and dispatch rejects duplicates within one plan response.
func NewCallID(name string) string {
	return fmt.Sprintf("%s-%d-%04d", name, time.Now().UnixMilli(), rand.Intn(10000))
}

// SanitizeFileName strips path separators and traversal sequences from a
// stored image file name. Store backends require sanitized names; references
// can never escape their session directory.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "unnamed"
	}
	return name
}
