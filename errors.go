package scout

import (
	"errors"
	"fmt"
)

// ErrLLM reports a provider-level failure (transport, malformed payload).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx response from a remote service.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Store and review sentinels. Backends wrap these with context via %w.
var (
	// ErrSessionExists is returned by Store.Create when the id is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrImageNotFound is returned for unknown image blobs.
	ErrImageNotFound = errors.New("image not found")
	// ErrReviewNotFound is returned for a tool-review response whose
	// reviewId matches no outstanding request.
	ErrReviewNotFound = errors.New("review not found")
	// ErrReviewAnswered is returned when a review already has a response.
	ErrReviewAnswered = errors.New("review already answered")
	// ErrTurnActive is returned when a session already has a turn in flight.
	ErrTurnActive = errors.New("session turn already active")
)
