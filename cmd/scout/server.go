package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	scout "github.com/nevindra/scout"
)

// server is the thin HTTP layer over the session Manager. All agent
// semantics live in the scout package; handlers only translate requests.
type server struct {
	manager      *scout.Manager
	defaultModel string
	logger       *slog.Logger
}

func newServer(manager *scout.Manager, defaultModel string, logger *slog.Logger) *server {
	return &server{manager: manager, defaultModel: defaultModel, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleUserInput)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /sessions/{id}/images/{name}", s.handleImage)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /reviews", s.handleToolReview)
	return mux
}

// handleUserInput starts a turn. An empty sessionId creates a session; the
// response carries its metadata so the client can subscribe to events.
func (s *server) handleUserInput(w http.ResponseWriter, r *http.Request) {
	var req scout.UserInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}
	sess, err := s.manager.UserInput(r.Context(), req)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *server) handleToolReview(w http.ResponseWriter, r *http.Request) {
	var req scout.ToolReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := s.manager.ToolReview(r.Context(), req); err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.Sessions(r.Context())
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if sessions == nil {
		sessions = []scout.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleMessages returns the session log. Pass ?hidden=true to include the
// LLM-only entries (tile images, nudges) that a transcript view would skip.
func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	includeHidden := r.URL.Query().Get("hidden") == "true"
	msgs, err := s.manager.Messages(r.Context(), r.PathValue("id"), includeHidden)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if msgs == nil {
		msgs = []scout.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *server) handleImage(w http.ResponseWriter, r *http.Request) {
	data, err := s.manager.Image(r.Context(), r.PathValue("id"), r.PathValue("name"))
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Session(r.Context(), id); err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.manager.CancelSession(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents streams the session's events over SSE until the client
// disconnects. Each event's name is its type; the payload is the full Event.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Session(r.Context(), id); err != nil {
		s.writeAPIError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events, cancel := s.manager.Subscribe(id, 64)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, flusher, ev); err != nil {
				s.logger.Debug("sse write failed", "session", id, "error", err)
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev scout.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeAPIError maps package errors onto HTTP status codes.
func (s *server) writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scout.ErrSessionNotFound),
		errors.Is(err, scout.ErrImageNotFound),
		errors.Is(err, scout.ErrReviewNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, scout.ErrSessionExists),
		errors.Is(err, scout.ErrReviewAnswered),
		errors.Is(err, scout.ErrTurnActive):
		writeError(w, http.StatusConflict, err)
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
