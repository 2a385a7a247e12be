package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/checkpoint"
	"github.com/flitsinc/go-convo/internal/session"
	"github.com/flitsinc/go-convo/internal/stream"
	"github.com/flitsinc/go-convo/internal/tool"
	"github.com/flitsinc/go-convo/internal/turn"
)

type Server struct {
	Processor    *turn.Processor
	Sessions     *session.Cache
	Checkpoints  *checkpoint.Store
	Streams      *stream.Registry
	Tools        *tool.Registry
	Restart      func() error
	RestartToken string
	StartedAt    time.Time
	Log          zerolog.Logger
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/turns", s.handleTurns)
	mux.HandleFunc("/api/turns/ws", s.handleTurnWS)
	mux.HandleFunc("/api/sessions/", s.handleSessions)
	mux.HandleFunc("/api/threads/", s.handleThreads)
	mux.HandleFunc("/api/tools", s.handleTools)
	mux.HandleFunc("/api/admin/restart", s.handleRestart)

	return s.accessLog(mux)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.Log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("elapsed", time.Since(started)).Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC(),
		"uptime":  time.Since(s.StartedAt).String(),
		"streams": s.Streams.Len(),
	})
}

// handleTurns runs one turn and streams its envelopes as NDJSON. The
// connection stays open until the terminal envelope has been written.
func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req turn.Request
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for env := range s.Processor.Run(r.Context(), req) {
		if err := enc.Encode(env); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	sessionID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			limit := parseInt(r.URL.Query().Get("limit"), 50)
			writeJSON(w, http.StatusOK, map[string]any{
				"session_id": sessionID,
				"messages":   s.Sessions.History(r.Context(), sessionID, limit),
				"degraded":   s.Sessions.Degraded(sessionID),
			})
		case http.MethodDelete:
			if err := s.Sessions.Clear(r.Context(), sessionID); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	switch segments[1] {
	case "history":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": sessionID,
			"messages":   s.Sessions.History(r.Context(), sessionID, limit),
			"degraded":   s.Sessions.Degraded(sessionID),
		})
	case "cancel":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		if !s.Streams.Cancel(sessionID) {
			writeError(w, http.StatusNotFound, errNotFound("streaming turn"))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case "tool_calls":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		records, err := s.Sessions.ToolCalls(r.Context(), sessionID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	case "status":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		status, ok := s.Streams.Status(sessionID)
		if !ok {
			writeError(w, http.StatusNotFound, errNotFound("session status"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "status": status})
	default:
		writeError(w, http.StatusNotFound, errNotFound("session resource"))
	}
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/threads/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "checkpoints" {
		writeError(w, http.StatusNotFound, errNotFound("thread resource"))
		return
	}
	threadID := segments[0]

	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		list, err := s.Checkpoints.List(r.Context(), threadID, checkpoint.ListFilter{Limit: limit})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodDelete:
		count, err := s.Checkpoints.Delete(r.Context(), threadID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": count})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	type toolInfo struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Schema      json.RawMessage `json:"schema"`
	}
	var out []toolInfo
	for _, t := range s.Tools.List() {
		out = append(out, toolInfo{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Restart == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("restart"))
		return
	}
	if token := s.RestartToken; token != "" {
		header := r.Header.Get("X-Restart-Token")
		if header != token {
			writeError(w, http.StatusUnauthorized, errNotFound("invalid restart token"))
			return
		}
	}
	if err := s.Restart(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
