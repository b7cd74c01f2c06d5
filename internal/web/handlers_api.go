package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tchow-twistedxcom/crewdeck/internal/hub"
	"github.com/tchow-twistedxcom/crewdeck/internal/session"
	"github.com/tchow-twistedxcom/crewdeck/internal/statedb"
)

// requestError carries an explicit error code for malformed requests.
type requestError struct {
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

func invalidRequest(message string) error {
	return &requestError{code: "INVALID_REQUEST", message: message}
}

type spawnFailure struct{ err error }

func (e *spawnFailure) Error() string { return e.err.Error() }
func (e *spawnFailure) Unwrap() error { return e.err }

// spawnError tags an otherwise unclassified create failure as a spawn
// failure.
func spawnError(err error) error {
	if err == nil {
		return nil
	}
	if _, code := errorCode(err); code == "INTERNAL_ERROR" {
		return &spawnFailure{err: err}
	}
	return err
}

// errorCode maps an error to its HTTP status and wire code.
func errorCode(err error) (int, string) {
	var reqErr *requestError
	var spawnErr *spawnFailure
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, reqErr.code
	case errors.As(err, &spawnErr):
		return http.StatusBadGateway, "SPAWN_FAILED"
	case errors.Is(err, hub.ErrReadOnly):
		return http.StatusForbidden, "READ_ONLY"
	case errors.Is(err, hub.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, session.ErrInvalidKind), errors.Is(err, session.ErrInvalidDir):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, session.ErrLoopStopped), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	writeAPIError(w, status, code, err.Error())
}

type sessionsResponse struct {
	Sessions []session.Descriptor `json:"sessions"`
}

type recentSessionsResponse struct {
	Sessions []*statedb.SessionRow `json:"sessions"`
}

type worktreesResponse struct {
	Worktrees []hub.WorktreeSummary `json:"worktrees"`
}

type destroyResponse struct {
	OK        bool `json:"ok"`
	Destroyed bool `json:"destroyed"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.hub.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Descriptor{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid session payload")
		return
	}
	kind, err := session.ParseKind(req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := s.hub.Create(r.Context(), "", req.WorkingDir, kind, req.Params)
	if err != nil {
		writeError(w, spawnError(err))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	d, ok, err := s.hub.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	destroyed, err := s.hub.Destroy(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, destroyResponse{OK: true, Destroyed: destroyed})
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.State == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "JOURNAL_DISABLED", "session journal is disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	rows, err := s.cfg.State.RecentSessions(limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read session journal")
		return
	}
	if rows == nil {
		rows = []*statedb.SessionRow{}
	}
	writeJSON(w, http.StatusOK, recentSessionsResponse{Sessions: rows})
}

func (s *Server) handleWorktrees(w http.ResponseWriter, r *http.Request) {
	summary, err := s.hub.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if summary == nil {
		summary = []hub.WorktreeSummary{}
	}
	writeJSON(w, http.StatusOK, worktreesResponse{Worktrees: summary})
}
