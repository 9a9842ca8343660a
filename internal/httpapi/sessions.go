package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/livehelp/internal/history"
	"github.com/ent0n29/livehelp/internal/queue"
	"github.com/ent0n29/livehelp/internal/session"
	"github.com/ent0n29/livehelp/internal/support"
)

type sessionDetail struct {
	session.Summary
	Requests []queue.Entry `json:"requests"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.support.Sessions()
	out := make([]session.Summary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Summary())
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(chi.URLParam(r, "groupID"))
	sess, err := s.support.Session(groupID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sessionDetail{
		Summary:  sess.Summary(),
		Requests: sess.Queue.Entries(),
	})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(chi.URLParam(r, "groupID"))
	if err := s.support.StopSession(r.Context(), groupID); err != nil {
		if errors.Is(err, support.ErrNoSession) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "session_stop_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "status": "ended"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	groupID := strings.TrimSpace(chi.URLParam(r, "groupID"))
	limit := history.DefaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.support.History(r.Context(), groupID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"group_id": groupID, "records": records})
}

func strconvSeconds(d time.Duration) string {
	return strconv.Itoa(int(d.Seconds()))
}
