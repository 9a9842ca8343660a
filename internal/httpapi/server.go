package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/livehelp/internal/config"
	"github.com/ent0n29/livehelp/internal/events"
	"github.com/ent0n29/livehelp/internal/history"
	"github.com/ent0n29/livehelp/internal/observability"
	"github.com/ent0n29/livehelp/internal/session"
)

// SupportService is the part of the support service the admin API drives.
type SupportService interface {
	Sessions() []*session.Session
	Session(groupID string) (*session.Session, error)
	StopSession(ctx context.Context, groupID string) error
	History(ctx context.Context, groupID string, limit int) ([]history.Record, error)
	WaitStats() observability.StageSnapshot
}

type Server struct {
	cfg      config.Config
	support  SupportService
	hub      *events.Hub
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	ready    atomic.Bool
}

func New(cfg config.Config, support SupportService, hub *events.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		support: support,
		hub:     hub,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// SetReady flips /readyz once the platform connection is up.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.RateLimitPerMinute > 0 {
			r.Use(rateLimit(s.cfg.RateLimitPerMinute, time.Minute))
		}
		r.Get("/support/sessions", s.handleListSessions)
		r.Get("/support/sessions/{groupID}", s.handleGetSession)
		r.Delete("/support/sessions/{groupID}", s.handleStopSession)
		r.Get("/support/sessions/{groupID}/history", s.handleHistory)
		r.Get("/support/stats/wait", s.handleWaitStats)
		r.Get("/support/events/ws", s.handleEventsWS)
	})

	return r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconvSeconds(window))
			respondError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": len(s.support.Sessions()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleWaitStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.support.WaitStats())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
