// Package httpapi exposes the publish engine over HTTP: submission, the
// live progress stream (server-sent events), stored results and retries.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"crosspost/internal/publish"
	"crosspost/internal/runtime/supervisor"
	"crosspost/internal/session"
	"crosspost/internal/storage"
	"crosspost/internal/stream"
	logx "crosspost/pkg/logx"
)

const maxBodyBytes = 1 << 20

type Options struct {
	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
	// Heartbeat is the SSE comment interval on idle streams (default 15s).
	Heartbeat time.Duration
}

type Deps struct {
	Coordinator *publish.Coordinator
	Platforms   *publish.Platforms
	Sessions    *session.Registry
	Broker      *stream.Broker
	Store       storage.Store
	Log         logx.Logger
}

type Server struct {
	coord     *publish.Coordinator
	platforms *publish.Platforms
	sessions  *session.Registry
	broker    *stream.Broker
	store     storage.Store
	log       logx.Logger
	origins   []string
	heartbeat atomic.Int64
	workers   atomic.Value // func() supervisor.Snapshot
}

func New(opts Options, d Deps) *Server {
	s := &Server{
		coord:     d.Coordinator,
		platforms: d.Platforms,
		sessions:  d.Sessions,
		broker:    d.Broker,
		store:     d.Store,
		log:       d.Log,
		origins:   opts.AllowedOrigins,
	}
	s.SetHeartbeat(opts.Heartbeat)
	return s
}

// SetWorkers adds a goroutine snapshot to the health report.
func (s *Server) SetWorkers(fn func() supervisor.Snapshot) {
	if fn != nil {
		s.workers.Store(fn)
	}
}

// SetHeartbeat changes the idle interval for streams opened afterwards.
func (s *Server) SetHeartbeat(d time.Duration) {
	if d <= 0 {
		d = 15 * time.Second
	}
	s.heartbeat.Store(int64(d))
}

// Router returns the bare route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/publish", s.submit).Methods(http.MethodPost)
	api.HandleFunc("/publish/platforms", s.listPlatforms).Methods(http.MethodGet)
	api.HandleFunc("/publish/retry", s.retry).Methods(http.MethodPost)
	api.HandleFunc("/publish/stream/{sessionId}", s.stream).Methods(http.MethodGet)
	api.HandleFunc("/publish/results/{eventId}", s.history).Methods(http.MethodGet)
	api.HandleFunc("/publish/results/{eventId}/{sessionId}", s.result).Methods(http.MethodGet)
	api.HandleFunc("/publish/results/{eventId}/{sessionId}/retryable", s.retryable).Methods(http.MethodGet)
	api.HandleFunc("/publish/sessions/{sessionId}", s.sessionState).Methods(http.MethodGet)
	api.HandleFunc("/publish/sessions/{sessionId}/abandon", s.abandon).Methods(http.MethodPost)
	return r
}

// Handler is the router wrapped with CORS, panic recovery and request logging.
func (s *Server) Handler() http.Handler {
	corsOpts := []handlers.CORSOption{
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Last-Event-ID"}),
	}
	if len(s.origins) > 0 {
		corsOpts = append(corsOpts, handlers.AllowedOrigins(s.origins))
	}
	var h http.Handler = s.Router()
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.log}),
		handlers.PrintRecoveryStack(false),
	)(h)
	h = handlers.CORS(corsOpts...)(h)
	return s.logRequests(h)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status, code := "ok", http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("health: store ping failed", logx.Err(err))
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	body := map[string]any{
		"status":         status,
		"activeSessions": s.coord.Active(),
		"streams":        s.broker.Stats(),
	}
	if fn, ok := s.workers.Load().(func() supervisor.Snapshot); ok {
		body["workers"] = fn()
	}
	writeJSON(w, code, body)
}

func (s *Server) listPlatforms(w http.ResponseWriter, _ *http.Request) {
	type item struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	ids := s.platforms.IDs()
	out := make([]item, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.platforms.Lookup(id); ok {
			out = append(out, item{ID: id, Method: p.Publisher.Method()})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "platforms": out})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: body: %v", publish.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, publish.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, publish.ErrSessionNotFound), errors.Is(err, session.ErrUnknownSession),
		errors.Is(err, storage.ErrNotFound), errors.Is(err, publish.ErrEventNotFound):
		code = http.StatusNotFound
	case errors.Is(err, publish.ErrNotRetryable):
		code = http.StatusConflict
	case errors.Is(err, publish.ErrStopping):
		code = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		msg = "internal error"
	}
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

type recoveryLogger struct{ log logx.Logger }

func (l recoveryLogger) Println(v ...any) {
	l.log.Error("http handler panic", logx.String("panic", fmt.Sprint(v...)))
}
