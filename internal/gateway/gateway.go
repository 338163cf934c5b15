// Package gateway exposes the execution core over HTTP: a JSON read/submit
// API backed by the coordinator's projections and a websocket stream that
// replays the event log and tails live events.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/coordinator"
	"github.com/helixtrade/intentd/internal/intent"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/schema"
	"github.com/helixtrade/intentd/internal/store/eventlog"
)

// Config tunes the HTTP server and websocket sessions.
type Config struct {
	Addr string
	// SendBuffer bounds the per-client live queue. On overflow market frames
	// shed oldest-first; domain frames disconnect the client instead.
	SendBuffer int
	// SubscribeTimeout bounds how long a fresh connection may sit silent
	// before sending its subscribe request.
	SubscribeTimeout time.Duration
	WriteTimeout     time.Duration
	ShutdownGrace    time.Duration
}

func (c Config) normalize() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 1024
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// Server serves the read API and the event stream.
type Server struct {
	cfg     Config
	coord   *coordinator.Coordinator
	intents *intent.Manager
	log     eventlog.Log
	bus     bus.Bus
	httpSrv *http.Server
}

// New wires the gateway against the running pipeline.
func New(cfg Config, coord *coordinator.Coordinator, intents *intent.Manager, log eventlog.Log, b bus.Bus) *Server {
	s := &Server{
		cfg:     cfg.normalize(),
		coord:   coord,
		intents: intents,
		log:     log,
		bus:     b,
	}
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing table; exposed so tests can mount it on
// httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/intents", s.handleSubmit)
	mux.HandleFunc("GET /v1/intents", s.handleList)
	mux.HandleFunc("GET /v1/intents/{id}", s.handleIntent)
	mux.HandleFunc("GET /v1/intents/{id}/events", s.handleHistory)
	mux.HandleFunc("POST /v1/intents/{id}/rebuild", s.handleRebuild)
	mux.HandleFunc("GET /v1/plans/{id}", s.handlePlan)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	return mux
}

// ListenAndServe blocks until ctx is cancelled, then drains connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	observability.Log().Info("gateway listening", observability.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return errs.New("gateway/serve", errs.CodeInfra, errs.WithCause(err))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var in schema.Intent
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, errs.New("gateway/submit", errs.CodeInvalid,
			errs.WithMessage("malformed intent body"), errs.WithCause(err)))
		return
	}
	intentID, err := s.intents.Submit(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"intentId": intentID})
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.IntentView(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.coord.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(events) == 0 {
		writeError(w, errs.New("gateway/history", errs.CodeNotFound,
			errs.WithMessage("unknown intent")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.Rebuild(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	view, err := s.coord.PlanView(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	state := schema.IntentState(r.URL.Query().Get("state"))
	switch state {
	case schema.IntentStateSubmitted, schema.IntentStateAccepted, schema.IntentStatePlanned,
		schema.IntentStateExecuting, schema.IntentStateCompleted, schema.IntentStateFailed,
		schema.IntentStateRejected:
	default:
		writeError(w, errs.New("gateway/list", errs.CodeInvalid,
			errs.WithMessage("unknown state "+string(state))))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, errs.New("gateway/list", errs.CodeInvalid,
				errs.WithMessage("limit must be in [1,1000]")))
			return
		}
		limit = n
	}
	views, err := s.coord.ListByState(r.Context(), state, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if views == nil {
		views = []schema.IntentReadModel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": views})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		observability.Log().Error("write response", observability.Err(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeUnavailable:
		status = http.StatusTooManyRequests
	case errs.CodeConflict:
		status = http.StatusConflict
	}
	body := map[string]string{"error": string(errs.CodeOf(err))}
	if reason := errs.ReasonOf(err); reason != "" {
		body["reason"] = string(reason)
	}
	writeJSON(w, status, body)
}
