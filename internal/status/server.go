// Package status serves a read-mostly HTTP view of the benchmark service.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"vssbench/internal/bench"
	"vssbench/internal/storage"
	logx "vssbench/pkg/logx"
)

// Runs is what the server needs from the scheduler.
type Runs interface {
	Trigger() (string, error)
	Running() string
	Last() (storage.Result, bool)
	Next() time.Time
}

// Live reports the nodes of the run in flight.
type Live interface {
	Live() []bench.NodeStatus
}

type Server struct {
	runs  Runs
	live  Live
	store storage.Store
	log   logx.Logger
	pprof bool
	start time.Time
}

type Option func(*Server)

func WithStore(s storage.Store) Option { return func(srv *Server) { srv.store = s } }

func WithPprof(on bool) Option { return func(srv *Server) { srv.pprof = on } }

func WithLogger(log logx.Logger) Option { return func(srv *Server) { srv.log = log } }

func New(runs Runs, live Live, opts ...Option) *Server {
	s := &Server{runs: runs, live: live, log: logx.Nop(), start: time.Now()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "status"))
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Get("/registry", s.registry)
	r.Get("/broadcast", s.broadcast)
	r.Get("/results", s.results)
	r.Get("/runs/last", s.lastRun)
	r.Post("/runs", s.trigger)
	if s.pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("status server listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.pprof))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	}
	if s.runs != nil {
		body["running"] = s.runs.Running()
		if next := s.runs.Next(); !next.IsZero() {
			body["next_run"] = next
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type registryView struct {
	Node     int `json:"node"`
	Registry any `json:"registry"`
}

func (s *Server) registry(w http.ResponseWriter, _ *http.Request) {
	out := []registryView{}
	for _, n := range s.liveNodes() {
		out = append(out, registryView{Node: n.Node, Registry: n.Registry})
	}
	writeJSON(w, http.StatusOK, out)
}

type broadcastView struct {
	Node      int `json:"node"`
	Broadcast any `json:"broadcast"`
	Traffic   any `json:"traffic"`
}

func (s *Server) broadcast(w http.ResponseWriter, _ *http.Request) {
	out := []broadcastView{}
	for _, n := range s.liveNodes() {
		out = append(out, broadcastView{Node: n.Node, Broadcast: n.Broadcast, Traffic: n.Traffic})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) liveNodes() []bench.NodeStatus {
	if s.live == nil {
		return nil
	}
	return s.live.Live()
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, storage.ErrDisabled)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(v, 1000)
	}
	res, err := s.store.ListResults(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if res == nil {
		res = []storage.Result{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, errors.New("no runs"))
		return
	}
	res, ok := s.runs.Last()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no completed run yet"))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) trigger(w http.ResponseWriter, _ *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("scheduler unavailable"))
		return
	}
	id, err := s.runs.Trigger()
	switch {
	case errors.Is(err, bench.ErrBusy):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
