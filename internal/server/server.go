// Package server exposes the worker's health and queue status over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Aman-CERP/bivy/internal/dispatch"
	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/logging"
	"github.com/Aman-CERP/bivy/internal/store"
	"github.com/Aman-CERP/bivy/pkg/version"
)

const shutdownTimeout = 5 * time.Second

// Config contains configuration for the Server.
type Config struct {
	Addr    string
	Queue   dispatch.Queue
	Catalog *store.Catalog
	Logger  *slog.Logger
}

// Server serves status endpoints for a running worker.
type Server struct {
	addr    string
	queue   dispatch.Queue
	catalog *store.Catalog
	logger  *slog.Logger
	started time.Time
}

// New creates a server.
func New(cfg Config) *Server {
	return &Server{
		addr:    cfg.Addr,
		queue:   cfg.Queue,
		catalog: cfg.Catalog,
		logger:  logging.OrDiscard(cfg.Logger),
		started: time.Now(),
	}
}

// deadLetters is implemented by queues that keep dead jobs.
type deadLetters interface {
	DeadJobs(ctx context.Context, limit int) ([]dispatch.DeadJob, error)
	RetryDead(ctx context.Context) (int, error)
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/indexes", s.handleIndexes).Methods(http.MethodGet)
	r.HandleFunc("/indexes/{name}/search", s.handleSearch).Methods(http.MethodGet)

	q := r.PathPrefix("/queue").Subrouter()
	q.HandleFunc("/dead", s.handleDead).Methods(http.MethodGet)
	q.HandleFunc("/dead/retry", s.handleRetryDead).Methods(http.MethodPost)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	s.logger.Info("status_server_started", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("status_server_stopping")
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

type statusResponse struct {
	Queue string                  `json:"queue"`
	Depth dispatch.Depth          `json:"depth"`
	Jobs  dispatch.StatusSnapshot `json:"jobs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{
		Queue: s.queue.Name(),
		Depth: depth,
		Jobs:  s.queue.Status().Snapshot(),
	})
}

type indexStatus struct {
	Name      string `json:"name"`
	Breaker   string `json:"breaker,omitempty"`
	Failures  int    `json:"failures,omitempty"`
	Documents *int   `json:"documents,omitempty"`
}

func (s *Server) handleIndexes(w http.ResponseWriter, r *http.Request) {
	var out []indexStatus
	for _, name := range s.catalog.Names() {
		idx, err := s.catalog.Get(name)
		if err != nil {
			continue
		}
		st := indexStatus{Name: name}
		if g, ok := idx.(*store.Guard); ok {
			st.Breaker = g.Breaker().State().String()
			st.Failures = g.Breaker().Failures()
		}
		if c, ok := idx.(store.Counter); ok {
			if n, err := c.Count(r.Context()); err == nil {
				st.Documents = &n
			}
		}
		out = append(out, st)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	idx, err := s.catalog.Get(mux.Vars(r)["name"])
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	searcher, ok := idx.(store.Searcher)
	if !ok {
		respondError(w, http.StatusNotImplemented, errors.New("index does not support search"))
		return
	}

	limit := intParam(r, "limit", 10)
	hits, err := searcher.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, hits)
}

func (s *Server) handleDead(w http.ResponseWriter, r *http.Request) {
	dl, ok := s.queue.(deadLetters)
	if !ok {
		respondJSON(w, http.StatusOK, []dispatch.DeadJob{})
		return
	}
	jobs, err := dl.DeadJobs(r.Context(), intParam(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleRetryDead(w http.ResponseWriter, r *http.Request) {
	dl, ok := s.queue.(deadLetters)
	if !ok {
		respondError(w, http.StatusNotImplemented, errors.New("queue keeps no dead jobs"))
		return
	}
	n, err := dl.RetryDead(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.logger.Info("dead_jobs_requeued", slog.Int("count", n))
	respondJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func intParam(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}

func statusFor(err error) int {
	switch berrors.GetCategory(err) {
	case berrors.CategoryValidation:
		return http.StatusBadRequest
	case berrors.CategoryBackend:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, err error) {
	body := map[string]string{"error": err.Error()}
	if code := berrors.GetCode(err); code != "" {
		body["code"] = code
	}
	respondJSON(w, status, body)
}
