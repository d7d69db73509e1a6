package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"simpledb/pkg/config"
	"simpledb/pkg/dberrors"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
)

type iStoreAPI interface {
	GetString(key string) (string, bool, error)
	PutString(key, value string) error
	DeleteString(key string) error
	Commit() (uint64, error)
	Version() uint64
}

// Server exposes one store over HTTP.
type Server struct {
	store             iStoreAPI
	gatherer          prometheus.Gatherer
	httpServer        *http.Server
	readHeaderTimeout time.Duration
	URL               string
	addr              string
}

// NewServer creates a new server instance. Metrics are served from gatherer,
// or from the default registry when it is nil.
func NewServer(store iStoreAPI, cfg config.ServerConfig, gatherer prometheus.Gatherer) *Server {
	port := cfg.Port
	if port == 0 {
		port = defaultHTTPPort
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	timeout := cfg.ReadHeaderTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	p := strconv.Itoa(port)
	return &Server{
		store:             store,
		gatherer:          gatherer,
		readHeaderTimeout: timeout,
		URL:               "http://localhost:" + p,
		addr:              ":" + p,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)
	r.Post("/api/commit", s.handleCommit)
	r.Get("/api/version", s.handleVersion)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps store errors onto status codes. Lock contention is
// retryable, so it gets 409 rather than 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case dberrors.IsContention(err):
		status = http.StatusConflict
	case errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	// an empty value is allowed, an absent one is not
	_, hasValue := r.Form["value"]
	if key == "" || !hasValue {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	if err := s.store.PutString(key, r.FormValue("value")); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, found, err := s.store.GetString(key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.store.DeleteString(key); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.Commit()
	if err != nil {
		slog.Warn("commit request failed", "version", version, "error", err)
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewVersionResponse(version))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewVersionResponse(s.store.Version()))
}
