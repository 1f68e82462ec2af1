// Package api serves the exporter's metrics and health endpoints under the
// JupyterHub service prefix.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/metrics"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/health"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/utils"
)

// TaskReporter reports per-task refresh history for the debug endpoint.
// *metrics.Stats implements it.
type TaskReporter interface {
	Tasks() map[string]metrics.TaskMetrics
}

// Server provides the HTTP surface of the exporter
type Server struct {
	httpServer    *http.Server
	handler       http.Handler
	gatherer      prometheus.Gatherer
	healthTracker *health.Tracker
	tasks         TaskReporter
	logger        *utils.StructuredLogger
	config        ServerConfig
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., ":9090")
	Address string `yaml:"address" json:"address"`

	// Prefix every route is mounted under; must start and end with "/"
	Prefix string `yaml:"prefix" json:"prefix"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9090",
		Prefix:       "/services/groups-exporter/",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server. tasks may be nil.
func NewServer(config ServerConfig, gatherer prometheus.Gatherer, healthTracker *health.Tracker,
	tasks TaskReporter, logger *utils.StructuredLogger) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if config.Prefix == "" {
		config.Prefix = "/"
	}
	if !strings.HasSuffix(config.Prefix, "/") {
		config.Prefix += "/"
	}

	s := &Server{
		gatherer:      gatherer,
		healthTracker: healthTracker,
		tasks:         tasks,
		logger:        logger.WithComponent("api"),
		config:        config,
	}

	metricsHandler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      promLogger{s.logger},
		ErrorHandling: promhttp.ContinueOnError,
	})

	p := config.Prefix
	mux := http.NewServeMux()

	// Exposition is served at the prefix root as well as the conventional path
	mux.Handle("GET "+p+"{$}", metricsHandler)
	mux.Handle("GET "+p+"metrics", metricsHandler)

	// Health endpoints
	mux.HandleFunc("GET "+p+"health", s.handleHealth)
	mux.HandleFunc("GET "+p+"health/live", s.handleLiveness)
	mux.HandleFunc("GET "+p+"health/ready", s.handleReadiness)

	mux.HandleFunc("GET "+p+"debug/tasks", s.handleTasks)

	s.handler = s.loggingMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("Starting API server", map[string]interface{}{
		"address": s.config.Address,
		"prefix":  s.config.Prefix,
	})
	return s.httpServer.ListenAndServe()
}

// Run serves until ctx is canceled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	report := s.healthTracker.Report()

	statusCode := http.StatusOK
	switch report.Status {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded:
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, report)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"ready":     true,
			"timestamp": time.Now(),
			"note":      "Health tracking not configured",
		})
		return
	}

	// Ready once membership has been published; upstream outages afterwards
	// leave the last good metrics exposed, so they do not affect readiness.
	ready := s.healthTracker.Ready()

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    s.healthTracker.GetOverallHealth().String(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Task tracking not configured")
		return
	}

	tasks := s.tasks.Tasks()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":     tasks,
		"count":     len(tasks),
		"timestamp": time.Now(),
	})
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Request served", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
	})
}

// promLogger routes promhttp gathering errors to the structured logger.
type promLogger struct {
	logger *utils.StructuredLogger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintln(v...)))
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
