// Package transport serves the harness status API.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/cellshot/internal/pipeline"
	"github.com/gateway-fm/cellshot/internal/progress"
	"github.com/gateway-fm/cellshot/internal/reconciler"
)

// Status is the /v1/status payload.
type Status struct {
	Instance  string             `json:"instance"`
	ID        string             `json:"id"`
	StartedAt time.Time          `json:"startedAt"`
	Endpoints []string           `json:"endpoints"`
	Ready     bool               `json:"ready"`
	Sender    pipeline.Status    `json:"sender"`
	Report    *reconciler.Report `json:"report,omitempty"`
	Workers   []progress.Event   `json:"workers"`
}

// StatusProvider assembles the current status.
type StatusProvider interface {
	Status(ctx context.Context) (Status, error)
}

// ReadinessProbe is one named readiness check. Check returns nil when ready.
type ReadinessProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// ReadinessCheck is a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServerConfig for creating a Server.
type ServerConfig struct {
	Status   StatusProvider
	Probes   []ReadinessProbe
	Hub      *progress.Hub
	Gatherer prometheus.Gatherer // default prometheus.DefaultGatherer
	Logger   *slog.Logger
}

// Server handles HTTP requests for the harness.
type Server struct {
	status    StatusProvider
	probes    []ReadinessProbe
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer
}

// NewServer creates a Server. Call Close to stop the progress stream.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		status:    cfg.Status,
		probes:    cfg.Probes,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
	}
	if cfg.Hub != nil {
		s.wsServer = NewWebSocketServer(cfg.Hub, logger)
		s.wsServer.Start()
	}
	return s
}

// Close stops the progress stream and disconnects its clients.
func (s *Server) Close() {
	if s.wsServer != nil {
		s.wsServer.Stop()
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	if s.wsServer != nil {
		mux.HandleFunc("GET /v1/ws", s.wsServer.Handler())
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.Status(r.Context())
	if err != nil {
		s.logger.Error("status failed", slog.String("error", err.Error()))
		s.writeJSONError(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make([]ReadinessCheck, 0, len(s.probes))
	allHealthy := true

	for _, p := range s.probes {
		start := time.Now()
		err := p.Check(r.Context())
		check := ReadinessCheck{
			Name:      p.Name,
			Status:    "ok",
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	code := http.StatusOK
	if !allHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	})
}

func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
