package server

import (
	"context"
	"net/http"
	"time"

	"municipal-api/internal/core"
)

// HealthStatus is the overall verdict.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus is the verdict for one dependency.
type ComponentStatus string

const (
	ComponentStatusUp   ComponentStatus = "up"
	ComponentStatusDown ComponentStatus = "down"
)

// HealthReporter is what the health endpoints read. core.Manager satisfies it.
type HealthReporter interface {
	HealthSnapshot() core.Snapshot
	Probe(ctx context.Context) error
}

// Health is the /health response.
type Health struct {
	Status         HealthStatus    `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
	Version        string          `json:"version,omitempty"`
	Database       ComponentHealth `json:"database"`
	ConnectionPool core.Snapshot   `json:"connection_pool"`
	ActiveSessions int             `json:"active_sessions"`
}

// ComponentHealth is the health of a single dependency.
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
}

// HandleHealth reports pool state, a live probe and the session count.
// It answers 503 when the pool is not initialised or the probe fails.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.checkHealth(r.Context())
	code := http.StatusOK
	if h.Status != HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// HandleReady is the orchestrator readiness probe.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	h := s.checkHealth(r.Context())
	if h.Status != HealthStatusHealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": h.Database.Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleLive only proves the process is serving.
func (s *Server) HandleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	snap := s.cfg.Health.HealthSnapshot()
	h := Health{
		Timestamp:      time.Now().UTC(),
		Version:        s.cfg.Version,
		ConnectionPool: snap,
		ActiveSessions: snap.Sessions,
	}

	if !snap.Initialized {
		h.Database = ComponentHealth{Status: ComponentStatusDown, Message: "connection pool not initialized"}
		h.Status = HealthStatusUnhealthy
		return h
	}

	start := time.Now()
	err := s.cfg.Health.Probe(ctx)
	latency := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		h.Database = ComponentHealth{Status: ComponentStatusDown, Message: err.Error(), LatencyMs: latency}
		h.Status = HealthStatusUnhealthy
		return h
	}
	h.Database = ComponentHealth{Status: ComponentStatusUp, LatencyMs: latency}
	h.Status = HealthStatusHealthy
	return h
}
