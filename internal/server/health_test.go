package server

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHealthy(t *testing.T) {
	env := newTestEnv(t)
	env.health.snap.Leased = 3
	env.health.snap.Sessions = 4

	rec := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	h := decode[Health](t, rec)
	assert.Equal(t, HealthStatusHealthy, h.Status)
	assert.Equal(t, ComponentStatusUp, h.Database.Status)
	assert.Equal(t, "test", h.Version)
	assert.True(t, h.ConnectionPool.Initialized)
	assert.Equal(t, 2, h.ConnectionPool.Min)
	assert.Equal(t, 10, h.ConnectionPool.Max)
	assert.Equal(t, 3, h.ConnectionPool.Leased)
	assert.Equal(t, 4, h.ActiveSessions)
	assert.Equal(t, 1, env.health.probes)
}

func TestHealthUninitializedSkipsProbe(t *testing.T) {
	env := newTestEnv(t)
	env.health.snap.Initialized = false
	env.health.snap.State = "uninitialized"

	rec := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h := decode[Health](t, rec)
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	assert.Equal(t, ComponentStatusDown, h.Database.Status)
	assert.Contains(t, h.Database.Message, "not initialized")
	assert.Zero(t, env.health.probes)
}

func TestHealthProbeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.health.probeErr = errors.New("connection reset by peer")

	rec := env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	h := decode[Health](t, rec)
	assert.Equal(t, "connection reset by peer", h.Database.Message)
}

func TestReadyAndLive(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/ready", "", nil).Code)

	env.health.probeErr = errors.New("down")
	rec := env.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/live", "", nil).Code)
}
