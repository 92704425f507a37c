// Package core wires the connection pool, the session store and the health
// monitor into one object that lives for the whole process.
//
// main builds a single Manager and hands it to the HTTP layer; nothing in
// the process reaches for package-level state.
package core

import (
	"context"
	"errors"

	"municipal-api/internal/dbpool"
	"municipal-api/internal/logging"
	"municipal-api/internal/monitor"
	"municipal-api/internal/session"
)

// Snapshot is the read-only status served by the health endpoint.
type Snapshot struct {
	Initialized bool   `json:"initialized"`
	State       string `json:"state"`
	Min         int    `json:"min"`
	Max         int    `json:"max"`
	Leased      int    `json:"current_leased"`
	Sessions    int    `json:"session_count"`
}

// Manager owns the pool, the sessions and the monitor.
type Manager struct {
	Pool     *dbpool.Pool
	Sessions *session.Store
	Monitor  *monitor.Monitor
}

// NewManager builds a Manager and a monitor over pool and sessions.
func NewManager(pool *dbpool.Pool, sessions *session.Store, cfg monitor.Config, opts ...monitor.Option) *Manager {
	return &Manager{
		Pool:     pool,
		Sessions: sessions,
		Monitor:  monitor.New(pool, sessions, cfg, opts...),
	}
}

// Start initialises the pool and launches the monitor. A database that is
// down at startup is logged, not fatal: the monitor keeps retrying.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Pool.Init(ctx); err != nil {
		logging.Error("startup_pool_init_failed", map[string]any{
			"hint": "serving without database until the monitor recovers it",
		}, err)
	}
	m.Monitor.Start(context.WithoutCancel(ctx))
}

// Shutdown stops the monitor, then drains the pool.
func (m *Manager) Shutdown(ctx context.Context) error {
	return errors.Join(m.Monitor.Stop(ctx), m.Pool.Shutdown(ctx))
}

// RegisterShutdown adds the pool and monitor to c so that the monitor stops
// before the pool drains.
func (m *Manager) RegisterShutdown(c *ShutdownCoordinator) {
	c.OnShutdown("pool", m.Pool.Shutdown)
	c.OnShutdown("monitor", m.Monitor.Stop)
}

// Probe checks one pooled connection with a liveness round trip.
func (m *Manager) Probe(ctx context.Context) error {
	return m.Pool.Check(ctx)
}

// HealthSnapshot reports pool and session state without touching the
// database.
func (m *Manager) HealthSnapshot() Snapshot {
	st := m.Pool.Stats()
	return Snapshot{
		Initialized: st.Initialized,
		State:       st.State.String(),
		Min:         int(st.MinSize),
		Max:         int(st.MaxSize),
		Leased:      int(st.Leased),
		Sessions:    m.Sessions.Count(),
	}
}
