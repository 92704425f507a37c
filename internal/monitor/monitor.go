// Package monitor runs the background health loop that keeps the database
// pool warm and sweeps expired sessions.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"municipal-api/internal/dbpool"
	"municipal-api/internal/logging"
)

// ErrStopTimeout is returned by Stop when the loop did not exit in time.
var ErrStopTimeout = errors.New("monitor: loop did not stop in time")

// Pool is the part of *dbpool.Pool the monitor drives.
type Pool interface {
	State() dbpool.State
	Check(ctx context.Context) error
	Init(ctx context.Context) error
}

// Sweeper drops expired sessions and reports how many went.
type Sweeper interface {
	CleanupExpired() int
}

// Config controls the loop timing.
type Config struct {
	// Interval between healthy cycles.
	Interval time.Duration
	// ErrorInterval is the pause after a cycle that panicked.
	ErrorInterval time.Duration
	// StopTimeout bounds how long Stop waits for the loop.
	StopTimeout time.Duration
	// ProbeTimeout bounds the probe of a Ready pool.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ErrorInterval <= 0 {
		c.ErrorInterval = 180 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Result summarises one cycle.
type Result struct {
	PoolState     dbpool.State
	ProbeErr      error
	Rebuilt       bool
	InitErr       error
	SessionsSwept int
}

// Monitor is a supervised background loop. Start it once; Stop it once.
type Monitor struct {
	pool     Pool
	sessions Sweeper
	cfg      Config
	onCycle  func(Result, error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCycleHook is called after every cycle, with the panic turned into an
// error when the cycle crashed.
func WithCycleHook(fn func(Result, error)) Option {
	return func(m *Monitor) { m.onCycle = fn }
}

// New builds a Monitor. sessions may be nil.
func New(pool Pool, sessions Sweeper, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		pool:     pool,
		sessions: sessions,
		cfg:      cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the loop. The first cycle runs one interval after Start.
// Calling Start again is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)

	logging.Info("monitor_started", map[string]any{
		"interval":       m.cfg.Interval.String(),
		"error_interval": m.cfg.ErrorInterval.String(),
	})
}

// Stop cancels the loop and waits up to StopTimeout (or ctx, if sooner) for
// it to exit. It is safe to call on a monitor that was never started.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		logging.Info("monitor_stopped", nil)
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	logging.Warn("monitor_stop_timeout", map[string]any{"timeout": m.cfg.StopTimeout.String()})
	return ErrStopTimeout
}

// Done is closed when the loop has exited. Nil before Start.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(m.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := m.cfg.Interval
		if _, err := m.RunOnce(ctx); err != nil {
			logging.Error("monitor_cycle_crashed", map[string]any{
				"retry_in": m.cfg.ErrorInterval.String(),
			}, err)
			wait = m.cfg.ErrorInterval
		}
		timer.Reset(wait)
	}
}

// RunOnce performs a single cycle: probe or initialise the pool, then sweep
// sessions. Database trouble is logged and reflected in the Result; the
// returned error is only set when the cycle itself panicked.
func (m *Monitor) RunOnce(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor: internal error: %v", r)
		}
		if m.onCycle != nil {
			m.onCycle(res, err)
		}
	}()

	res.PoolState = m.pool.State()
	switch res.PoolState {
	case dbpool.StateReady:
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		res.ProbeErr = m.pool.Check(probeCtx)
		cancel()
		if res.ProbeErr != nil {
			logging.Warn("monitor_probe_failed", map[string]any{"error": res.ProbeErr.Error()})
			res.Rebuilt = true
			res.InitErr = m.pool.Init(ctx)
		}
	case dbpool.StateUninitialized:
		res.Rebuilt = true
		res.InitErr = m.pool.Init(ctx)
	}

	switch {
	case res.InitErr != nil && !errors.Is(res.InitErr, dbpool.ErrPoolClosed):
		logging.Error("monitor_reinit_failed", nil, res.InitErr)
	case res.Rebuilt && res.InitErr == nil:
		logging.Info("monitor_pool_rebuilt", nil)
	}

	if m.sessions != nil {
		res.SessionsSwept = m.sessions.CleanupExpired()
		if res.SessionsSwept > 0 {
			logging.Info("sessions_swept", map[string]any{"removed": res.SessionsSwept})
		}
	}
	return res, nil
}
