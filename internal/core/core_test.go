package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"municipal-api/internal/dbpool"
	"municipal-api/internal/monitor"
	"municipal-api/internal/session"
)

func newTestManager() *Manager {
	pool := dbpool.New(dbpool.Config{DSN: "postgres://app@127.0.0.1:1/none", MinSize: 2, MaxSize: 6})
	return NewManager(pool, session.NewStore(time.Hour), monitor.Config{Interval: time.Hour})
}

func TestHealthSnapshot(t *testing.T) {
	m := newTestManager()
	_, err := m.Sessions.Create("42")
	require.NoError(t, err)
	_, err = m.Sessions.Create("43")
	require.NoError(t, err)

	snap := m.HealthSnapshot()
	assert.Equal(t, Snapshot{
		Initialized: false,
		State:       "uninitialized",
		Min:         2,
		Max:         6,
		Leased:      0,
		Sessions:    2,
	}, snap)
}

func TestManagerShutdownClosesPool(t *testing.T) {
	defer leaktest.Check(t)()

	m := newTestManager()
	m.Monitor.Start(context.Background())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, dbpool.StateClosed, m.Pool.State())

	_, err := m.Pool.Acquire(context.Background())
	assert.ErrorIs(t, err, dbpool.ErrPoolClosed)
	assert.Equal(t, "closed", m.HealthSnapshot().State)
}

func TestShutdownRunsHooksInReverseOrder(t *testing.T) {
	c := NewShutdownCoordinator(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	c.OnShutdown("pool", record("pool"))
	c.OnShutdown("monitor", record("monitor"))
	c.OnShutdown("http", record("http"))

	require.NoError(t, c.Shutdown())
	assert.Equal(t, []string{"http", "monitor", "pool"}, order)

	// Second call reuses the first result without rerunning hooks.
	require.NoError(t, c.Shutdown())
	assert.Len(t, order, 3)

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestShutdownKeepsGoingAfterHookError(t *testing.T) {
	c := NewShutdownCoordinator(time.Second)
	errHTTP := errors.New("listener stuck")

	var poolRan bool
	c.OnShutdown("pool", func(context.Context) error { poolRan = true; return nil })
	c.OnShutdown("http", func(context.Context) error { return errHTTP })

	err := c.Shutdown()
	assert.ErrorIs(t, err, errHTTP)
	assert.Contains(t, err.Error(), "http: listener stuck")
	assert.True(t, poolRan)
}

func TestShutdownHooksShareDeadline(t *testing.T) {
	c := NewShutdownCoordinator(20 * time.Millisecond)
	c.OnShutdown("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	err := c.Shutdown()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	c := NewShutdownCoordinator(time.Second)
	ran := make(chan struct{})
	c.OnShutdown("hook", func(context.Context) error { close(ran); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Wait(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
	<-ran
}

func TestRegisterShutdownStopsMonitorBeforePool(t *testing.T) {
	defer leaktest.Check(t)()

	m := newTestManager()
	m.Monitor.Start(context.Background())

	c := NewShutdownCoordinator(time.Second)
	m.RegisterShutdown(c)
	require.NoError(t, c.Shutdown())

	select {
	case <-m.Monitor.Done():
	default:
		t.Fatal("monitor still running")
	}
	assert.Equal(t, dbpool.StateClosed, m.Pool.State())
}
