// Package dbpool leases Postgres connections from a pool that survives a
// server which drops idle connections without warning.
//
// Every lease is probed with a trivial round trip before it is handed out.
// A connectivity failure discards the whole pool generation rather than the
// single connection, since the provider tends to drop idle connections in
// bursts; the next attempt rebuilds from scratch.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"municipal-api/internal/logging"
)

// probeSQL is the liveness round trip.
const probeSQL = "SELECT 1"

// Keepalive holds TCP keepalive probe settings.
type Keepalive struct {
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// Config describes the pool. Zero fields take the defaults below.
type Config struct {
	DSN             string
	MinSize         int32
	MaxSize         int32
	InitRetries     int
	AcquireRetries  int
	ConnectTimeout  time.Duration
	ProbeTimeout    time.Duration
	MaxConnIdleTime time.Duration
	ApplicationName string
	Keepalive       Keepalive

	// DrainTimeout caps how long a rebuild waits for leases on the retired
	// generation to come back before dialling the replacement.
	DrainTimeout time.Duration

	// BackoffUnit scales the 2^n+1 retry delay. One second in production.
	BackoffUnit time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinSize <= 0 {
		c.MinSize = 2
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.InitRetries <= 0 {
		c.InitRetries = 5
	}
	if c.AcquireRetries <= 0 {
		c.AcquireRetries = 3
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Keepalive.Idle <= 0 {
		c.Keepalive.Idle = 30 * time.Second
	}
	if c.Keepalive.Interval <= 0 {
		c.Keepalive.Interval = 10 * time.Second
	}
	if c.Keepalive.Count <= 0 {
		c.Keepalive.Count = 5
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	return c
}

// initBudget bounds one shared Init sequence: every attempt's connect and
// probe, every drain wait and every backoff wait.
func (c Config) initBudget() time.Duration {
	perAttempt := c.ConnectTimeout + c.ProbeTimeout + c.DrainTimeout
	d := time.Duration(c.InitRetries) * perAttempt
	for n := 0; n < c.InitRetries-1; n++ {
		d += Delay(n, c.BackoffUnit)
	}
	return d
}

// State is the lifecycle state of a Pool.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Observer receives pool events, typically to feed metrics.
type Observer interface {
	InitFinished(attempts int, err error)
	AcquireFinished(attempts int, wait time.Duration, err error)
	ConnDiscarded()
	PoolTornDown()
}

type nopObserver struct{}

func (nopObserver) InitFinished(int, error)                  {}
func (nopObserver) AcquireFinished(int, time.Duration, error) {}
func (nopObserver) ConnDiscarded()                           {}
func (nopObserver) PoolTornDown()                            {}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver attaches an event observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observer = o
		}
	}
}

// generation is one incarnation of the lower-level pool. Leases remember the
// generation they came from so a rebuild can tell stale leases apart.
type generation struct {
	id      uint64
	drv     driverPool
	drained chan struct{}
}

// Pool hands out probed connections. Construct it with New; one Pool per
// process, shared by every request handler.
type Pool struct {
	cfg      Config
	dial     dialFunc
	newTimer func() backoff.Timer
	observer Observer

	mu       sync.Mutex
	state    State
	gen      *generation
	lastGen  uint64
	draining *generation

	inits  singleflight.Group
	sem    *semaphore.Weighted
	leased atomic.Int64

	closeCtx    context.Context
	closeCancel context.CancelFunc
}

// New returns an Uninitialized pool. Nothing is dialled until Init or the
// first Acquire.
func New(cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	closeCtx, closeCancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:         cfg,
		dial:        dialPgx,
		observer:    nopObserver{},
		sem:         semaphore.NewWeighted(int64(cfg.MaxSize)),
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Leased returns the number of outstanding leases.
func (p *Pool) Leased() int64 {
	return p.leased.Load()
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	State       State
	Initialized bool
	MinSize     int32
	MaxSize     int32
	Leased      int64
	Generation  uint64
}

// Stats reports the pool state without touching the database.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		State:       p.state,
		Initialized: p.state == StateReady,
		MinSize:     p.cfg.MinSize,
		MaxSize:     p.cfg.MaxSize,
	}
	if p.gen != nil {
		st.Generation = p.gen.id
	}
	p.mu.Unlock()
	st.Leased = p.leased.Load()
	return st
}

// Init discards any existing pool, builds a new one and probes it, retrying
// with backoff. Concurrent calls share a single attempt sequence.
//
// The shared sequence does not run on ctx: a caller that gives up stops
// waiting, but the attempt carries on for everyone else until it succeeds,
// spends its budget or the pool is shut down.
func (p *Pool) Init(ctx context.Context) error {
	return p.joinInit(ctx, false)
}

// ensureReady is Init for callers that only need some pool: it joins an
// attempt in flight and does nothing once the pool is Ready.
func (p *Pool) ensureReady(ctx context.Context) error {
	return p.joinInit(ctx, true)
}

func (p *Pool) joinInit(ctx context.Context, skipIfReady bool) error {
	ch := p.inits.DoChan("init", func() (any, error) {
		if skipIfReady && p.State() == StateReady {
			return nil, nil
		}
		runCtx, cancel := context.WithTimeout(p.closeCtx, p.cfg.initBudget())
		defer cancel()
		return nil, p.initWithRetry(runCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPoolInit, ctx.Err())
	}
}

func (p *Pool) initWithRetry(ctx context.Context) error {
	attempts := 0
	var last error

	op := func() error {
		attempts++
		err := p.rebuild(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPoolClosed) {
			return backoff.Permanent(err)
		}
		last = err
		logging.Warn("pool_init_attempt_failed", map[string]any{
			"attempt":      attempts,
			"max_attempts": p.cfg.InitRetries,
			"error":        err.Error(),
		})
		return err
	}
	notify := func(_ error, wait time.Duration) {
		logging.Info("pool_init_retrying", map[string]any{"wait": wait.String()})
	}

	err := p.retry(ctx, p.cfg.InitRetries, op, notify)
	p.observer.InitFinished(attempts, err)
	switch {
	case err == nil:
		logging.Info("pool_initialized", map[string]any{
			"attempts": attempts,
			"min_size": p.cfg.MinSize,
			"max_size": p.cfg.MaxSize,
		})
		return nil
	case errors.Is(err, ErrPoolClosed):
		return err
	case p.closeCtx.Err() != nil:
		return ErrPoolClosed
	case last != nil && !errors.Is(err, last):
		// Budget ran out mid-wait; keep the database error too.
		err = fmt.Errorf("%w (last attempt: %w)", err, last)
	}
	logging.Error("pool_init_exhausted", map[string]any{"attempts": attempts}, err)
	return fmt.Errorf("%w after %d attempt(s): %w", ErrPoolInit, attempts, err)
}

// rebuild performs one Init attempt.
func (p *Pool) rebuild(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.retireLocked(p.detachLocked())
	draining := p.draining
	p.mu.Unlock()
	p.awaitDrain(ctx, draining)

	drv, err := p.dial(ctx, p.cfg)
	if err != nil {
		return err
	}

	conn, err := p.acquireProbed(ctx, drv)
	if err != nil {
		go drv.Close()
		return err
	}
	conn.Release()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		go drv.Close()
		return ErrPoolClosed
	}
	p.lastGen++
	p.gen = &generation{id: p.lastGen, drv: drv, drained: make(chan struct{})}
	p.state = StateReady
	return nil
}

// detachLocked unhooks the current generation and marks the pool
// Uninitialized. The caller must hold p.mu and close what it returns.
func (p *Pool) detachLocked() *generation {
	old := p.gen
	p.gen = nil
	if p.state == StateReady {
		p.state = StateUninitialized
	}
	return old
}

// retireLocked starts draining g in the background; the driver's Close
// waits for outstanding leases, which are discarded as they come back.
// The caller must hold p.mu.
func (p *Pool) retireLocked(g *generation) {
	if g == nil {
		return
	}
	p.draining = g
	go func() {
		g.drv.Close()
		close(g.drained)
		logging.Debug("pool_generation_closed", map[string]any{"generation": g.id})
	}()
}

// awaitDrain blocks until g has closed, DrainTimeout passes or ctx ends.
// Past the timeout, leases still out on g briefly coexist with the next
// generation's connections.
func (p *Pool) awaitDrain(ctx context.Context, g *generation) {
	if g == nil {
		return
	}
	t := time.NewTimer(p.cfg.DrainTimeout)
	defer t.Stop()

	select {
	case <-g.drained:
	case <-t.C:
		logging.Warn("pool_drain_timeout", map[string]any{
			"generation": g.id,
			"leased":     p.Leased(),
			"timeout":    p.cfg.DrainTimeout.String(),
		})
	case <-ctx.Done():
	}
}

// teardown discards g if it is still current.
func (p *Pool) teardown(g *generation, cause error) {
	p.mu.Lock()
	if g == nil || p.gen != g {
		p.mu.Unlock()
		return
	}
	old := p.detachLocked()
	p.retireLocked(old)
	p.mu.Unlock()

	logging.Warn("pool_torn_down", map[string]any{
		"generation": old.id,
		"cause":      cause.Error(),
	})
	p.observer.PoolTornDown()
}

// current returns the live generation, running Init when there is none.
func (p *Pool) current(ctx context.Context) (*generation, error) {
	p.mu.Lock()
	state, g := p.state, p.gen
	p.mu.Unlock()

	switch state {
	case StateReady:
		return g, nil
	case StateClosed:
		return nil, ErrPoolClosed
	}

	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateReady:
		return p.gen, nil
	case StateClosed:
		return nil, ErrPoolClosed
	default:
		return nil, fmt.Errorf("%w: pool was torn down during init", ErrPoolInit)
	}
}

// acquireProbed takes one connection from drv and probes it. A connection
// that fails the probe is discarded.
func (p *Pool) acquireProbed(ctx context.Context, drv driverPool) (driverConn, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	conn, err := drv.Acquire(probeCtx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(probeCtx, probeSQL); err != nil {
		conn.Discard()
		p.observer.ConnDiscarded()
		return nil, fmt.Errorf("%w: %w", ErrConnInvalid, err)
	}
	return conn, nil
}

// Acquire returns a probed connection. It retries internally and only
// fails once the retry budget is spent, so callers should not retry.
// It blocks while MaxSize leases are outstanding.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.State() == StateClosed {
		return nil, ErrPoolClosed
	}

	// Shutdown aborts waits and backoff sleeps.
	callerCtx := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		if p.closeCtx.Err() != nil {
			return nil, ErrPoolClosed
		}
		return nil, fmt.Errorf("%w while waiting for a free lease: %w", ErrAcquireAbandoned, err)
	}

	var lease *Lease
	attempts := 0
	op := func() error {
		attempts++
		l, err := p.tryAcquire(ctx)
		if err == nil {
			lease = l
			return nil
		}
		if errors.Is(err, ErrPoolClosed) {
			return backoff.Permanent(err)
		}
		logging.Warn("acquire_attempt_failed", map[string]any{
			"attempt":      attempts,
			"max_attempts": p.cfg.AcquireRetries,
			"error":        err.Error(),
		})
		return err
	}
	notify := func(_ error, wait time.Duration) {
		logging.Info("acquire_retrying", map[string]any{"wait": wait.String()})
	}

	err := p.retry(ctx, p.cfg.AcquireRetries, op, notify)
	switch {
	case err == nil:
	case p.closeCtx.Err() != nil:
		err = ErrPoolClosed
	case callerCtx.Err() != nil:
		if !errors.Is(err, callerCtx.Err()) {
			err = fmt.Errorf("%w (last attempt: %w)", callerCtx.Err(), err)
		}
		err = fmt.Errorf("%w: %w", ErrAcquireAbandoned, err)
	}
	p.observer.AcquireFinished(attempts, time.Since(start), err)
	if err != nil {
		p.sem.Release(1)
		switch {
		case errors.Is(err, ErrPoolClosed):
		case errors.Is(err, ErrAcquireAbandoned):
			// Caller gave up first.
			logging.Info("acquire_abandoned", map[string]any{
				"attempts": attempts,
				"error":    err.Error(),
			})
		default:
			logging.Error("acquire_exhausted", map[string]any{"attempts": attempts}, err)
		}
		return nil, err
	}

	p.leased.Add(1)
	return lease, nil
}

// tryAcquire is one Acquire attempt.
func (p *Pool) tryAcquire(ctx context.Context) (*Lease, error) {
	g, err := p.current(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := p.acquireProbed(ctx, g.drv)
	if err != nil {
		// A caller's own deadline says nothing about the link.
		if IsConnectivityError(err) && ctx.Err() == nil {
			p.teardown(g, err)
		}
		return nil, err
	}

	return &Lease{
		Conn:       conn,
		raw:        conn,
		gen:        g,
		pool:       p,
		AcquiredAt: time.Now(),
	}, nil
}

// Release returns l to the pool. A lease whose generation has been torn
// down is closed instead. Nil and already released leases are ignored.
func (p *Pool) Release(l *Lease) {
	p.giveBack(l, false)
}

// Discard closes l's connection instead of returning it, for callers that
// saw the connection break mid-use.
func (p *Pool) Discard(l *Lease) {
	p.giveBack(l, true)
}

func (p *Pool) giveBack(l *Lease, discard bool) {
	if l == nil || l.pool != p || !l.released.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	live := p.state == StateReady && p.gen == l.gen
	p.mu.Unlock()

	if live && !discard {
		l.raw.Release()
	} else {
		l.raw.Discard()
		p.observer.ConnDiscarded()
	}
	p.leased.Add(-1)
	p.sem.Release(1)
}

// Check borrows one connection, probes it and returns it. It reports
// ErrNotReady when there is no pool. A saturated pool is taken as healthy
// since every connection is busy serving leases.
func (p *Pool) Check(ctx context.Context) error {
	p.mu.Lock()
	state, g := p.state, p.gen
	p.mu.Unlock()

	switch state {
	case StateClosed:
		return ErrPoolClosed
	case StateUninitialized:
		return ErrNotReady
	}

	if !p.sem.TryAcquire(1) {
		logging.Debug("pool_check_skipped", map[string]any{"reason": "saturated"})
		return nil
	}
	defer p.sem.Release(1)

	conn, err := p.acquireProbed(ctx, g.drv)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// Shutdown closes the pool for good. It waits for outstanding leases to come
// back until ctx expires. Later Acquire calls fail with ErrPoolClosed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosed
	old := p.gen
	p.gen = nil
	p.mu.Unlock()

	p.closeCancel()
	if old == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		old.drv.Close()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("pool_closed", map[string]any{"generation": old.id})
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dbpool: drain interrupted with %d lease(s) outstanding: %w", p.Leased(), ctx.Err())
	}
}

// Lease is a connection checked out by exactly one caller. Query through the
// embedded Conn, then hand it back with Release.
type Lease struct {
	Conn

	AcquiredAt time.Time

	raw      driverConn
	gen      *generation
	pool     *Pool
	released atomic.Bool
}

// Release returns the lease to its pool. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.pool.Release(l)
}

// Do runs fn on a leased connection and hands the lease back afterwards.
// When fn fails with a connectivity error the connection is discarded,
// unless the failure was ctx running out; the driver drops a connection
// left mid-query on its own.
func (p *Pool) Do(ctx context.Context, fn func(Conn) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(lease)
	if err != nil && IsConnectivityError(err) && ctx.Err() == nil {
		p.Discard(lease)
		return err
	}
	p.Release(lease)
	return err
}
