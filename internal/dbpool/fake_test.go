package dbpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
)

// fakeDB scripts dial and probe outcomes for the pool under test. Queued
// errors are consumed in order; an empty queue means success.
type fakeDB struct {
	mu        sync.Mutex
	dialErrs  []error
	probeErrs []error
	drivers   []*fakeDriver
	probes    int

	// dialGate, when set, holds every dial until it is closed.
	dialGate chan struct{}
	// probeDelay stalls each probe; the probe gives up with its context.
	probeDelay time.Duration
	// blockingClose makes driver Close wait for leases to come back, as
	// pgxpool does.
	blockingClose bool
}

func (db *fakeDB) dial(ctx context.Context, _ Config) (driverPool, error) {
	if db.dialGate != nil {
		select {
		case <-db.dialGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.dialErrs) > 0 {
		err := db.dialErrs[0]
		db.dialErrs = db.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	d := &fakeDriver{db: db, id: len(db.drivers) + 1}
	db.drivers = append(db.drivers, d)
	return d, nil
}

func (db *fakeDB) setProbeDelay(d time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.probeDelay = d
}

func (db *fakeDB) nextProbe(ctx context.Context) error {
	db.mu.Lock()
	delay := db.probeDelay
	db.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.probes++
	if len(db.probeErrs) == 0 {
		return nil
	}
	err := db.probeErrs[0]
	db.probeErrs = db.probeErrs[1:]
	return err
}

func (db *fakeDB) dials() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.drivers)
}

func (db *fakeDB) probeCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.probes
}

func (db *fakeDB) driver(i int) *fakeDriver {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.drivers[i]
}

type fakeDriver struct {
	db     *fakeDB
	id     int
	closed atomic.Bool
	out    atomic.Int64
	maxOut atomic.Int64
}

func (d *fakeDriver) Acquire(ctx context.Context) (driverConn, error) {
	if d.closed.Load() {
		return nil, puddle.ErrClosedPool
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := d.out.Add(1)
	for {
		m := d.maxOut.Load()
		if n <= m || d.maxOut.CompareAndSwap(m, n) {
			break
		}
	}
	return &fakeConn{drv: d}, nil
}

func (d *fakeDriver) Close() {
	d.closed.Store(true)
	if !d.db.blockingClose {
		return
	}
	for d.out.Load() > 0 {
		time.Sleep(time.Millisecond)
	}
}

type fakeConn struct {
	drv       *fakeDriver
	released  atomic.Int32
	discarded atomic.Int32
}

func (c *fakeConn) Exec(ctx context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	if err := c.drv.db.nextProbe(ctx); err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fake: query not supported")
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (c *fakeConn) Release() {
	c.released.Add(1)
	c.drv.out.Add(-1)
}

func (c *fakeConn) Discard() {
	c.discarded.Add(1)
	c.drv.out.Add(-1)
}

// delayLog records every backoff wait. Its timers fire immediately.
type delayLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (l *delayLog) newTimer() backoff.Timer {
	return &instantTimer{log: l, c: make(chan time.Time, 1)}
}

func (l *delayLog) get() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.delays...)
}

type instantTimer struct {
	log *delayLog
	c   chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.log.mu.Lock()
	t.log.delays = append(t.log.delays, d)
	t.log.mu.Unlock()
	select {
	case t.c <- time.Now():
	default:
	}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func newTestPool(db *fakeDB, cfg Config) (*Pool, *delayLog) {
	log := &delayLog{}
	cfg.DSN = "postgres://app@localhost/test"
	cfg.BackoffUnit = time.Millisecond
	p := New(cfg)
	p.dial = db.dial
	p.newTimer = log.newTimer
	return p, log
}

// serverError is a statement-level failure that says nothing about the link.
func serverError() error {
	return &pgconn.PgError{Code: "XX000", Message: "internal error"}
}
