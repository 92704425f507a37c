package dbpool

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conn is the query surface a Lease exposes to callers.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// driverConn is a raw connection checked out of the lower-level pool.
type driverConn interface {
	Conn
	// Release hands the connection back to its pool.
	Release()
	// Discard closes the connection without returning it.
	Discard()
}

// driverPool is the lower-level pooling primitive a generation wraps.
type driverPool interface {
	Acquire(ctx context.Context) (driverConn, error)
	// Close blocks until every checked-out connection is back, then closes.
	Close()
}

type dialFunc func(ctx context.Context, cfg Config) (driverPool, error)

type pgxDriver struct {
	pool *pgxpool.Pool
}

type pgxConn struct {
	*pgxpool.Conn
}

func (c *pgxConn) Discard() {
	raw := c.Conn.Hijack()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = raw.Close(ctx)
}

func (d *pgxDriver) Acquire(ctx context.Context) (driverConn, error) {
	c, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{Conn: c}, nil
}

func (d *pgxDriver) Close() {
	d.pool.Close()
}

func dialPgx(ctx context.Context, cfg Config) (driverPool, error) {
	pcfg, err := PgxConfig(cfg)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	return &pgxDriver{pool: p}, nil
}

// PgxConfig translates cfg into a pgxpool configuration: sizes, idle
// recycling, connect timeout, application_name, and TCP keepalive probes
// so that half-open sockets are noticed by the kernel.
func PgxConfig(cfg Config) (*pgxpool.Config, error) {
	if cfg.DSN == "" {
		return nil, errors.New("dbpool: empty DSN")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}

	pcfg.MinConns = cfg.MinSize
	pcfg.MaxConns = cfg.MaxSize
	if cfg.MaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		pcfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	dialer := &net.Dialer{
		Timeout: cfg.ConnectTimeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     cfg.Keepalive.Idle,
			Interval: cfg.Keepalive.Interval,
			Count:    cfg.Keepalive.Count,
		},
	}
	pcfg.ConnConfig.DialFunc = dialer.DialContext

	return pcfg, nil
}
