package dbpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
)

var (
	// ErrPoolInit is returned when no usable pool could be built. Callers
	// should treat it as "database temporarily unavailable".
	ErrPoolInit = errors.New("dbpool: could not establish a database connection")

	// ErrPoolClosed is returned after Shutdown. It matches ErrPoolInit.
	ErrPoolClosed = fmt.Errorf("%w: pool is shut down", ErrPoolInit)

	// ErrConnInvalid marks a leased connection that failed its liveness probe.
	ErrConnInvalid = errors.New("dbpool: connection failed liveness probe")

	// ErrAcquireAbandoned wraps the context error of a caller that stopped
	// waiting for a lease before one could be handed out.
	ErrAcquireAbandoned = errors.New("dbpool: acquire abandoned by caller")

	// ErrNotReady is returned by Check when there is no pool to probe.
	ErrNotReady = errors.New("dbpool: pool is not initialized")
)

// SQLSTATE codes outside class 08 that still mean the server dropped us.
var disconnectCodes = map[string]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
}

var disconnectErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.ETIMEDOUT,
}

// IsConnectivityError reports whether err means the link to the server is
// broken, as opposed to a failure of the statement itself. Server errors
// are judged by SQLSTATE only, never by message text.
func IsConnectivityError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || disconnectCodes[pgErr.Code]
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, puddle.ErrClosedPool) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	for _, errno := range disconnectErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
