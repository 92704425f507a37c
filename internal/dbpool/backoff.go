package dbpool

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxShift caps the exponent so the delay cannot overflow.
const maxShift = 20

// Delay returns the wait before retry number attempt (0-based): 2^attempt + 1
// units.
func Delay(attempt int, unit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	return time.Duration(1<<attempt+1) * unit
}

// plusOneBackOff yields Delay(0), Delay(1), ... and never stops on its own;
// the attempt budget is applied with backoff.WithMaxRetries.
type plusOneBackOff struct {
	unit    time.Duration
	attempt int
}

func (b *plusOneBackOff) NextBackOff() time.Duration {
	d := Delay(b.attempt, b.unit)
	b.attempt++
	return d
}

func (b *plusOneBackOff) Reset() {
	b.attempt = 0
}

// retry runs op up to attempts times. Waits honour ctx.
func (p *Pool) retry(ctx context.Context, attempts int, op backoff.Operation, notify backoff.Notify) error {
	// WithMaxRetries treats zero as unlimited.
	var b backoff.BackOff = &backoff.StopBackOff{}
	if attempts > 1 {
		b = backoff.WithMaxRetries(&plusOneBackOff{unit: p.cfg.BackoffUnit}, uint64(attempts-1))
	}

	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}
	return backoff.RetryNotifyWithTimer(op, backoff.WithContext(b, ctx), notify, timer)
}
