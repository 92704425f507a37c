package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"municipal-api/internal/logging"
)

type shutdownHook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownCoordinator runs registered hooks once, in reverse order of
// registration, under a shared deadline.
type ShutdownCoordinator struct {
	timeout time.Duration

	mu    sync.Mutex
	hooks []shutdownHook

	once sync.Once
	err  error
	done chan struct{}
}

// NewShutdownCoordinator returns a coordinator whose hooks share timeout.
func NewShutdownCoordinator(timeout time.Duration) *ShutdownCoordinator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ShutdownCoordinator{
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// OnShutdown registers a hook. Register dependencies before their users:
// the last registered hook runs first.
func (c *ShutdownCoordinator) OnShutdown(name string, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, shutdownHook{name: name, fn: fn})
}

// Wait blocks until SIGINT, SIGTERM or ctx cancellation, then runs Shutdown.
func (c *ShutdownCoordinator) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
	case <-c.done:
		return c.err
	}
	logging.Info("shutdown_requested", map[string]any{"timeout": c.timeout.String()})
	return c.Shutdown()
}

// Shutdown runs every hook, even after one fails, and joins their errors.
// Later calls return the first result.
func (c *ShutdownCoordinator) Shutdown() error {
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		hooks := make([]shutdownHook, len(c.hooks))
		copy(hooks, c.hooks)
		c.mu.Unlock()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			start := time.Now()
			if err := h.fn(ctx); err != nil {
				logging.Error("shutdown_hook_failed", map[string]any{"hook": h.name}, err)
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
				continue
			}
			logging.Info("shutdown_hook_done", map[string]any{
				"hook":     h.name,
				"duration": time.Since(start).String(),
			})
		}
		c.err = errors.Join(errs...)
		close(c.done)
	})
	<-c.done
	return c.err
}

// Done is closed once Shutdown has finished.
func (c *ShutdownCoordinator) Done() <-chan struct{} {
	return c.done
}
