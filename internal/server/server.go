package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"municipal-api/internal/logging"
	"municipal-api/internal/metrics"
	"municipal-api/internal/session"
)

const (
	defaultLoginPerMinute = 10
	lockoutMaxAttempts    = 5
	lockoutDuration       = 15 * time.Minute
	lockoutWindow         = 10 * time.Minute
	janitorInterval       = time.Minute
)

// Config carries the server's dependencies.
type Config struct {
	Addr    string // e.g. ":8080"
	Version string

	Sessions *session.Store
	Users    UserStore
	Health   HealthReporter
	Metrics  *metrics.Metrics // optional

	LoginPerMinute int
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP instead of the socket peer.
	TrustProxyHeaders bool
}

// Server is the HTTP front end.
type Server struct {
	cfg        Config
	httpServer *http.Server
	handler    http.Handler

	limiter *rateLimiter
	lockout *AccountLockout

	stopJanitor context.CancelFunc
	janitorCtx  context.Context
	janitorDone chan struct{}
	started     atomic.Bool
}

func New(cfg Config) *Server {
	if cfg.LoginPerMinute <= 0 {
		cfg.LoginPerMinute = defaultLoginPerMinute
	}

	s := &Server{
		cfg:         cfg,
		limiter:     newRateLimiter(cfg.LoginPerMinute, cfg.TrustProxyHeaders),
		lockout:     NewAccountLockout(lockoutMaxAttempts, lockoutDuration, lockoutWindow),
		janitorDone: make(chan struct{}),
	}
	s.janitorCtx, s.stopJanitor = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /ready", s.HandleReady)
	mux.HandleFunc("GET /live", s.HandleLive)
	mux.Handle("POST /auth/login", s.limiter.middleware(http.HandlerFunc(s.handleLogin)))
	mux.Handle("POST /auth/logout", s.requireAuth(http.HandlerFunc(s.handleLogout)))
	mux.Handle("GET /api/me", s.requireAuth(http.HandlerFunc(s.handleMe)))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	// requestID -> logging -> security headers -> gzip -> mux
	var handler http.Handler = mux
	handler = CompressionMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens and serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if s.started.CompareAndSwap(false, true) {
		go s.janitor()
	}
	logging.Info("http_listening", map[string]any{"addr": ln.Addr().String()})
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the janitor and drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopJanitor()
	if s.started.Load() {
		select {
		case <-s.janitorDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// janitor trims idle limiter and lockout entries.
func (s *Server) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorCtx.Done():
			return
		case <-ticker.C:
			visitors := s.limiter.sweep()
			accounts := s.lockout.Sweep()
			if visitors > 0 || accounts > 0 {
				logging.Debug("http_janitor_swept", map[string]any{
					"visitors": visitors,
					"accounts": accounts,
				})
			}
		}
	}
}
