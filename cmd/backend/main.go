package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"municipal-api/internal/config"
	"municipal-api/internal/core"
	"municipal-api/internal/db"
	"municipal-api/internal/dbpool"
	"municipal-api/internal/logging"
	"municipal-api/internal/metrics"
	"municipal-api/internal/monitor"
	"municipal-api/internal/server"
	"municipal-api/internal/session"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logging.Error("backend_failed", nil, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "backend",
		Usage:   "Municipal API server",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"MUNI_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			userCommand(),
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Logging())
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "migrate",
				Usage:   "apply pending migrations before serving",
				EnvVars: []string{"MUNI_MIGRATE_ON_START"},
			},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.WarnOnRiskySettings()

	if c.Bool("migrate") {
		if err := db.Migrate(c.Context, cfg.Database.DSN); err != nil {
			return err
		}
	}

	m := metrics.New()
	pool := dbpool.New(cfg.Pool(), dbpool.WithObserver(m))
	sessions := session.NewStore(cfg.Session.Expiry)
	mgr := core.NewManager(pool, sessions, cfg.HealthMonitor(), monitor.WithCycleHook(m.MonitorCycle))
	m.WatchHealth(mgr.HealthSnapshot)

	logging.Info("starting", map[string]any{
		"addr":    cfg.HTTP.Addr,
		"version": version,
		"commit":  commit,
	})
	mgr.Start(c.Context)

	srv := server.New(server.Config{
		Addr:           cfg.HTTP.Addr,
		Version:        version,
		Sessions:       sessions,
		Users:          server.NewPoolUserStore(pool),
		Health:         mgr,
		Metrics:        m,
		LoginPerMinute: cfg.RateLimit.LoginPerMinute,

		TrustProxyHeaders: cfg.HTTP.TrustProxyHeaders,
	})

	// Hooks run last-registered first: HTTP, then monitor, then pool.
	coord := core.NewShutdownCoordinator(cfg.Shutdown.Timeout)
	mgr.RegisterShutdown(coord)
	coord.OnShutdown("http", srv.Shutdown)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			logging.Error("http_server_failed", nil, err)
			serveErr <- err
			_ = coord.Shutdown()
		}
	}()

	shutdownErr := coord.Wait(c.Context)
	select {
	case err := <-serveErr:
		return errors.Join(err, shutdownErr)
	default:
	}
	if shutdownErr == nil {
		logging.Info("shutdown_complete", nil)
	}
	return shutdownErr
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "list",
				Usage: "print the embedded migrations and exit",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("list") {
				names, err := db.Migrations()
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(c.App.Writer, n)
				}
				return nil
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(c.Context, 2*time.Minute)
			defer cancel()
			return db.Migrate(ctx, cfg.Database.DSN)
		},
	}
}

func userCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage accounts",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "access-level", Value: "user", Usage: "user, staff or admin"},
					&cli.StringFlag{
						Name:     "password",
						Usage:    "initial password",
						EnvVars:  []string{"MUNI_USER_PASSWORD"},
						Required: true,
					},
				},
				Action: addUser,
			},
		},
	}
}

func addUser(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	pool := dbpool.New(cfg.Pool())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()

	u, err := server.NewPoolUserStore(pool).CreateUser(ctx, server.NewUser{
		Email:       c.String("email"),
		Name:        c.String("name"),
		AccessLevel: c.String("access-level"),
		Password:    c.String("password"),
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	logging.Info("user_created", map[string]any{
		"user_id":      u.ID,
		"email":        u.Email,
		"access_level": u.AccessLevel,
	})
	return nil
}
