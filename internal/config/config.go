// Package config loads the service configuration.
//
// Sources, later ones winning: built-in defaults, an optional YAML file, and
// MUNI_ environment variables. Nested keys use a double underscore, so
// MUNI_DATABASE__MAX_SIZE sets database.max_size.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"municipal-api/internal/dbpool"
	"municipal-api/internal/logging"
	"municipal-api/internal/monitor"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MUNI_"

// Config is the root configuration.
type Config struct {
	HTTP      HTTPConfig      `koanf:"http"`
	Database  DatabaseConfig  `koanf:"database"`
	Session   SessionConfig   `koanf:"session"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Log       LogConfig       `koanf:"log"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Shutdown  ShutdownConfig  `koanf:"shutdown"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
	// TrustProxyHeaders honours X-Forwarded-For and X-Real-IP. Enable it
	// only behind a reverse proxy that sets them.
	TrustProxyHeaders bool `koanf:"trust_proxy_headers"`
}

type KeepaliveConfig struct {
	Idle     time.Duration `koanf:"idle"`
	Interval time.Duration `koanf:"interval"`
	Count    int           `koanf:"count"`
}

type DatabaseConfig struct {
	DSN             string          `koanf:"dsn"`
	MinSize         int             `koanf:"min_size"`
	MaxSize         int             `koanf:"max_size"`
	InitRetries     int             `koanf:"init_retries"`
	AcquireRetries  int             `koanf:"acquire_retries"`
	ConnectTimeout  time.Duration   `koanf:"connect_timeout"`
	ProbeTimeout    time.Duration   `koanf:"probe_timeout"`
	MaxConnIdleTime time.Duration   `koanf:"max_conn_idle_time"`
	DrainTimeout    time.Duration   `koanf:"drain_timeout"`
	ApplicationName string          `koanf:"application_name"`
	Keepalive       KeepaliveConfig `koanf:"keepalive"`
}

type SessionConfig struct {
	Expiry time.Duration `koanf:"expiry"`
}

type MonitorConfig struct {
	Interval      time.Duration `koanf:"interval"`
	ErrorInterval time.Duration `koanf:"error_interval"`
	StopTimeout   time.Duration `koanf:"stop_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type RateLimitConfig struct {
	LoginPerMinute int `koanf:"login_per_minute"`
}

type ShutdownConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

func defaults() map[string]any {
	return map[string]any{
		"http": map[string]any{
			"addr":                ":8080",
			"trust_proxy_headers": false,
		},
		"database": map[string]any{
			"min_size":           2,
			"max_size":           10,
			"init_retries":       5,
			"acquire_retries":    3,
			"connect_timeout":    "10s",
			"probe_timeout":      "5s",
			"max_conn_idle_time": "4m",
			"drain_timeout":      "5s",
			"application_name":   "municipal_api",
			"keepalive": map[string]any{
				"idle":     "30s",
				"interval": "10s",
				"count":    5,
			},
		},
		"session": map[string]any{"expiry": "1h"},
		"monitor": map[string]any{
			"interval":       "30s",
			"error_interval": "180s",
			"stop_timeout":   "5s",
		},
		"log":       map[string]any{"level": "info", "format": "json"},
		"ratelimit": map[string]any{"login_per_minute": 10},
		"shutdown":  map[string]any{"timeout": "15s"},
	}
}

// Load reads defaults, then path (if not empty), then the environment, and
// validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	transform := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// DATABASE_URL is what most Postgres hosts inject.
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Pool converts the database section for dbpool.
func (c *Config) Pool() dbpool.Config {
	d := c.Database
	return dbpool.Config{
		DSN:             d.DSN,
		MinSize:         int32(d.MinSize),
		MaxSize:         int32(d.MaxSize),
		InitRetries:     d.InitRetries,
		AcquireRetries:  d.AcquireRetries,
		ConnectTimeout:  d.ConnectTimeout,
		ProbeTimeout:    d.ProbeTimeout,
		MaxConnIdleTime: d.MaxConnIdleTime,
		DrainTimeout:    d.DrainTimeout,
		ApplicationName: d.ApplicationName,
		Keepalive: dbpool.Keepalive{
			Idle:     d.Keepalive.Idle,
			Interval: d.Keepalive.Interval,
			Count:    d.Keepalive.Count,
		},
	}
}

// HealthMonitor converts the monitor section.
func (c *Config) HealthMonitor() monitor.Config {
	return monitor.Config{
		Interval:      c.Monitor.Interval,
		ErrorInterval: c.Monitor.ErrorInterval,
		StopTimeout:   c.Monitor.StopTimeout,
		ProbeTimeout:  c.Database.ProbeTimeout,
	}
}

// Logging converts the log section.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}

// mapProvider feeds a plain map to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}
