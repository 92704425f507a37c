package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"municipal-api/internal/logging"
)

// ValidationError is one rejected setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects every problem before failing, so an operator sees the
// whole list at once.
type Validator struct {
	errors []ValidationError
}

// NewValidator creates an empty Validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

// AddError records a validation error.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// HasErrors reports whether anything was recorded.
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns the recorded errors.
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// ErrorString formats every recorded error, one per line.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Err returns nil or a single error carrying ErrorString.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return fmt.Errorf("%s", v.ErrorString())
}

// ValidateRequired flags an empty value.
func (v *Validator) ValidateRequired(field, value string) {
	if value == "" {
		v.AddError(field, "required value not set")
	}
}

// ValidateAddr checks a host:port listen address. The host may be empty.
func (v *Validator) ValidateAddr(field, value string) {
	if value == "" {
		return
	}
	_, port, err := net.SplitHostPort(value)
	if err != nil {
		v.AddError(field, fmt.Sprintf("must be host:port (%v)", err))
		return
	}
	if port == "" {
		v.AddError(field, "port is missing")
	}
}

// ValidatePositive flags n <= 0.
func (v *Validator) ValidatePositive(field string, n int) {
	if n <= 0 {
		v.AddError(field, "must be a positive integer")
	}
}

// ValidateDuration flags a non-positive duration.
func (v *Validator) ValidateDuration(field string, d time.Duration) {
	if d <= 0 {
		v.AddError(field, "must be a positive duration")
	}
}

// ValidateEnum checks value against allowed options.
func (v *Validator) ValidateEnum(field, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(field, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// ValidatePostgresDSN accepts URL and keyword/value connection strings.
func (v *Validator) ValidatePostgresDSN(field, value string) {
	if value == "" {
		return
	}
	if strings.Contains(value, "://") &&
		!strings.HasPrefix(value, "postgres://") && !strings.HasPrefix(value, "postgresql://") {
		v.AddError(field, "must be a valid PostgreSQL connection string")
	}
}

// Validate checks every section of c.
func (c *Config) Validate() error {
	v := NewValidator()

	v.ValidateAddr("http.addr", c.HTTP.Addr)

	db := c.Database
	v.ValidateRequired("database.dsn", db.DSN)
	v.ValidatePostgresDSN("database.dsn", db.DSN)
	v.ValidatePositive("database.min_size", db.MinSize)
	v.ValidatePositive("database.max_size", db.MaxSize)
	if db.MinSize > db.MaxSize {
		v.AddError("database.min_size", fmt.Sprintf("must not exceed database.max_size (%d > %d)", db.MinSize, db.MaxSize))
	}
	v.ValidatePositive("database.init_retries", db.InitRetries)
	v.ValidatePositive("database.acquire_retries", db.AcquireRetries)
	v.ValidateDuration("database.connect_timeout", db.ConnectTimeout)
	v.ValidateDuration("database.probe_timeout", db.ProbeTimeout)
	v.ValidateDuration("database.drain_timeout", db.DrainTimeout)
	v.ValidateDuration("database.keepalive.idle", db.Keepalive.Idle)
	v.ValidateDuration("database.keepalive.interval", db.Keepalive.Interval)
	v.ValidatePositive("database.keepalive.count", db.Keepalive.Count)

	v.ValidateDuration("session.expiry", c.Session.Expiry)

	v.ValidateDuration("monitor.interval", c.Monitor.Interval)
	v.ValidateDuration("monitor.error_interval", c.Monitor.ErrorInterval)
	v.ValidateDuration("monitor.stop_timeout", c.Monitor.StopTimeout)

	if !logging.ValidLevel(c.Log.Level) {
		v.AddError("log.level", fmt.Sprintf("must be one of: debug, info, warn, error (got: %s)", c.Log.Level))
	}
	v.ValidateEnum("log.format", c.Log.Format, []string{"json", "text"})

	v.ValidatePositive("ratelimit.login_per_minute", c.RateLimit.LoginPerMinute)
	v.ValidateDuration("shutdown.timeout", c.Shutdown.Timeout)

	return v.Err()
}

// WarnOnRiskySettings logs settings that are legal but likely mistakes.
func (c *Config) WarnOnRiskySettings() {
	var warnings []string
	if c.Monitor.Interval >= c.Session.Expiry {
		warnings = append(warnings, "monitor.interval is not shorter than session.expiry; expired sessions linger until the next sweep")
	}
	if c.Log.Format == "text" {
		warnings = append(warnings, "log.format is text; consider json in production")
	}
	if c.Database.MaxConnIdleTime == 0 {
		warnings = append(warnings, "database.max_conn_idle_time is 0; idle connections are never recycled before the server drops them")
	}
	if len(warnings) > 0 {
		logging.Info("configuration warnings", map[string]any{
			"count":    len(warnings),
			"warnings": warnings,
		})
	}
}
