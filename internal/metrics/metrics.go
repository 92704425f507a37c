// Package metrics exposes pool, session, monitor and HTTP counters in the
// Prometheus format.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"municipal-api/internal/core"
	"municipal-api/internal/dbpool"
	"municipal-api/internal/monitor"
)

const namespace = "muni"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	loginsTotal     *prometheus.CounterVec

	poolInitsTotal  *prometheus.CounterVec
	acquireTotal    *prometheus.CounterVec
	acquireAttempts prometheus.Histogram
	acquireWait     prometheus.Histogram
	connDiscarded   prometheus.Counter
	poolTeardowns   prometheus.Counter
	monitorCycles   *prometheus.CounterVec
	sessionsSwept   prometheus.Counter
}

// New registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		loginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		poolInitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "inits_total",
			Help:      "Pool initialisations by result.",
		}, []string{"result"}),
		acquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Lease requests by result.",
		}, []string{"result"}),
		acquireAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_attempts",
			Help:      "Attempts needed per lease request.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		acquireWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time from lease request to lease or failure.",
			Buckets:   []float64{.001, .005, .025, .1, .5, 2, 5, 15, 30},
		}),
		connDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_discarded_total",
			Help:      "Connections closed instead of returned to the pool.",
		}),
		poolTeardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "teardowns_total",
			Help:      "Pool generations discarded after a connectivity error.",
		}),
		monitorCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Health monitor cycles by outcome.",
		}, []string{"outcome"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "swept_total",
			Help:      "Expired sessions removed by the monitor sweep.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.loginsTotal,
		m.poolInitsTotal,
		m.acquireTotal,
		m.acquireAttempts,
		m.acquireWait,
		m.connDiscarded,
		m.poolTeardowns,
		m.monitorCycles,
		m.sessionsSwept,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchHealth exports the manager's snapshot as gauges read on every scrape.
func (m *Metrics) WatchHealth(snapshot func() core.Snapshot) {
	gauge := func(name, help string, value func(core.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(snapshot()) })
	}
	m.registry.MustRegister(
		gauge("pool_ready", "1 when the pool is initialised.", func(s core.Snapshot) float64 {
			if s.Initialized {
				return 1
			}
			return 0
		}),
		gauge("pool_leased_connections", "Outstanding leases.", func(s core.Snapshot) float64 { return float64(s.Leased) }),
		gauge("pool_max_connections", "Configured pool ceiling.", func(s core.Snapshot) float64 { return float64(s.Max) }),
		gauge("sessions_active", "Sessions currently held in memory.", func(s core.Snapshot) float64 { return float64(s.Sessions) }),
	)
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, dbpool.ErrAcquireAbandoned):
		return "cancelled"
	}
	return "error"
}

// InitFinished implements dbpool.Observer.
func (m *Metrics) InitFinished(_ int, err error) {
	m.poolInitsTotal.WithLabelValues(result(err)).Inc()
}

// AcquireFinished implements dbpool.Observer.
func (m *Metrics) AcquireFinished(attempts int, wait time.Duration, err error) {
	m.acquireTotal.WithLabelValues(result(err)).Inc()
	m.acquireAttempts.Observe(float64(attempts))
	m.acquireWait.Observe(wait.Seconds())
}

// ConnDiscarded implements dbpool.Observer.
func (m *Metrics) ConnDiscarded() {
	m.connDiscarded.Inc()
}

// PoolTornDown implements dbpool.Observer.
func (m *Metrics) PoolTornDown() {
	m.poolTeardowns.Inc()
}

// MonitorCycle records one health monitor cycle; pass it to
// monitor.WithCycleHook.
func (m *Metrics) MonitorCycle(res monitor.Result, err error) {
	outcome := "healthy"
	switch {
	case err != nil:
		outcome = "crashed"
	case res.InitErr != nil:
		outcome = "init_failed"
	case res.Rebuilt:
		outcome = "rebuilt"
	}
	m.monitorCycles.WithLabelValues(outcome).Inc()
	m.sessionsSwept.Add(float64(res.SessionsSwept))
}

// Request records one served HTTP request.
func (m *Metrics) Request(method string, code int, d time.Duration) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Login records a login attempt; outcome is "success", "invalid" or "limited".
func (m *Metrics) Login(outcome string) {
	m.loginsTotal.WithLabelValues(outcome).Inc()
}
