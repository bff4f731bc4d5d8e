// Package metrics implements the metrics core of spec §4.6: per-key
// counters, process-wide totals, a store health probe, and processing-time
// observation, exposed both as an in-memory snapshot API and as
// Prometheus collectors via prometheus/client_golang.
package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fenwick-labs/ratelimitd/pkg/concurrency"
	"github.com/fenwick-labs/ratelimitd/pkg/datastructures/concurrentmap"
	"github.com/fenwick-labs/ratelimitd/pkg/logger"
)

// KeyMetrics holds the running counters for one key, per spec §4.6.
type KeyMetrics struct {
	Allowed      atomic.Int64
	Denied       atomic.Int64
	LastAccessMs atomic.Int64
}

// KeyMetricsSnapshot is a point-in-time copy of KeyMetrics safe to hand to
// callers without exposing the atomics themselves.
type KeyMetricsSnapshot struct {
	Allowed      int64
	Denied       int64
	LastAccessMs int64
}

// Snapshot is the result of GetMetrics, spec §4.6's read API.
type Snapshot struct {
	PerKey       map[string]KeyMetricsSnapshot
	TotalAllowed int64
	TotalDenied  int64
	StoreHealthy bool
}

// Config controls the slow-decision warning threshold and, optionally, a
// non-default Prometheus registerer (tests use a private one to avoid
// collisions with the process-global DefaultRegisterer).
type Config struct {
	SlowThreshold time.Duration `env:"METRICS_SLOW_THRESHOLD_MS" env-default:"10"`
	Registerer    prometheus.Registerer
}

// Core is the metrics core: concurrent per-key counters plus process
// totals and store health, mirrored into Prometheus collectors.
type Core struct {
	perKey *concurrentmap.ShardedMap[*KeyMetrics]

	totalAllowed atomic.Int64
	totalDenied  atomic.Int64
	storeHealthy atomic.Bool

	slowThreshold time.Duration

	allowedCounter   *prometheus.CounterVec
	deniedCounter    *prometheus.CounterVec
	totalAllowedCtr  prometheus.Counter
	totalDeniedCtr   prometheus.Counter
	bucketsCleaned   prometheus.Counter
	storeHealthGauge prometheus.Gauge
	decisionLatency  prometheus.Histogram
}

// New builds a Core and registers its collectors. A zero-value
// cfg.SlowThreshold falls back to the spec default of 10ms.
func New(cfg Config) *Core {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = 10 * time.Millisecond
	}

	c := &Core{
		perKey:        concurrentmap.New[*KeyMetrics](32),
		slowThreshold: slow,
		allowedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimitd_key_allowed_total",
			Help: "Number of allowed decisions, partitioned by rate-limit key.",
		}, []string{"key"}),
		deniedCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimitd_key_denied_total",
			Help: "Number of denied decisions, partitioned by rate-limit key.",
		}, []string{"key"}),
		totalAllowedCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimitd_decisions_allowed_total",
			Help: "Total allowed decisions across all keys.",
		}),
		totalDeniedCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimitd_decisions_denied_total",
			Help: "Total denied decisions across all keys.",
		}),
		bucketsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimitd_buckets_cleaned_total",
			Help: "Number of idle bucket entries reclaimed by the registry sweep.",
		}),
		storeHealthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimitd_store_healthy",
			Help: "1 if the backend store last answered its health probe successfully, 0 otherwise.",
		}),
		decisionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratelimitd_decision_duration_seconds",
			Help:    "Time taken to resolve and execute one rate-limit decision.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.allowedCounter, c.deniedCounter,
		c.totalAllowedCtr, c.totalDeniedCtr,
		c.bucketsCleaned, c.storeHealthGauge, c.decisionLatency,
	)

	c.storeHealthy.Store(true)
	c.storeHealthGauge.Set(1)

	return c
}

// RecordDecision updates per-key and process-wide counters for one
// decision and observes its processing time, warning if it exceeded the
// configured slow threshold.
func (c *Core) RecordDecision(key string, allowed bool, nowMs int64, took time.Duration) {
	km := c.perKey.GetOrCreate(key, func() *KeyMetrics { return &KeyMetrics{} })
	km.LastAccessMs.Store(nowMs)

	if allowed {
		km.Allowed.Add(1)
		c.totalAllowed.Add(1)
		c.allowedCounter.WithLabelValues(key).Inc()
		c.totalAllowedCtr.Inc()
	} else {
		km.Denied.Add(1)
		c.totalDenied.Add(1)
		c.deniedCounter.WithLabelValues(key).Inc()
		c.totalDeniedCtr.Inc()
	}

	c.decisionLatency.Observe(took.Seconds())
	if took > c.slowThreshold {
		logger.L().Warn("rate limit decision exceeded slow threshold", "key", key, "processingTimeMs", took.Milliseconds(), "thresholdMs", c.slowThreshold.Milliseconds())
	}
}

// RecordBucketsCleaned reports the outcome of one registry sweep.
func (c *Core) RecordBucketsCleaned(removed int) {
	if removed <= 0 {
		return
	}
	c.bucketsCleaned.Add(float64(removed))
}

// GetMetrics returns a snapshot of every counter tracked by the core.
func (c *Core) GetMetrics() Snapshot {
	snap := Snapshot{
		PerKey:       make(map[string]KeyMetricsSnapshot),
		TotalAllowed: c.totalAllowed.Load(),
		TotalDenied:  c.totalDenied.Load(),
		StoreHealthy: c.storeHealthy.Load(),
	}
	c.perKey.Range(func(key string, km *KeyMetrics) bool {
		snap.PerKey[key] = KeyMetricsSnapshot{
			Allowed:      km.Allowed.Load(),
			Denied:       km.Denied.Load(),
			LastAccessMs: km.LastAccessMs.Load(),
		}
		return true
	})
	return snap
}

// ClearMetrics resets every in-memory counter without touching the store
// health signal. The Prometheus collectors are left untouched: Prometheus
// counters are meant to be monotonic for the life of the process, so this
// reset is visible only through GetMetrics, not through /metrics scrapes.
func (c *Core) ClearMetrics() {
	c.perKey.DeleteIf(func(string, *KeyMetrics) bool { return true })
	c.totalAllowed.Store(0)
	c.totalDenied.Store(0)
}

// StartHealthProbe runs probe on a ticker at interval (default 30s per
// spec §4.6) until ctx is cancelled, updating the store health signal and
// logging on every transition.
func (c *Core) StartHealthProbe(ctx context.Context, probe func(context.Context) error, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	concurrency.SafeGo(ctx, func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := probe(ctx)
				healthy := err == nil
				prev := c.storeHealthy.Swap(healthy)
				if healthy {
					c.storeHealthGauge.Set(1)
				} else {
					c.storeHealthGauge.Set(0)
				}
				if healthy != prev {
					if healthy {
						logger.L().Info("rate limit store health probe recovered")
					} else {
						logger.L().Warn("rate limit store health probe failing", "error", err)
					}
				}
			}
		}
	})
}
