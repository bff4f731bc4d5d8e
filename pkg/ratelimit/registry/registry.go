// Package registry implements the bucket registry of spec §4.3: it wraps
// a Backend with lazy per-key instance tracking and a background sweep
// that reclaims keys idle past their resolved cleanup interval. The
// double-checked-locking shape of GetOrCreate on the underlying sharded
// map mirrors the KeyedLimiter pattern this codebase already uses
// elsewhere for per-key limiter lifecycles.
package registry

import (
	"context"
	"time"

	"github.com/fenwick-labs/ratelimitd/pkg/datastructures/concurrentmap"
	"github.com/fenwick-labs/ratelimitd/pkg/logger"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/backend"
)

// Deleter is implemented by backends that hold in-process per-key state
// and therefore need the registry's sweep to reclaim idle entries. The
// remote backend doesn't implement it: Redis keys expire on their own TTL.
type Deleter interface {
	Delete(key string)
}

type accessRecord struct {
	lastAccessMs      int64
	cleanupIntervalMs int64
}

// Registry fronts a Backend, tracking each key's last access time and
// resolved cleanup interval so a periodic sweep can evict idle entries.
type Registry struct {
	backend backend.Backend
	deleter Deleter

	access *concurrentmap.ShardedMap[accessRecord]

	onSweep func(removed int)
}

// New wraps b. deleter may be nil for backends that manage their own
// expiry (e.g. Redis TTL); onSweep, if non-nil, is called after every
// cleanup pass with the number of entries removed, for metrics wiring.
func New(b backend.Backend, deleter Deleter, onSweep func(removed int)) *Registry {
	return &Registry{
		backend: b,
		deleter: deleter,
		access:  concurrentmap.New[accessRecord](32),
		onSweep: onSweep,
	}
}

// Execute runs one decision through the wrapped backend and records the
// key's access for the idle-sweep to consider later.
func (r *Registry) Execute(ctx context.Context, key string, cfg ratelimit.EffectiveConfig, requested int64, nowMs int64) (ratelimit.Result, error) {
	result, err := r.backend.Execute(ctx, key, cfg, requested, nowMs)
	r.access.Set(key, accessRecord{lastAccessMs: nowMs, cleanupIntervalMs: cfg.CleanupIntervalMs})
	return result, err
}

// Sweep removes every tracked key whose last access is older than its own
// cleanup interval, deleting the backend's state for it if the backend
// supports that, and returns how many entries were removed.
func (r *Registry) Sweep(nowMs int64) int {
	var removed []string
	r.access.DeleteIf(func(key string, rec accessRecord) bool {
		interval := rec.cleanupIntervalMs
		if interval <= 0 {
			interval = 60_000
		}
		idle := nowMs-rec.lastAccessMs >= interval
		if idle {
			removed = append(removed, key)
		}
		return idle
	})

	if r.deleter != nil {
		for _, key := range removed {
			r.deleter.Delete(key)
		}
	}

	if r.onSweep != nil {
		r.onSweep(len(removed))
	}
	return len(removed)
}

// Run sweeps on a ticker at interval (default 60s per spec §4.3) until ctx
// is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration, nowFn func() int64) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := r.Sweep(nowFn())
			if removed > 0 {
				logger.L().Debug("bucket registry cleanup sweep removed idle entries", "removed", removed)
			}
		}
	}
}

// Len reports how many keys the registry is currently tracking access for.
func (r *Registry) Len() int {
	return r.access.Len()
}
