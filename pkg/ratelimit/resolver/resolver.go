// Package resolver implements the configuration resolver of spec §4.4: a
// layered lookup from an exact-key override, through any active schedule,
// through the longest-matching wildcard pattern, down to the process
// default, backed by a cache that is invalidated whenever the static
// config or the active schedule set changes.
package resolver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenwick-labs/ratelimitd/pkg/datastructures/lru"
	"github.com/fenwick-labs/ratelimitd/pkg/logger"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
)

// cacheCapacity bounds the pattern-resolution cache so an unbounded stream
// of distinct keys (e.g. one per end user) can't grow it without limit;
// evicted entries simply get recomputed from the (cheap) pattern match.
const cacheCapacity = 16384

// ScheduleSource is the subset of the schedule manager the resolver needs.
// Implemented by *schedule.Manager; declared here so this package doesn't
// import schedule, which in turn doesn't need to import resolver.
type ScheduleSource interface {
	Resolve(key string, now time.Time) (ratelimit.EffectiveConfig, bool)
	Version() uint64
}

// StaticConfig is the operator-supplied configuration layer: a process
// default, per-key exact overrides, and wildcard pattern overrides.
type StaticConfig struct {
	Default   ratelimit.EffectiveConfig
	Overrides map[string]ratelimit.EffectiveConfig
	Patterns  map[string]ratelimit.EffectiveConfig
}

func (s StaticConfig) clone() StaticConfig {
	out := StaticConfig{Default: s.Default}
	if s.Overrides != nil {
		out.Overrides = make(map[string]ratelimit.EffectiveConfig, len(s.Overrides))
		for k, v := range s.Overrides {
			out.Overrides[k] = v
		}
	}
	if s.Patterns != nil {
		out.Patterns = make(map[string]ratelimit.EffectiveConfig, len(s.Patterns))
		for k, v := range s.Patterns {
			out.Patterns[k] = v
		}
	}
	return out
}

// Resolver answers "what config governs this key right now", per spec
// §4.4. Pattern (and default) resolutions are cached; exact overrides are
// read directly from the static map, and schedule-sourced
// configuration is resolved fresh on every call because a schedule's
// effective limits can vary with now during a ramp transition (§4.5).
type Resolver struct {
	mu     sync.RWMutex
	static StaticConfig

	schedules ScheduleSource

	staticVersion atomic.Uint64
	cache         atomic.Pointer[cacheState]
}

type cacheState struct {
	staticVersion   uint64
	scheduleVersion uint64
	entries         *lru.Cache[string, ratelimit.EffectiveConfig]
}

// New builds a Resolver over the given static layer. schedules may be nil,
// in which case schedule-based overrides are never consulted.
func New(static StaticConfig, schedules ScheduleSource) *Resolver {
	r := &Resolver{static: static.clone(), schedules: schedules}
	r.cache.Store(&cacheState{entries: lru.New[string, ratelimit.EffectiveConfig](cacheCapacity)})
	return r
}

// Reload replaces the static configuration layer and invalidates the
// cache. Safe to call concurrently with Resolve.
func (r *Resolver) Reload(static StaticConfig) {
	r.mu.Lock()
	r.static = static.clone()
	r.mu.Unlock()

	v := r.staticVersion.Add(1)
	logger.L().Info("rate limit static configuration reloaded", "version", v)
}

// scheduleVersion reads the schedule manager's current version, or 0 if
// this resolver has no schedule source wired in.
func (r *Resolver) scheduleVersion() uint64 {
	if r.schedules == nil {
		return 0
	}
	return r.schedules.Version()
}

// Resolve returns the EffectiveConfig that governs key at now, applying
// the layered lookup of spec §4.4: exact override, then active schedule,
// then longest-matching pattern, then the process default.
func (r *Resolver) Resolve(key string, now time.Time) ratelimit.EffectiveConfig {
	r.mu.RLock()
	static := r.static
	r.mu.RUnlock()

	if cfg, ok := static.Overrides[key]; ok {
		return cfg
	}

	if r.schedules != nil {
		if cfg, ok := r.schedules.Resolve(key, now); ok {
			return cfg
		}
	}

	cache := r.currentCache()
	if cfg, ok := cache.entries.Get(key); ok {
		return cfg
	}

	cfg := resolvePattern(static, key)
	cache.entries.Set(key, cfg)
	return cfg
}

// currentCache returns a cache generation consistent with the current
// static and schedule versions, swapping in a fresh one if either has
// moved on since the cache was built.
func (r *Resolver) currentCache() *cacheState {
	sv := r.staticVersion.Load()
	cv := r.scheduleVersion()

	cur := r.cache.Load()
	if cur.staticVersion == sv && cur.scheduleVersion == cv {
		return cur
	}

	fresh := &cacheState{
		staticVersion:   sv,
		scheduleVersion: cv,
		entries:         lru.New[string, ratelimit.EffectiveConfig](cacheCapacity),
	}
	r.cache.Store(fresh)
	return fresh
}

func resolvePattern(static StaticConfig, key string) ratelimit.EffectiveConfig {
	if len(static.Patterns) > 0 {
		candidates := make([]string, 0, len(static.Patterns))
		for p := range static.Patterns {
			candidates = append(candidates, p)
		}
		if best, ok := ratelimit.BestPattern(candidates, key); ok {
			return static.Patterns[best]
		}
	}
	return static.Default
}
