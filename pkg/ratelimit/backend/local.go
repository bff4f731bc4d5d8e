package backend

import (
	"context"
	"sync"

	"github.com/fenwick-labs/ratelimitd/pkg/datastructures/concurrentmap"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/algorithm"
)

// Local is an in-process Backend. Each key owns one entry holding the
// state for whichever algorithm its EffectiveConfig names; a per-entry
// mutex makes the read-modify-write step atomic without serializing
// unrelated keys behind a single global lock.
type Local struct {
	entries *concurrentmap.ShardedMap[*entry]
}

// NewLocal builds an empty in-process backend with the given shard count
// (0 uses the package default).
func NewLocal(shardCount int) *Local {
	return &Local{entries: concurrentmap.New[*entry](shardCount)}
}

type entry struct {
	mu sync.Mutex

	initialized bool
	algo        ratelimit.Algorithm

	tokenBucket   algorithm.TokenBucketState
	slidingWindow algorithm.SlidingWindowState
	fixedWindow   algorithm.FixedWindowState
	leakyBucket   algorithm.LeakyBucketState
}

// Execute implements Backend.
func (l *Local) Execute(_ context.Context, key string, cfg ratelimit.EffectiveConfig, requested int64, nowMs int64) (ratelimit.Result, error) {
	e := l.entries.GetOrCreate(key, func() *entry { return &entry{} })

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized || e.algo != cfg.Algorithm {
		e.reset(cfg, nowMs)
	}

	switch cfg.Algorithm {
	case ratelimit.TokenBucket:
		state, r := algorithm.TokenBucketApply(e.tokenBucket, nowMs, requested, cfg.Capacity, cfg.RefillRate)
		e.tokenBucket = state
		return ratelimit.Result{Allowed: r.Allowed, Remaining: r.Remaining, RetryAfterMs: r.RetryAfterMs}, nil

	case ratelimit.SlidingWindow:
		state, r := algorithm.SlidingWindowApply(e.slidingWindow, nowMs, requested, cfg.Capacity, cfg.WindowMs)
		e.slidingWindow = state
		return ratelimit.Result{Allowed: r.Allowed, Remaining: r.Remaining, RetryAfterMs: r.RetryAfterMs}, nil

	case ratelimit.FixedWindow:
		state, r := algorithm.FixedWindowApply(e.fixedWindow, nowMs, requested, cfg.Capacity, cfg.WindowMs)
		e.fixedWindow = state
		return ratelimit.Result{Allowed: r.Allowed, Remaining: r.Remaining, RetryAfterMs: r.RetryAfterMs}, nil

	case ratelimit.LeakyBucket:
		maxQueueTimeMs := cfg.WindowMs
		state, r := algorithm.LeakyBucketApply(e.leakyBucket, nowMs, requested, cfg.Capacity, cfg.RefillRate, maxQueueTimeMs)
		e.leakyBucket = state
		return ratelimit.Result{Allowed: r.Allowed, Remaining: r.Remaining, RetryAfterMs: r.RetryAfterMs, EstimatedWaitMs: r.EstimatedWaitMs}, nil
	}

	return ratelimit.Result{}, nil
}

// reset (re)initializes the entry's state for the given algorithm. Called
// the first time a key is seen, and whenever the resolved algorithm for a
// key changes under a schedule or config update, per spec §3's "created
// lazily on first reference" rule.
func (e *entry) reset(cfg ratelimit.EffectiveConfig, nowMs int64) {
	e.algo = cfg.Algorithm
	e.initialized = true

	switch cfg.Algorithm {
	case ratelimit.TokenBucket:
		e.tokenBucket = algorithm.NewTokenBucketState(nowMs, cfg.Capacity)
	case ratelimit.SlidingWindow:
		e.slidingWindow = algorithm.SlidingWindowState{}
	case ratelimit.FixedWindow:
		e.fixedWindow = algorithm.FixedWindowState{}
	case ratelimit.LeakyBucket:
		e.leakyBucket = algorithm.LeakyBucketState{}
	}
}

// Delete drops a key's state entirely, used by the registry's cleanup
// sweep once a key has been idle past its TTL.
func (l *Local) Delete(key string) {
	l.entries.Delete(key)
}

// Len reports how many distinct keys currently hold state.
func (l *Local) Len() int {
	return l.entries.Len()
}
