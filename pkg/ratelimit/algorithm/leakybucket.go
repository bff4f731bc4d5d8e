package algorithm

// LeakyBucketState is the per-key state for the leaky-bucket algorithm: a
// queue of enqueued request timestamps plus the last time the queue was
// drained.
type LeakyBucketState struct {
	Queue      []int64
	LastLeakMs int64
}

// LeakyBucketResult is the per-step observable for leaky bucket.
type LeakyBucketResult struct {
	Allowed         bool
	Remaining       int64
	RetryAfterMs    int64
	EstimatedWaitMs int64
}

// LeakyBucketApply first drops entries older than maxQueueTimeMs, then
// leaks at refillRate items/second, then admits `requested` entries if
// the queue stays within capacity. See spec §4.1.
//
// Open question (b): on admission, EstimatedWaitMs is always a
// non-negative estimate of how long the newly-enqueued request will sit
// before draining (never -1); on rejection RetryAfterMs estimates the
// time until a slot frees.
//
// An out-of-bounds requested is rejected before the queue is pruned or
// leaked, matching token bucket's "reject, do not mutate" reading of
// spec §4.1's edge case.
func LeakyBucketApply(state LeakyBucketState, nowMs int64, requested, capacity, refillRate, maxQueueTimeMs int64) (LeakyBucketState, LeakyBucketResult) {
	if requested < 0 || requested > capacity {
		return state, LeakyBucketResult{Allowed: false, Remaining: capacity - int64(len(state.Queue))}
	}

	if maxQueueTimeMs > 0 {
		cutoff := nowMs - maxQueueTimeMs
		kept := state.Queue[:0]
		for _, ts := range state.Queue {
			if ts > cutoff {
				kept = append(kept, ts)
			}
		}
		state.Queue = kept
	}

	if len(state.Queue) == 0 {
		state.LastLeakMs = nowMs
	}
	elapsed := nowMs - state.LastLeakMs
	if elapsed < 0 {
		elapsed = 0
	}
	if refillRate > 0 {
		processed := (elapsed * refillRate) / 1000
		toLeak := processed
		if toLeak > int64(len(state.Queue)) {
			toLeak = int64(len(state.Queue))
		}
		state.Queue = state.Queue[toLeak:]
	}
	state.LastLeakMs = nowMs

	n := int64(len(state.Queue))
	if n+requested <= capacity {
		estimatedWaitMs := int64(0)
		if refillRate > 0 {
			estimatedWaitMs = (n * 1000) / refillRate
		}
		for i := int64(0); i < requested; i++ {
			state.Queue = append(state.Queue, nowMs)
		}
		return state, LeakyBucketResult{Allowed: true, Remaining: capacity - n - requested, EstimatedWaitMs: estimatedWaitMs}
	}

	retryAfterMs := int64(0)
	if refillRate > 0 {
		retryAfterMs = ((n - capacity + requested) * 1000) / refillRate
		if retryAfterMs < 0 {
			retryAfterMs = 0
		}
	}
	return state, LeakyBucketResult{Allowed: false, Remaining: 0, RetryAfterMs: retryAfterMs}
}
