package algorithm

// SlidingWindowState holds the retained request timestamps for a key,
// oldest first. Evicted entries are ones older than nowMs-windowMs.
type SlidingWindowState struct {
	Timestamps []int64
}

// SlidingWindowResult is the per-step observable for sliding window.
type SlidingWindowResult struct {
	Allowed      bool
	Remaining    int64
	RetryAfterMs int64
}

// SlidingWindowApply evicts stale timestamps, then admits requested
// entries if the retained count stays within capacity. See spec §4.1.
// An out-of-bounds requested is rejected without mutating state at all,
// matching token bucket's "reject, do not mutate" reading of the edge
// case (spec §4.1) rather than running eviction first.
func SlidingWindowApply(state SlidingWindowState, nowMs int64, requested, capacity, windowMs int64) (SlidingWindowState, SlidingWindowResult) {
	if requested < 0 || requested > capacity {
		return state, SlidingWindowResult{Allowed: false, Remaining: capacity - int64(len(state.Timestamps))}
	}

	cutoff := nowMs - windowMs
	kept := state.Timestamps[:0]
	for _, ts := range state.Timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	state.Timestamps = kept

	n := int64(len(state.Timestamps))
	if n+requested <= capacity {
		for i := int64(0); i < requested; i++ {
			state.Timestamps = append(state.Timestamps, nowMs)
		}
		return state, SlidingWindowResult{Allowed: true, Remaining: capacity - n - requested}
	}

	retryAfterMs := int64(0)
	if len(state.Timestamps) > 0 {
		retryAfterMs = state.Timestamps[0] + windowMs - nowMs
		if retryAfterMs < 0 {
			retryAfterMs = 0
		}
	}
	return state, SlidingWindowResult{Allowed: false, Remaining: capacity - n, RetryAfterMs: retryAfterMs}
}
