package algorithm

// FixedWindowState is the per-key state for the fixed-window algorithm.
type FixedWindowState struct {
	WindowStartMs int64
	Count         int64
}

// FixedWindowResult is the per-step observable for fixed window.
type FixedWindowResult struct {
	Allowed      bool
	Remaining    int64
	RetryAfterMs int64
}

// FixedWindowApply rolls the window over when it has expired, then
// admits if the post-increment count stays within capacity. An
// out-of-bounds requested is rejected before the window is ever rolled
// over, matching token bucket's "reject, do not mutate" reading of spec
// §4.1's edge case.
//
// Open question (a): this implementation uses aligned windows —
// WindowStartMs snaps to a multiple of windowMs — rather than rolling
// windows anchored to the first request, so the window boundary is the
// same for every key regardless of arrival time.
func FixedWindowApply(state FixedWindowState, nowMs int64, requested, capacity, windowMs int64) (FixedWindowState, FixedWindowResult) {
	if requested < 0 || requested > capacity {
		retryAfterMs := state.WindowStartMs + windowMs - nowMs
		return state, FixedWindowResult{Allowed: false, Remaining: capacity - state.Count, RetryAfterMs: retryAfterMs}
	}

	if nowMs >= state.WindowStartMs+windowMs {
		state.WindowStartMs = nowMs - (nowMs % windowMs)
		state.Count = 0
	}

	retryAfterMs := state.WindowStartMs + windowMs - nowMs

	if state.Count+requested <= capacity {
		state.Count += requested
		return state, FixedWindowResult{Allowed: true, Remaining: capacity - state.Count}
	}

	return state, FixedWindowResult{Allowed: false, Remaining: capacity - state.Count, RetryAfterMs: retryAfterMs}
}
