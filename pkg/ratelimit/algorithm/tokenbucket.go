// Package algorithm implements the pure state-transition arithmetic for
// the four rate-limit algorithms. Each Apply function is a single atomic
// step: given the previous state and a decision request, it returns the
// new state and whether the request is admitted. Callers (the local and
// remote backend adapters) are responsible for making the read-modify-
// write atomic per key; these functions never touch a clock, a lock, or
// a store themselves.
package algorithm

// TokenBucketState is the per-key state for the token bucket algorithm.
type TokenBucketState struct {
	Tokens       int64
	LastRefillMs int64
}

// NewTokenBucketState creates a full bucket, as the registry does on the
// first reference to a key.
func NewTokenBucketState(nowMs, capacity int64) TokenBucketState {
	return TokenBucketState{Tokens: capacity, LastRefillMs: nowMs}
}

// TokenBucketResult is the per-step observable for the token bucket.
type TokenBucketResult struct {
	Allowed      bool
	Remaining    int64
	RetryAfterMs int64
}

// TokenBucketApply refills then attempts to consume `requested` tokens.
// See spec §4.1: elapsed time since the last refill adds
// floor(elapsed*refillRate/1000) tokens, capped at capacity. requested=0
// is a query: refill is applied but admission is never granted.
func TokenBucketApply(state TokenBucketState, nowMs int64, requested, capacity, refillRate int64) (TokenBucketState, TokenBucketResult) {
	if requested < 0 || requested > capacity {
		return state, TokenBucketResult{Allowed: false, Remaining: state.Tokens}
	}

	elapsed := nowMs - state.LastRefillMs
	if elapsed < 0 {
		elapsed = 0
	}
	add := (elapsed * refillRate) / 1000
	state.Tokens += add
	if state.Tokens > capacity {
		state.Tokens = capacity
	}
	state.LastRefillMs = nowMs

	if requested == 0 {
		return state, TokenBucketResult{Allowed: false, Remaining: state.Tokens}
	}

	if state.Tokens >= requested {
		state.Tokens -= requested
		return state, TokenBucketResult{Allowed: true, Remaining: state.Tokens}
	}

	retryAfterMs := int64(0)
	if refillRate > 0 {
		deficit := requested - state.Tokens
		retryAfterMs = (deficit * 1000) / refillRate
		if (deficit*1000)%refillRate != 0 {
			retryAfterMs++
		}
	}
	return state, TokenBucketResult{Allowed: false, Remaining: state.Tokens, RetryAfterMs: retryAfterMs}
}
