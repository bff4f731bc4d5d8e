package ratelimit_test

import (
	"testing"

	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
)

func TestMatchPatternStarMatchesAnyNonEmptyKey(t *testing.T) {
	assert.True(t, ratelimit.MatchPattern("*", "anything"))
	assert.False(t, ratelimit.MatchPattern("*", ""))
}

func TestMatchPatternPrefixWildcard(t *testing.T) {
	assert.True(t, ratelimit.MatchPattern("api:*", "api:users"))
	assert.False(t, ratelimit.MatchPattern("api:*", "web:users"))
}

func TestMatchPatternMiddleAndEdgeCases(t *testing.T) {
	assert.True(t, ratelimit.MatchPattern("a*b", "ab"))
	assert.True(t, ratelimit.MatchPattern("a*b", "axxb"))
	assert.False(t, ratelimit.MatchPattern("a*b", "a"))
	assert.False(t, ratelimit.MatchPattern("a*b", "b"))
}

func TestMatchPatternExactNoWildcard(t *testing.T) {
	assert.True(t, ratelimit.MatchPattern("tenant:42", "tenant:42"))
	assert.False(t, ratelimit.MatchPattern("tenant:42", "tenant:43"))
}

func TestLiteralPrefixLen(t *testing.T) {
	assert.Equal(t, 4, ratelimit.LiteralPrefixLen("api:*"))
	assert.Equal(t, 9, ratelimit.LiteralPrefixLen("tenant:42"))
	assert.Equal(t, 0, ratelimit.LiteralPrefixLen("*"))
}

func TestBestPatternPrefersLongestLiteralPrefix(t *testing.T) {
	candidates := []string{"*", "api:*", "api:users:*"}
	best, ok := ratelimit.BestPattern(candidates, "api:users:42")
	assert.True(t, ok)
	assert.Equal(t, "api:users:*", best)
}

func TestBestPatternBreaksTiesLexicographically(t *testing.T) {
	// Both "a*" and "a*z" match "az" with an equal one-character literal
	// prefix ("a"); the tie is broken lexicographically.
	candidates := []string{"a*z", "a*"}
	best, ok := ratelimit.BestPattern(candidates, "az")
	assert.True(t, ok)
	assert.Equal(t, "a*", best)
}

func TestBestPatternNoMatch(t *testing.T) {
	_, ok := ratelimit.BestPattern([]string{"api:*"}, "web:users")
	assert.False(t, ok)
}
