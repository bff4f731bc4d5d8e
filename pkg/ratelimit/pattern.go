package ratelimit

import "strings"

// MatchPattern reports whether key matches pattern under the glob
// semantics of spec §4.4: '*' is the only metacharacter, matching zero or
// more arbitrary characters, and matching is anchored (the entire key
// must match). The literal pattern "*" matches any non-empty key, per
// spec §8's boundary behavior.
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return key != ""
	}

	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return key == pattern
	}

	if !strings.HasPrefix(key, segments[0]) {
		return false
	}
	rest := key[len(segments[0]):]

	last := len(segments) - 1
	for i := 1; i < last; i++ {
		idx := strings.Index(rest, segments[i])
		if idx == -1 {
			return false
		}
		rest = rest[idx+len(segments[i]):]
	}

	return strings.HasSuffix(rest, segments[last])
}

// LiteralPrefixLen returns the length of pattern's literal prefix, the
// run of characters before its first '*'. Used to break ties between
// multiple matching patterns per open question (c): the longest literal
// prefix wins, and an exact tie falls back to lexicographic pattern order
// so the result never depends on registration order.
func LiteralPrefixLen(pattern string) int {
	if idx := strings.IndexByte(pattern, '*'); idx != -1 {
		return idx
	}
	return len(pattern)
}

// BestPattern picks the winning pattern among those that match key,
// applying the tie-break rule documented by LiteralPrefixLen. candidates
// with no match are ignored. Returns ok=false if none match.
func BestPattern(candidates []string, key string) (pattern string, ok bool) {
	bestLen := -1
	for _, p := range candidates {
		if !MatchPattern(p, key) {
			continue
		}
		l := LiteralPrefixLen(p)
		switch {
		case l > bestLen:
			bestLen = l
			pattern = p
			ok = true
		case l == bestLen && ok && p < pattern:
			pattern = p
		}
	}
	return pattern, ok
}
