package resolver_test

import (
	"testing"
	"time"

	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/resolver"
	"github.com/stretchr/testify/assert"
)

func defaultCfg(capacity int64) ratelimit.EffectiveConfig {
	return ratelimit.EffectiveConfig{Algorithm: ratelimit.TokenBucket, Capacity: capacity, RefillRate: 1}
}

func TestResolverExactOverrideWinsOverPattern(t *testing.T) {
	r := resolver.New(resolver.StaticConfig{
		Default:   defaultCfg(10),
		Overrides: map[string]ratelimit.EffectiveConfig{"tenant:vip": defaultCfg(1000)},
		Patterns:  map[string]ratelimit.EffectiveConfig{"tenant:*": defaultCfg(50)},
	}, nil)

	cfg := r.Resolve("tenant:vip", time.Now())
	assert.Equal(t, int64(1000), cfg.Capacity)
}

func TestResolverLongestPatternWins(t *testing.T) {
	r := resolver.New(resolver.StaticConfig{
		Default: defaultCfg(10),
		Patterns: map[string]ratelimit.EffectiveConfig{
			"api:*":       defaultCfg(20),
			"api:users:*": defaultCfg(30),
		},
	}, nil)

	cfg := r.Resolve("api:users:42", time.Now())
	assert.Equal(t, int64(30), cfg.Capacity)
}

func TestResolverFallsBackToDefault(t *testing.T) {
	r := resolver.New(resolver.StaticConfig{Default: defaultCfg(10)}, nil)
	cfg := r.Resolve("whatever", time.Now())
	assert.Equal(t, int64(10), cfg.Capacity)
}

func TestResolverReloadInvalidatesCache(t *testing.T) {
	r := resolver.New(resolver.StaticConfig{Default: defaultCfg(10)}, nil)
	assert.Equal(t, int64(10), r.Resolve("k", time.Now()).Capacity)

	r.Reload(resolver.StaticConfig{Default: defaultCfg(99)})
	assert.Equal(t, int64(99), r.Resolve("k", time.Now()).Capacity)
}

type fakeSchedules struct {
	version uint64
	cfg     ratelimit.EffectiveConfig
	match   bool
}

func (f *fakeSchedules) Resolve(key string, now time.Time) (ratelimit.EffectiveConfig, bool) {
	return f.cfg, f.match
}

func (f *fakeSchedules) Version() uint64 { return f.version }

func TestResolverScheduleOverridesPattern(t *testing.T) {
	sched := &fakeSchedules{version: 1, cfg: defaultCfg(500), match: true}
	r := resolver.New(resolver.StaticConfig{
		Default:  defaultCfg(10),
		Patterns: map[string]ratelimit.EffectiveConfig{"api:*": defaultCfg(20)},
	}, sched)

	cfg := r.Resolve("api:users", time.Now())
	assert.Equal(t, int64(500), cfg.Capacity)
}

func TestResolverScheduleVersionBumpInvalidatesPatternCache(t *testing.T) {
	sched := &fakeSchedules{version: 1, match: false}
	r := resolver.New(resolver.StaticConfig{
		Default:  defaultCfg(10),
		Patterns: map[string]ratelimit.EffectiveConfig{"api:*": defaultCfg(20)},
	}, sched)

	assert.Equal(t, int64(20), r.Resolve("api:users", time.Now()).Capacity)

	sched.version = 2
	assert.Equal(t, int64(20), r.Resolve("api:users", time.Now()).Capacity)
}
