package schedule_test

import (
	"testing"
	"time"

	"github.com/fenwick-labs/ratelimitd/pkg/clock"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneTimeScheduleActiveWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(now)
	m := schedule.New(clk)

	require.NoError(t, m.CreateSchedule(schedule.Entry{
		Name:       "flash-sale",
		KeyPattern: "checkout:*",
		Kind:       schedule.OneTime,
		StartMs:    now.UnixMilli(),
		EndMs:      now.Add(time.Hour).UnixMilli(),
		Limits:     ratelimit.EffectiveConfig{Algorithm: ratelimit.TokenBucket, Capacity: 500, RefillRate: 50},
		Priority:   10,
		Enabled:    true,
	}))

	cfg, ok := m.Resolve("checkout:42", now)
	assert.True(t, ok)
	assert.Equal(t, int64(500), cfg.Capacity)

	m.Evaluate(now.Add(2 * time.Hour))
	_, ok = m.Resolve("checkout:42", now.Add(2*time.Hour))
	assert.False(t, ok)
}

func TestEmergencyScheduleOutranksExistingSchedule(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(now)
	m := schedule.New(clk)

	require.NoError(t, m.CreateSchedule(schedule.Entry{
		Name:       "baseline",
		KeyPattern: "checkout:*",
		Kind:       schedule.OneTime,
		StartMs:    now.UnixMilli(),
		EndMs:      now.Add(time.Hour).UnixMilli(),
		Limits:     ratelimit.EffectiveConfig{Algorithm: ratelimit.TokenBucket, Capacity: 500, RefillRate: 50},
		Priority:   10,
		Enabled:    true,
	}))

	require.NoError(t, m.CreateEmergencySchedule("checkout:*", 10*time.Minute,
		ratelimit.EffectiveConfig{Algorithm: ratelimit.TokenBucket, Capacity: 5, RefillRate: 1}, "incident"))

	cfg, ok := m.Resolve("checkout:42", now)
	assert.True(t, ok)
	assert.Equal(t, int64(5), cfg.Capacity)
}

func TestRampUpInterpolatesCapacityLinearly(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(now)
	m := schedule.New(clk)

	fallback := ratelimit.EffectiveConfig{Algorithm: ratelimit.TokenBucket, Capacity: 100, RefillRate: 10}
	require.NoError(t, m.CreateSchedule(schedule.Entry{
		Name:           "ramped",
		KeyPattern:     "checkout:*",
		Kind:           schedule.OneTime,
		StartMs:        now.UnixMilli(),
		EndMs:          now.Add(time.Hour).UnixMilli(),
		Limits:         ratelimit.EffectiveConfig{Algorithm: ratelimit.TokenBucket, Capacity: 1000, RefillRate: 100},
		FallbackLimits: &fallback,
		Priority:       10,
		Enabled:        true,
		RampUpMinutes:  10,
	}))

	cfg, ok := m.Resolve("checkout:42", now)
	assert.True(t, ok)
	assert.Equal(t, int64(100), cfg.Capacity)

	mid := now.Add(5 * time.Minute)
	cfg, ok = m.Resolve("checkout:42", mid)
	assert.True(t, ok)
	assert.InDelta(t, 550, cfg.Capacity, 1)

	after, ok := m.Resolve("checkout:42", now.Add(10*time.Minute))
	assert.True(t, ok)
	assert.Equal(t, int64(1000), after.Capacity)
}

func TestRecurringScheduleMatchesDeclaredMinute(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewMock(now)
	m := schedule.New(clk)

	require.NoError(t, m.CreateSchedule(schedule.Entry{
		Name:       "business-hours",
		KeyPattern: "api:*",
		Kind:       schedule.Recurring,
		Cron:       "0 0 9 * * *",
		TZ:         "UTC",
		Limits:     ratelimit.EffectiveConfig{Algorithm: ratelimit.TokenBucket, Capacity: 200, RefillRate: 20},
		Priority:   5,
		Enabled:    true,
	}))

	cfg, ok := m.Resolve("api:x", now)
	assert.True(t, ok)
	assert.Equal(t, int64(200), cfg.Capacity)

	m.Evaluate(now.Add(30 * time.Minute))
	_, ok = m.Resolve("api:x", now.Add(30*time.Minute))
	assert.False(t, ok)
}

func TestValidationRejectsBadEntries(t *testing.T) {
	m := schedule.New(clock.New())

	assert.Error(t, m.CreateSchedule(schedule.Entry{Name: "", KeyPattern: "x"}))
	assert.Error(t, m.CreateSchedule(schedule.Entry{Name: "n", KeyPattern: ""}))
	assert.Error(t, m.CreateSchedule(schedule.Entry{
		Name: "n", KeyPattern: "x", Kind: schedule.Recurring, Cron: "not a cron", TZ: "UTC",
		Limits: ratelimit.EffectiveConfig{Capacity: 1},
	}))
}

func TestActivateDeactivateSchedule(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(now)
	m := schedule.New(clk)

	require.NoError(t, m.CreateSchedule(schedule.Entry{
		Name:       "promo",
		KeyPattern: "checkout:*",
		Kind:       schedule.OneTime,
		StartMs:    now.UnixMilli(),
		EndMs:      now.Add(time.Hour).UnixMilli(),
		Limits:     ratelimit.EffectiveConfig{Algorithm: ratelimit.TokenBucket, Capacity: 500, RefillRate: 50},
		Priority:   10,
		Enabled:    true,
	}))

	require.NoError(t, m.DeactivateSchedule("promo"))
	_, ok := m.Resolve("checkout:1", now)
	assert.False(t, ok)

	require.NoError(t, m.ActivateSchedule("promo"))
	_, ok = m.Resolve("checkout:1", now)
	assert.True(t, ok)
}
