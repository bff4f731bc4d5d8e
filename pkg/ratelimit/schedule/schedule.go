// Package schedule implements the schedule manager of spec §4.5:
// cron-backed, time-windowed overrides that take priority over static
// configuration while they are active, with linear ramp interpolation at
// the edges of a transition and an immutable, pointer-swapped active set
// so readers never observe a partially-published update.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/fenwick-labs/ratelimitd/pkg/errors"
	"github.com/fenwick-labs/ratelimitd/pkg/logger"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
)

// Kind distinguishes how a schedule's active window is determined.
type Kind int

const (
	// Recurring schedules are active whenever their cron expression
	// matches the current minute in their declared timezone.
	Recurring Kind = iota
	// OneTime schedules are active for a single [StartMs, EndMs) span.
	OneTime
	// EventDriven schedules behave like OneTime but are created
	// reactively (e.g. an emergency override) rather than planned ahead.
	EventDriven
)

// Entry is one schedule definition, per spec §4.5.
type Entry struct {
	Name            string
	KeyPattern      string
	Kind            Kind
	Cron            string
	TZ              string
	StartMs         int64
	EndMs           int64
	Limits          ratelimit.EffectiveConfig
	FallbackLimits  *ratelimit.EffectiveConfig
	Priority        int
	Enabled         bool
	RampUpMinutes   int
	RampDownMinutes int
}

// Manager owns the set of schedule entries and periodically evaluates
// which are currently active, publishing the result as an immutable
// ActiveSet via pointer swap so Resolve never blocks on the evaluation
// loop and readers never see a half-updated set.
type Manager struct {
	clk interface{ Now() time.Time }

	cronParser cron.Parser

	mu      sync.Mutex
	records map[string]*record

	current atomic.Pointer[activeSet]
	version atomic.Uint64
}

type record struct {
	entry  Entry
	parsed *locatedSchedule // nil unless Kind == Recurring
}

type state struct {
	entry  Entry
	active bool
	since  time.Time
}

type activeSet struct {
	version uint64
	states  []state
}

// New builds a Manager with no schedules. clk supplies "now" for both
// evaluation and ramp interpolation, letting tests drive it deterministically.
func New(clk interface{ Now() time.Time }) *Manager {
	m := &Manager{
		clk:        clk,
		cronParser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		records:    make(map[string]*record),
	}
	m.current.Store(&activeSet{})
	return m
}

// Version returns the current ActiveSet's version counter, bumped on every
// evaluation (including no-op ones) so callers can detect staleness cheaply.
func (m *Manager) Version() uint64 {
	return m.current.Load().version
}

// Resolve returns the effective config a currently-active (or
// ramping-down) schedule assigns to key, choosing the highest-priority
// match and breaking ties by name. ok is false if no schedule applies.
func (m *Manager) Resolve(key string, now time.Time) (ratelimit.EffectiveConfig, bool) {
	snap := m.current.Load()
	for _, st := range snap.states {
		if !ratelimit.MatchPattern(st.entry.KeyPattern, key) {
			continue
		}
		if cfg, ok := st.effectiveConfig(now); ok {
			return cfg, true
		}
	}
	return ratelimit.EffectiveConfig{}, false
}

func (s state) effectiveConfig(now time.Time) (ratelimit.EffectiveConfig, bool) {
	if s.active {
		if s.entry.RampUpMinutes > 0 && s.entry.FallbackLimits != nil {
			window := time.Duration(s.entry.RampUpMinutes) * time.Minute
			if elapsed := now.Sub(s.since); elapsed < window {
				return interpolate(*s.entry.FallbackLimits, s.entry.Limits, elapsed, window), true
			}
		}
		return s.entry.Limits, true
	}

	if s.entry.RampDownMinutes > 0 && s.entry.FallbackLimits != nil {
		window := time.Duration(s.entry.RampDownMinutes) * time.Minute
		if elapsed := now.Sub(s.since); elapsed < window {
			return interpolate(s.entry.Limits, *s.entry.FallbackLimits, elapsed, window), true
		}
	}
	return ratelimit.EffectiveConfig{}, false
}

func interpolate(from, to ratelimit.EffectiveConfig, elapsed, window time.Duration) ratelimit.EffectiveConfig {
	frac := float64(elapsed) / float64(window)
	cfg := to
	cfg.Capacity = lerp(from.Capacity, to.Capacity, frac)
	cfg.RefillRate = lerp(from.RefillRate, to.RefillRate, frac)
	return cfg
}

func lerp(a, b int64, frac float64) int64 {
	return a + int64(float64(b-a)*frac)
}

// CreateSchedule validates and adds a new entry, then republishes the
// active set so the change takes effect immediately rather than waiting
// for the next periodic evaluation.
func (m *Manager) CreateSchedule(e Entry) error {
	rec, err := m.buildRecord(e)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.records[e.Name]; exists {
		m.mu.Unlock()
		return apperrors.Conflict(fmt.Sprintf("schedule %q already exists", e.Name), nil)
	}
	m.records[e.Name] = rec
	m.mu.Unlock()

	m.Evaluate(m.clk.Now())
	return nil
}

// UpdateSchedule validates and replaces an existing entry by name.
func (m *Manager) UpdateSchedule(e Entry) error {
	rec, err := m.buildRecord(e)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.records[e.Name]; !exists {
		m.mu.Unlock()
		return apperrors.NotFound(fmt.Sprintf("schedule %q not found", e.Name), nil)
	}
	m.records[e.Name] = rec
	m.mu.Unlock()

	m.Evaluate(m.clk.Now())
	return nil
}

// DeleteSchedule removes an entry by name. Deleting an unknown name is a
// no-op, matching the idempotent delete convention used elsewhere in this
// codebase's resource CRUD.
func (m *Manager) DeleteSchedule(name string) error {
	m.mu.Lock()
	delete(m.records, name)
	m.mu.Unlock()

	m.Evaluate(m.clk.Now())
	return nil
}

// ActivateSchedule and DeactivateSchedule flip Enabled without touching
// any other field, per the CRUD surface of spec §4.5/§6.
func (m *Manager) ActivateSchedule(name string) error {
	return m.setEnabled(name, true)
}

func (m *Manager) DeactivateSchedule(name string) error {
	return m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) error {
	m.mu.Lock()
	rec, ok := m.records[name]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound(fmt.Sprintf("schedule %q not found", name), nil)
	}
	rec.entry.Enabled = enabled
	m.mu.Unlock()

	m.Evaluate(m.clk.Now())
	return nil
}

// ListSchedules returns a snapshot of every known entry.
func (m *Manager) ListSchedules() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CreateEmergencySchedule installs a short-lived, maximum-priority
// override, the operational escape hatch named in spec §6: drop a key
// pattern's capacity immediately, without waiting for a planned schedule.
func (m *Manager) CreateEmergencySchedule(pattern string, duration time.Duration, limits ratelimit.EffectiveConfig, reason string) error {
	now := m.clk.Now()
	e := Entry{
		Name:       fmt.Sprintf("emergency-%d", now.UnixNano()),
		KeyPattern: pattern,
		Kind:       EventDriven,
		TZ:         "UTC",
		StartMs:    now.UnixMilli(),
		EndMs:      now.Add(duration).UnixMilli(),
		Limits:     limits,
		Priority:   1 << 30,
		Enabled:    true,
	}
	logger.L().Warn("emergency schedule created", "name", e.Name, "pattern", pattern, "reason", reason, "durationMs", duration.Milliseconds())
	return m.CreateSchedule(e)
}

func (m *Manager) buildRecord(e Entry) (*record, error) {
	if e.Name == "" {
		return nil, apperrors.InvalidInput("schedule name must not be empty", nil)
	}
	if e.KeyPattern == "" {
		return nil, apperrors.InvalidInput("schedule keyPattern must not be empty", nil)
	}
	if e.Limits.Capacity <= 0 {
		return nil, apperrors.InvalidInput("schedule limits.capacity must be positive", nil)
	}

	rec := &record{entry: e}

	switch e.Kind {
	case Recurring:
		loc, err := time.LoadLocation(e.TZ)
		if err != nil {
			return nil, apperrors.InvalidInput(fmt.Sprintf("invalid timezone %q", e.TZ), err)
		}
		sched, err := m.cronParser.Parse(e.Cron)
		if err != nil {
			return nil, apperrors.InvalidInput(fmt.Sprintf("invalid cron expression %q", e.Cron), err)
		}
		rec.parsed = &locatedSchedule{loc: loc, sched: sched}
	case OneTime, EventDriven:
		if e.EndMs <= e.StartMs {
			return nil, apperrors.InvalidInput("schedule endMs must be greater than startMs", nil)
		}
	default:
		return nil, apperrors.InvalidInput("unknown schedule kind", nil)
	}

	return rec, nil
}

// locatedSchedule adapts a cron.Schedule to evaluate "does this match the
// given minute" in its own declared timezone rather than the process's.
type locatedSchedule struct {
	loc   *time.Location
	sched cron.Schedule
}

func (l *locatedSchedule) matchesMinute(t time.Time) bool {
	local := t.In(l.loc).Truncate(time.Minute)
	next := l.sched.Next(local.Add(-time.Second))
	return !next.IsZero() && next.Before(local.Add(time.Minute))
}

// Evaluate recomputes which schedules are active at now and atomically
// publishes the result, tracking per-entry transition times so ramps can
// be interpolated on the next Resolve call.
func (m *Manager) Evaluate(now time.Time) {
	m.mu.Lock()
	records := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.Unlock()

	prev := m.current.Load()
	prevByName := make(map[string]state, len(prev.states))
	for _, st := range prev.states {
		prevByName[st.entry.Name] = st
	}

	nowMs := now.UnixMilli()
	states := make([]state, 0, len(records))
	for _, rec := range records {
		active := isActive(rec, now, nowMs)
		since := now
		if p, ok := prevByName[rec.entry.Name]; ok && p.active == active {
			since = p.since
		}
		states = append(states, state{entry: rec.entry, active: active, since: since})
	}

	sort.SliceStable(states, func(i, j int) bool {
		if states[i].entry.Priority != states[j].entry.Priority {
			return states[i].entry.Priority > states[j].entry.Priority
		}
		return states[i].entry.Name < states[j].entry.Name
	})

	v := m.version.Add(1)
	m.current.Store(&activeSet{version: v, states: states})
}

func isActive(rec *record, now time.Time, nowMs int64) bool {
	if !rec.entry.Enabled {
		return false
	}
	switch rec.entry.Kind {
	case Recurring:
		return rec.parsed != nil && rec.parsed.matchesMinute(now)
	case OneTime, EventDriven:
		return nowMs >= rec.entry.StartMs && nowMs < rec.entry.EndMs
	default:
		return false
	}
}

// Run evaluates on a ticker at interval until ctx is cancelled, refreshing
// the active set so recurring and time-boxed schedules get picked up
// without requiring an explicit CRUD call.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(m.clk.Now())
		}
	}
}
