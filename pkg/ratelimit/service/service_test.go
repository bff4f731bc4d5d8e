package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fenwick-labs/ratelimitd/pkg/clock"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/metrics"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct{ cfg ratelimit.EffectiveConfig }

func (f fakeResolver) Resolve(string, time.Time) ratelimit.EffectiveConfig { return f.cfg }

type fakeExecutor struct {
	result ratelimit.Result
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(context.Context, string, ratelimit.EffectiveConfig, int64, int64) (ratelimit.Result, error) {
	f.calls++
	return f.result, f.err
}

func newMetrics() *metrics.Core {
	return metrics.New(metrics.Config{Registerer: prometheus.NewRegistry()})
}

func TestCheckReturnsAllowedResult(t *testing.T) {
	primary := &fakeExecutor{result: ratelimit.Result{Allowed: true, Remaining: 4}}
	svc := service.New(service.Config{
		Resolver: fakeResolver{cfg: ratelimit.EffectiveConfig{Capacity: 5}},
		Primary:  primary,
		Metrics:  newMetrics(),
		Clock:    clock.New(),
	})

	res, err := svc.Check(context.Background(), "k1", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, "k1", res.Key)
	assert.Equal(t, int64(1), res.TokensRequested)
	assert.Equal(t, 1, primary.calls)
}

func TestCheckRejectsEmptyKey(t *testing.T) {
	svc := service.New(service.Config{
		Resolver: fakeResolver{},
		Primary:  &fakeExecutor{},
		Metrics:  newMetrics(),
	})

	_, err := svc.Check(context.Background(), "", 1)
	assert.Error(t, err)
}

func TestCheckFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeExecutor{err: errors.New("store down")}
	fallback := &fakeExecutor{result: ratelimit.Result{Allowed: true}}

	svc := service.New(service.Config{
		Resolver: fakeResolver{},
		Primary:  primary,
		Fallback: fallback,
		Metrics:  newMetrics(),
	})

	res, err := svc.Check(context.Background(), "k1", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, fallback.calls)
}

func TestCheckFailsOpenWhenNoFallbackAvailable(t *testing.T) {
	primary := &fakeExecutor{err: errors.New("store down")}

	svc := service.New(service.Config{
		Resolver: fakeResolver{},
		Primary:  primary,
		Metrics:  newMetrics(),
	})

	res, err := svc.Check(context.Background(), "k1", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestIsAllowedBooleanForm(t *testing.T) {
	primary := &fakeExecutor{result: ratelimit.Result{Allowed: false}}
	svc := service.New(service.Config{
		Resolver: fakeResolver{},
		Primary:  primary,
		Metrics:  newMetrics(),
	})

	assert.False(t, svc.IsAllowed(context.Background(), "k1", 1))
}

func TestIsAllowedRejectsInvalidInput(t *testing.T) {
	primary := &fakeExecutor{result: ratelimit.Result{Allowed: true}}
	svc := service.New(service.Config{
		Resolver: fakeResolver{},
		Primary:  primary,
		Metrics:  newMetrics(),
	})

	assert.False(t, svc.IsAllowed(context.Background(), "", 1), "empty key must be rejected, not failed open")
	assert.False(t, svc.IsAllowed(context.Background(), "k1", 0), "tokens<=0 must be rejected, not failed open")
	assert.Equal(t, 0, primary.calls, "invalid input must never reach the backend")
}
