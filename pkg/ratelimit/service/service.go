// Package service implements the rate-limit service facade of spec §4.7:
// it orchestrates the resolver, the registry, and the chosen backend
// behind the single Decide entry point named in spec §6, records metrics
// and structured logs for every decision, and applies the fail-open retry
// policy when the primary backend errors.
package service

import (
	"context"
	"time"

	apperrors "github.com/fenwick-labs/ratelimitd/pkg/errors"
	"github.com/fenwick-labs/ratelimitd/pkg/logger"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/backend"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/metrics"

	"github.com/fenwick-labs/ratelimitd/pkg/clock"
)

// Resolver is the subset of resolver.Resolver the facade needs.
type Resolver interface {
	Resolve(key string, now time.Time) ratelimit.EffectiveConfig
}

// Executor is the registry's Execute signature, depended on as an
// interface so the facade can be tested against a fake without pulling in
// the concrete registry/backend wiring.
type Executor interface {
	Execute(ctx context.Context, key string, cfg ratelimit.EffectiveConfig, requested int64, nowMs int64) (ratelimit.Result, error)
}

// CheckResult is the external shape of one decision, per spec §6's Decide
// API: the request echoed back alongside the outcome.
type CheckResult struct {
	Key             string
	TokensRequested int64
	Allowed         bool
	RetryAfterMs    int64
	EstimatedWaitMs int64
}

// Config wires a Service's dependencies together.
type Config struct {
	Resolver Resolver
	Primary  Executor
	Fallback backend.Backend // optional; nil disables the multi-backend retry
	Metrics  *metrics.Core
	Clock    clock.Clock
}

// Service is the rate-limit decision facade.
type Service struct {
	resolver Resolver
	primary  Executor
	fallback backend.Backend
	metrics  *metrics.Core
	clk      clock.Clock
}

// New builds a Service from cfg. Clock defaults to the real wall clock.
func New(cfg Config) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		resolver: cfg.Resolver,
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		metrics:  cfg.Metrics,
		clk:      clk,
	}
}

// Check resolves key's configuration, executes one decision against the
// primary backend, retries once against the fallback backend if the
// primary errors, and as a last resort fails open rather than blocking
// traffic on an unavailable store. Every decision is logged and recorded
// to the metrics core, per spec §4.7 and §7; invalid input is logged at
// WARN and returned as an error without reaching a backend or the metrics.
func (s *Service) Check(ctx context.Context, key string, tokens int64) (CheckResult, error) {
	var invalid error
	if key == "" {
		invalid = apperrors.InvalidInput("rate limit key must not be empty", nil)
	} else if tokens <= 0 {
		invalid = apperrors.InvalidInput("tokensRequested must be positive", nil)
	}
	if invalid != nil {
		logger.L().WarnContext(ctx, "rate limit request rejected as invalid",
			"key", key, "tokensRequested", tokens, "outcome", "invalid", "errorKind", string(apperrors.CodeInvalidArgument))
		return CheckResult{}, invalid
	}

	start := s.clk.Now()
	cfg := s.resolver.Resolve(key, start)
	nowMs := start.UnixMilli()

	result, err := s.primary.Execute(ctx, key, cfg, tokens, nowMs)
	errorKind := ""
	if err != nil {
		errorKind = classify(err)
		if s.fallback != nil {
			var fbErr error
			result, fbErr = s.fallback.Execute(ctx, key, cfg, tokens, nowMs)
			if fbErr != nil {
				logger.L().ErrorContext(ctx, "rate limit decision failed on both backends, failing open",
					"key", key, "primaryError", err, "fallbackError", fbErr)
				result = ratelimit.Result{Allowed: true}
				errorKind = "fail_open"
			} else {
				logger.L().WarnContext(ctx, "rate limit primary backend failed, served from fallback",
					"key", key, "error", err)
			}
		} else {
			logger.L().ErrorContext(ctx, "rate limit decision failed, failing open", "key", key, "error", err)
			result = ratelimit.Result{Allowed: true}
			errorKind = "fail_open"
		}
	}

	took := s.clk.Now().Sub(start)
	if s.metrics != nil {
		s.metrics.RecordDecision(key, result.Allowed, nowMs, took)
	}

	outcome := "denied"
	logFn := logger.L().WarnContext
	if result.Allowed {
		outcome = "allowed"
		logFn = logger.L().DebugContext
	}
	attrs := []any{"key", key, "tokensRequested", tokens, "outcome", outcome, "processingTimeMs", took.Milliseconds()}
	if errorKind != "" {
		attrs = append(attrs, "errorKind", errorKind)
	}
	logFn(ctx, "rate limit decision", attrs...)

	return CheckResult{
		Key:             key,
		TokensRequested: tokens,
		Allowed:         result.Allowed,
		RetryAfterMs:    result.RetryAfterMs,
		EstimatedWaitMs: result.EstimatedWaitMs,
	}, nil
}

// IsAllowed is the boolean-only convenience form of Check named in spec §6.
// Check only ever returns an error for InvalidInput (every backend/store
// failure is already converted to a fail-open result with a nil error
// inside Check itself), and spec §4.7/§7 require invalid input to be
// rejected rather than admitted, so any error here means reject.
func (s *Service) IsAllowed(ctx context.Context, key string, tokens int64) bool {
	res, err := s.Check(ctx, key, tokens)
	if err != nil {
		return false
	}
	return res.Allowed
}

func classify(err error) string {
	var appErr *apperrors.AppError
	if apperrors.As(err, &appErr) {
		return string(appErr.Code)
	}
	return "unknown"
}
