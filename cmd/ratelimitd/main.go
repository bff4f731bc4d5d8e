// Command ratelimitd runs the distributed rate-limit service: it wires
// the configuration resolver, schedule manager, bucket registry, and
// chosen backend behind the service facade, and exposes a Prometheus
// /metrics endpoint alongside the decision engine.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fenwick-labs/ratelimitd/pkg/clock"
	"github.com/fenwick-labs/ratelimitd/pkg/concurrency"
	"github.com/fenwick-labs/ratelimitd/pkg/config"
	"github.com/fenwick-labs/ratelimitd/pkg/logger"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/backend"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/metrics"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/registry"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/resolver"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/schedule"
	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit/service"
	"github.com/fenwick-labs/ratelimitd/pkg/resilience"
	"github.com/fenwick-labs/ratelimitd/pkg/telemetry"
)

type appConfig struct {
	Logger    logger.Config
	Telemetry telemetry.Config

	RedisAddr string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	UseRemote bool   `env:"RATE_LIMIT_USE_REMOTE" env-default:"false"`

	DefaultCapacity   int64 `env:"RATE_LIMIT_DEFAULT_CAPACITY" env-default:"100"`
	DefaultRefillRate int64 `env:"RATE_LIMIT_DEFAULT_REFILL_RATE" env-default:"10"`
	DefaultWindowMs   int64 `env:"RATE_LIMIT_DEFAULT_WINDOW_MS" env-default:"1000"`
	CleanupIntervalMs int64 `env:"RATE_LIMIT_CLEANUP_INTERVAL_MS" env-default:"60000"`

	MetricsAddr string `env:"METRICS_ADDR" env-default:":9090"`
}

func main() {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}

	logger.Init(cfg.Logger)
	log := logger.L()

	shutdownTracing, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Error("failed to initialize telemetry", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clk := clock.New()
	local := backend.NewLocal(64)

	var primary backend.Backend = local
	var fallback backend.Backend
	var rdb *goredis.Client

	if cfg.UseRemote {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		primary = backend.NewRemote(backend.RemoteConfig{
			Client:  rdb,
			Breaker: resilience.CircuitBreakerConfig{},
		})
		fallback = local
	}

	met := metrics.New(metrics.Config{})

	reg := registry.New(primary, deleterFor(primary), met.RecordBucketsCleaned)
	concurrency.SafeGo(ctx, func() {
		reg.Run(ctx, time.Duration(cfg.CleanupIntervalMs)*time.Millisecond, func() int64 { return clk.Now().UnixMilli() })
	})

	if rdb != nil {
		met.StartHealthProbe(ctx, func(probeCtx context.Context) error {
			return rdb.Ping(probeCtx).Err()
		}, 30*time.Second)
	}

	sched := schedule.New(clk)
	concurrency.SafeGo(ctx, func() { sched.Run(ctx, time.Minute) })

	res := resolver.New(resolver.StaticConfig{
		Default: ratelimit.EffectiveConfig{
			Algorithm:         ratelimit.TokenBucket,
			Capacity:          cfg.DefaultCapacity,
			RefillRate:        cfg.DefaultRefillRate,
			WindowMs:          cfg.DefaultWindowMs,
			CleanupIntervalMs: cfg.CleanupIntervalMs,
		},
	}, sched)

	svc := service.New(service.Config{
		Resolver: res,
		Primary:  reg,
		Fallback: fallback,
		Metrics:  met,
		Clock:    clk,
	})
	_ = svc // wired for in-process callers (e.g. an RPC/HTTP transport added on top)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	concurrency.SafeGo(ctx, func() {
		log.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	})

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = shutdownTracing(shutdownCtx)
}

// deleterFor returns b's Deleter capability if it has one (the in-process
// local backend does; the Redis-backed remote backend relies on TTL
// expiry instead and so doesn't need the registry sweep to delete for it).
func deleterFor(b backend.Backend) registry.Deleter {
	if d, ok := b.(registry.Deleter); ok {
		return d
	}
	return nil
}
