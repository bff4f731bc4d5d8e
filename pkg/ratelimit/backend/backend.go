// Package backend provides the two interchangeable adapters (local,
// remote) that execute one algorithm step atomically per call, per spec
// §4.2. Both implementations share the Backend interface; the facade
// receives a single adapter chosen at deployment time.
package backend

import (
	"context"

	"github.com/fenwick-labs/ratelimitd/pkg/ratelimit"
)

// Backend executes one atomic decision for key under cfg.
type Backend interface {
	Execute(ctx context.Context, key string, cfg ratelimit.EffectiveConfig, requested int64, nowMs int64) (ratelimit.Result, error)
}
