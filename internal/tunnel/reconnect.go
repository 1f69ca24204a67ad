package tunnel

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/aether-proxy/aether-agent/internal/config"
	"github.com/aether-proxy/aether-agent/internal/dnscache"
	"github.com/aether-proxy/aether-agent/internal/state"
)

// minStableSession is the minimum session duration that resets a
// connection's backoff attempt counter (§4.9).
const minStableSession = 30 * time.Second

// maxBackoffExponent caps the doubling in delay = base * 2^min(attempt,10).
const maxBackoffExponent = 10

// RunReconnectLoop owns one connection slot in a controller's pool: it keeps
// calling connectAndRun, backing off between attempts, until shutdown fires.
// The attempt counter is scoped to this call — never shared across the pool,
// so one flapping connection doesn't lengthen another's delay.
func RunReconnectLoop(ctx context.Context, cfg *config.Config, server *state.ServerContext, connIdx int,
	shutdown <-chan struct{}, cache *dnscache.Cache, resolver dnscache.Resolver,
	logger *zap.Logger, atomicLevel *zap.AtomicLevel) {

	var attempt uint32

	for {
		select {
		case <-shutdown:
			return
		default:
		}

		started := time.Now()
		outcome, err := connectAndRun(ctx, cfg, server, connIdx, shutdown, cache, resolver, logger, atomicLevel)
		duration := time.Since(started)

		if err != nil {
			logger.Warn("tunnel: session ended with error",
				zap.Int("conn_idx", connIdx), zap.Error(err))
		}

		if outcome == Shutdown {
			return
		}

		if outcome == Disconnected && duration >= minStableSession {
			attempt = 0
		}

		delay := backoffDelay(cfg.TunnelReconnectBaseMs, cfg.TunnelReconnectMaxMs, attempt)
		if attempt < maxBackoffExponent {
			attempt++
		}

		logger.Info("tunnel: reconnecting",
			zap.Int("conn_idx", connIdx), zap.Duration("delay", delay), zap.Uint32("attempt", attempt))

		select {
		case <-time.After(delay):
		case <-shutdown:
			return
		}
	}
}

// backoffDelay computes min(base*2^min(attempt,10), max) plus uniform jitter
// in [0, delay/4).
func backoffDelay(baseMs, maxMs uint64, attempt uint32) time.Duration {
	exp := attempt
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	delayMs := baseMs << exp
	if delayMs > maxMs || delayMs < baseMs {
		// Overflow from the shift, or the cap, both clamp to max.
		delayMs = maxMs
	}
	jitterMs := uint64(0)
	if quarter := delayMs / 4; quarter > 0 {
		jitterMs = uint64(rand.Int63n(int64(quarter)))
	}
	return time.Duration(delayMs+jitterMs) * time.Millisecond
}
