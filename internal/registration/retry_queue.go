package registration

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	backgroundRetryInterval    = 5 * time.Minute
	backgroundRetryMaxAttempts = 12
)

// PendingEntry is a controller whose initial registration failed and is
// queued for periodic background retry.
type PendingEntry struct {
	Client  *Client
	Request Request
	// OnSuccess is invoked with the registration response once retry
	// succeeds; it is expected to wire up the ServerContext and start
	// tunnels for this controller.
	OnSuccess func(*Response)
}

// RunBackgroundRetries retries every entry in pending every
// backgroundRetryInterval until it either succeeds or exhausts
// backgroundRetryMaxAttempts, then drops it. Blocks until ctx is canceled or
// every entry has resolved one way or the other.
func RunBackgroundRetries(ctx context.Context, logger *zap.Logger, pending []PendingEntry) {
	runBackgroundRetries(ctx, logger, pending, backgroundRetryInterval)
}

func runBackgroundRetries(ctx context.Context, logger *zap.Logger, pending []PendingEntry, interval time.Duration) {
	if len(pending) == 0 {
		return
	}

	remaining := make([]PendingEntry, len(pending))
	copy(remaining, pending)
	attempts := make([]int, len(remaining))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		remaining, attempts = retryRound(ctx, logger, remaining, attempts)
	}
}

// retryRound runs one registration attempt per entry, dropping entries that
// succeed or that have exhausted backgroundRetryMaxAttempts, and returns the
// entries still pending along with their updated attempt counts.
func retryRound(ctx context.Context, logger *zap.Logger, remaining []PendingEntry, attempts []int) ([]PendingEntry, []int) {
	next := remaining[:0]
	nextAttempts := attempts[:0]
	for i, entry := range remaining {
		attempts[i]++
		resp, err := entry.Client.registerOnce(ctx, entry.Request)
		if err == nil {
			logger.Info("background registration succeeded", zap.String("controller", entry.Client.BaseURL))
			entry.OnSuccess(resp)
			continue
		}
		if attempts[i] >= backgroundRetryMaxAttempts {
			logger.Warn("background registration exhausted attempts, giving up",
				zap.String("controller", entry.Client.BaseURL), zap.Error(err))
			continue
		}
		next = append(next, entry)
		nextAttempts = append(nextAttempts, attempts[i])
	}
	return next, nextAttempts
}
