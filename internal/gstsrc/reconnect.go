package gstsrc

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camerasink/internal/config"
)

// reconnectState tracks retries of the current failure streak.
type reconnectState struct {
	retries    atomic.Int32  // reset once the pipeline reaches PLAYING
	reconnects atomic.Uint32 // total reconnection attempts
}

func (s *reconnectState) reset() {
	s.retries.Store(0)
}

// connectFunc runs one pipeline lifetime. nil means a clean shutdown.
type connectFunc func(ctx context.Context) error

// runWithReconnect runs connect until it returns nil, ctx ends, or
// cfg.MaxRetries consecutive failures have been retried.
//
// Backoff (InitialDelay=1s, MaxDelay=30s): 1s, 2s, 4s, 8s, 16s, 30s...
func runWithReconnect(ctx context.Context, connect connectFunc, cfg config.ReconnectConfig, state *reconnectState) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt := int(state.retries.Add(1))
		if attempt > cfg.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, cfg.MaxRetries, err)
		}
		state.reconnects.Add(1)

		delay := backoff(attempt, cfg)
		slog.Warn("gstsrc: retrying pipeline",
			"error", err,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// backoff returns InitialDelay * 2^(attempt-1), capped at MaxDelay.
func backoff(attempt int, cfg config.ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return min(delay, cfg.MaxDelay)
}
