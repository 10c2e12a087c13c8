package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/camerasink/internal/pixbuf"
)

var (
	// ErrNotEnoughFrames is returned when fewer than two frames arrived
	ErrNotEnoughFrames = errors.New("warmup: not enough frames")
	// ErrUnstable is returned with the stats when FPS or jitter exceed thresholds
	ErrUnstable = errors.New("warmup: stream FPS unstable")
)

// Grabber is the part of a sink warm-up needs.
type Grabber interface {
	GrabTimeout(dst *pixbuf.Image, timeout time.Duration) int64
}

// pollInterval bounds each grab so cancellation and the deadline are noticed.
const pollInterval = 250 * time.Millisecond

// Run grabs frames into dst for duration and reports arrival statistics.
//
// Returns:
//   - ErrNotEnoughFrames if fewer than two frames arrived
//   - the stats together with ErrUnstable if the stream is not stable
//   - ctx.Err() if ctx ended before duration elapsed
func Run(ctx context.Context, g Grabber, dst *pixbuf.Image, duration time.Duration) (*Stats, error) {
	slog.Info("warmup: starting",
		"duration", duration,
		"reason", "measure real FPS before use",
	)

	start := time.Now()
	deadline := start.Add(duration)
	timestamps := make([]int64, 0, 128)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("warmup: %w", err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		ts := g.GrabTimeout(dst, min(remaining, pollInterval))
		if ts == 0 {
			continue
		}
		timestamps = append(timestamps, ts)

		slog.Debug("warmup: frame received",
			"timestamp_us", ts,
			"frames_collected", len(timestamps),
		)
	}

	elapsed := time.Since(start)
	if len(timestamps) < 2 {
		return nil, fmt.Errorf("%w (got %d, need at least 2)", ErrNotEnoughFrames, len(timestamps))
	}

	stats := CalculateFPSStats(timestamps, elapsed)

	slog.Info("warmup: complete",
		"frames", stats.FramesReceived,
		"duration", stats.Duration,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"jitter_mean", fmt.Sprintf("%.3fs", stats.JitterMean),
		"stable", stats.IsStable,
	)

	if !stats.IsStable {
		return stats, fmt.Errorf("%w (mean=%.2f Hz, stddev=%.2f, jitter=%.3fs)",
			ErrUnstable, stats.FPSMean, stats.FPSStdDev, stats.JitterMean)
	}
	return stats, nil
}
