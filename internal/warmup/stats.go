// Package warmup measures the real frame rate of a sink before it is put to
// work.
package warmup

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold: stable if instantaneous FPS stddev < 15% of mean.
	// Example: 30 FPS mean → stable if stddev < 4.5 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold: stable if mean jitter < 20% of the expected
	// inter-frame interval.
	// Example: 30 FPS (33ms interval) → stable if jitter < 6.6ms
	jitterStabilityThreshold = 0.20

	// rateSafetyMargin scales a measured FPS down when it caps a consumer rate.
	rateSafetyMargin = 0.9
)

// Stats summarises frame arrival during warm-up.
type Stats struct {
	FramesReceived int           // Frames grabbed during warm-up
	Duration       time.Duration // Wall time the warm-up took
	FPSMean        float64       // Frames per second over the whole duration
	FPSStdDev      float64       // Standard deviation of instantaneous FPS
	FPSMin         float64       // Minimum instantaneous FPS
	FPSMax         float64       // Maximum instantaneous FPS
	IsStable       bool          // FPS and jitter both under their thresholds
	JitterMean     float64       // Mean deviation from the expected interval (seconds)
	JitterStdDev   float64       // Standard deviation of jitter (seconds)
	JitterMax      float64       // Largest deviation observed (seconds)
}

// CalculateFPSStats derives FPS and jitter statistics from frame timestamps
// in microseconds, as returned by Grab.
//
// Intervals that are not positive (duplicate or clamped timestamps) do not
// contribute an instantaneous FPS sample. With fewer than two frames, or no
// usable interval, the stream is reported unstable.
func CalculateFPSStats(timestamps []int64, total time.Duration) *Stats {
	n := len(timestamps)
	stats := &Stats{FramesReceived: n, Duration: total}

	if n == 0 || total <= 0 {
		return stats
	}
	stats.FPSMean = float64(n) / total.Seconds()

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		intervals = append(intervals, float64(timestamps[i]-timestamps[i-1])/1e6)
	}

	instantaneous := make([]float64, 0, len(intervals))
	for _, iv := range intervals {
		if iv > 0 {
			instantaneous = append(instantaneous, 1/iv)
		}
	}
	if len(instantaneous) == 0 {
		return stats
	}

	stats.FPSMin, stats.FPSMax = minMax(instantaneous)
	stats.FPSStdDev = stdDevAround(instantaneous, stats.FPSMean)

	expected := 1 / stats.FPSMean
	jitters := make([]float64, len(intervals))
	for i, iv := range intervals {
		jitters[i] = math.Abs(iv - expected)
	}
	stats.JitterMean = mean(jitters)
	stats.JitterStdDev = stdDevAround(jitters, stats.JitterMean)
	_, stats.JitterMax = minMax(jitters)

	stats.IsStable = stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		stats.JitterMean < expected*jitterStabilityThreshold

	return stats
}

// OptimalRate caps maxRate to 90% of the measured FPS when the stream is
// slower than maxRate.
//
// Example:
//   - maxRate=10, stream FPS=30 → 10
//   - maxRate=10, stream FPS=5 → 4.5
func OptimalRate(stats *Stats, maxRate float64) float64 {
	if stats == nil || stats.FPSMean >= maxRate {
		return maxRate
	}
	return stats.FPSMean * rateSafetyMargin
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDevAround(xs []float64, center float64) float64 {
	var sq float64
	for _, x := range xs {
		d := x - center
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func minMax(xs []float64) (lo, hi float64) {
	lo, hi = xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
