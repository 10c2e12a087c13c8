package mailbox

import "time"

// idleThreshold marks a sink idle when it has not taken a frame for this long.
const idleThreshold = 30 * time.Second

// Stats is a snapshot of source operational state.
type Stats struct {
	// Published counts frames accepted by Publish
	Published uint64
	// Failures counts errors reported through Fail
	Failures uint64
	// Rejected counts frames refused by Publish (invalid dimensions)
	Rejected uint64
	// Sinks maps sink name to per-sink statistics
	Sinks map[string]SinkStats
}

// SinkStats tracks per-sink mailbox state.
type SinkStats struct {
	Name string
	// Delivered counts frames handed to RequestNext
	Delivered uint64
	// TotalDrops counts frames overwritten before being requested
	TotalDrops uint64
	// ConsecutiveDrops is the current streak of overwritten frames
	ConsecutiveDrops uint64
	// Timeouts counts requests that expired without a frame
	Timeouts uint64
	// BufferReallocs counts delivery buffer allocations
	BufferReallocs uint64
	// LastDeliveredAt is the wall time of the last delivery
	LastDeliveredAt time.Time
	// LastTimestamp is the timestamp (µs) of the last delivered frame
	LastTimestamp int64
	// Hint is the format requested on the last call
	Hint string
	// IsIdle is true when nothing was delivered for idleThreshold
	IsIdle bool
}

// Stats returns a snapshot of the source. Safe for concurrent use.
func (s *Source) Stats() Stats {
	stats := Stats{
		Published: s.published.Load(),
		Failures:  s.failures.Load(),
		Rejected:  s.rejected.Load(),
		Sinks:     make(map[string]SinkStats),
	}

	for _, sl := range s.snapshot() {
		sl.mu.Lock()
		stats.Sinks[sl.name] = SinkStats{
			Name:             sl.name,
			Delivered:        sl.delivered,
			TotalDrops:       sl.totalDrops,
			ConsecutiveDrops: sl.consecutiveDrops,
			Timeouts:         sl.timeouts,
			BufferReallocs:   sl.reallocs,
			LastDeliveredAt:  sl.lastConsumedAt,
			LastTimestamp:    sl.lastConsumedTS,
			Hint:             sl.hint.String(),
			IsIdle:           time.Since(sl.lastConsumedAt) > idleThreshold,
		}
		sl.mu.Unlock()
	}

	return stats
}
