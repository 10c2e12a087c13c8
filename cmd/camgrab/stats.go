package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/e7canasta/camerasink"
	"github.com/e7canasta/camerasink/internal/emitter"
	"github.com/e7canasta/camerasink/internal/gstsrc"
)

// statsSource is what the display needs from the running source.
type statsSource interface {
	Stats() gstsrc.Stats
}

// reportStats periodically prints statistics until ctx is done.
func reportStats(ctx context.Context, w io.Writer, interval time.Duration,
	sink camerasink.Sink, src statsSource, saver *Saver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var srcStats *gstsrc.Stats
			if src != nil {
				st := src.Stats()
				srcStats = &st
			}
			printLiveStats(w, time.Since(startTime), sink.Stats(), srcStats, saver)
		}
	}
}

// printLiveStats prints one statistics box. src and saver may be nil.
func printLiveStats(w io.Writer, uptime time.Duration, sinkStats camerasink.Stats,
	src *gstsrc.Stats, saver *Saver) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╭─────────────────────────────────────────────────────────────────╮")
	fmt.Fprintf(w, "│ Sink %s (Uptime: %v)\n", sinkStats.Name, uptime.Round(time.Second))
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")

	if src != nil {
		fmt.Fprintln(w, "│ Source:")
		fmt.Fprintf(w, "│   Kind / State:       %s / %s\n", src.Kind, src.State)
		fmt.Fprintf(w, "│   Resolution:         %s\n", src.Resolution)
		fmt.Fprintf(w, "│   Frames Captured:    %6d frames\n", src.Frames)
		fmt.Fprintf(w, "│   Frames Skipped:     %6d frames\n", src.Skipped)
		fmt.Fprintf(w, "│   Target FPS:         %6d fps\n", src.FPSTarget)
		fmt.Fprintf(w, "│   Real FPS:           %6.2f fps\n", src.FPSReal)
		fmt.Fprintf(w, "│   Latency:            %6d ms\n", src.LatencyMS)
		fmt.Fprintf(w, "│   Reconnects:         %6d\n", src.Reconnects)
		if ms, ok := src.Mailbox.Sinks[sinkStats.Name]; ok {
			fmt.Fprintf(w, "│   Mailbox Drops:      %6d (streak %d)\n", ms.TotalDrops, ms.ConsecutiveDrops)
		}
		if src.LastError != "" {
			fmt.Fprintf(w, "│   Last Error:         %s\n", src.LastError)
		}
		fmt.Fprintln(w, "│")
	}

	grabs := sinkStats.Grabs
	hitRate := 0.0
	if grabs > 0 {
		hitRate = float64(sinkStats.Frames) / float64(grabs) * 100.0
	}
	fmt.Fprintln(w, "│ Sink:")
	fmt.Fprintf(w, "│   Grabs:              %6d (%.1f%% with frame)\n", grabs, hitRate)
	fmt.Fprintf(w, "│   Timeouts:           %6d\n", sinkStats.Timeouts)
	fmt.Fprintf(w, "│   Source Errors:      %6d\n", sinkStats.SourceErrors)
	fmt.Fprintf(w, "│   View Rebuilds:      %6d\n", sinkStats.Rebuilds)
	fmt.Fprintf(w, "│   Bytes Copied:       %6.1f MB\n", float64(sinkStats.BytesCopied)/(1<<20))
	if sinkStats.Frames > 0 {
		fmt.Fprintf(w, "│   Last Frame:         %dx%d %s\n", sinkStats.Width, sinkStats.Height, sinkStats.Format)
	}

	if saver != nil {
		saved, dropped := saver.Stats()
		fmt.Fprintln(w, "│")
		fmt.Fprintln(w, "│ Snapshots:")
		fmt.Fprintf(w, "│   Saved:              %6d\n", saved)
		fmt.Fprintf(w, "│   Failed:             %6d\n", dropped)
	}

	fmt.Fprintln(w, "╰─────────────────────────────────────────────────────────────────╯")
}

// buildTelemetry converts sink and source statistics into a telemetry
// snapshot. src may be nil.
func buildTelemetry(sinkStats camerasink.Stats, src *gstsrc.Stats, now time.Time) *emitter.Telemetry {
	t := &emitter.Telemetry{
		Sink:         sinkStats.Name,
		Timestamp:    now,
		Grabs:        sinkStats.Grabs,
		Frames:       sinkStats.Frames,
		Timeouts:     sinkStats.Timeouts,
		SourceErrors: sinkStats.SourceErrors,
		Rebuilds:     sinkStats.Rebuilds,
		BytesCopied:  sinkStats.BytesCopied,
		LastFrameUS:  sinkStats.LastTimestamp,
		Width:        sinkStats.Width,
		Height:       sinkStats.Height,
		Format:       sinkStats.Format.String(),
	}
	if src != nil {
		t.Source = &emitter.SourceTelemetry{
			Kind:      src.Kind,
			State:     src.State,
			Published: src.Mailbox.Published,
			Drops:     src.Mailbox.Sinks[sinkStats.Name].TotalDrops,
			Reconnect: int(src.Reconnects),
			LastError: src.LastError,
		}
	}
	return t
}
