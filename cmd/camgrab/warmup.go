package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/camerasink"
	"github.com/e7canasta/camerasink/internal/config"
	"github.com/e7canasta/camerasink/internal/warmup"
)

func newWarmupCmd(opts *options) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "warmup",
		Short: "Measure the source frame rate and its stability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, func(cfg *config.Config, changed map[string]bool) {
				if changed["duration"] || cfg.Warmup.Duration == 0 {
					cfg.Warmup.Duration = duration
				}
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			src, err := startSource(ctx, cfg.Source)
			if err != nil {
				return err
			}
			defer src.Stop()

			s, err := camerasink.New(src, sinkConfig(cfg))
			if err != nil {
				return err
			}
			defer s.Close()

			img := camerasink.NewImage(cfg.Source.Width, cfg.Source.Height, cfg.Sink.TargetFormat)
			stats, err := warmup.Run(ctx, s, img, cfg.Warmup.Duration)
			if err != nil && !errors.Is(err, warmup.ErrUnstable) {
				return err
			}
			printWarmupStats(cmd.OutOrStdout(), stats, cfg.Sink.MaxRateHz)
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to measure")
	return cmd
}

// printWarmupStats prints a warm-up report. maxRate > 0 adds the rate a
// consumer capped at maxRate should use.
func printWarmupStats(w io.Writer, stats *warmup.Stats, maxRate float64) {
	stable := "yes"
	if !stats.IsStable {
		stable = "NO"
	}
	fmt.Fprintf(w, "Frames:     %d in %v\n", stats.FramesReceived, stats.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "FPS:        %.2f (stddev %.2f, range %.1f-%.1f)\n",
		stats.FPSMean, stats.FPSStdDev, stats.FPSMin, stats.FPSMax)
	fmt.Fprintf(w, "Jitter:     mean %.1fms, max %.1fms\n", stats.JitterMean*1000, stats.JitterMax*1000)
	fmt.Fprintf(w, "Stable:     %s\n", stable)
	if maxRate > 0 {
		fmt.Fprintf(w, "Grab rate:  %.2f Hz (cap %.2f)\n", warmup.OptimalRate(stats, maxRate), maxRate)
	}
}
