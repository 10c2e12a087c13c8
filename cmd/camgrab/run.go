package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/e7canasta/camerasink"
	"github.com/e7canasta/camerasink/internal/config"
	"github.com/e7canasta/camerasink/internal/emitter"
	"github.com/e7canasta/camerasink/internal/gstsrc"
	"github.com/e7canasta/camerasink/internal/metrics"
	"github.com/e7canasta/camerasink/internal/warmup"
)

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 2 * time.Second

func newRunCmd(opts *options) *cobra.Command {
	var (
		maxRate          float64
		statsInterval    time.Duration
		snapshotInterval time.Duration
		warmupDuration   time.Duration
		telemetry        bool
		metricsAddr      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Grab frames continuously, reporting stats and telemetry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, func(cfg *config.Config, changed map[string]bool) {
				if changed["max-rate"] {
					cfg.Sink.MaxRateHz = maxRate
				}
				if changed["snapshot-interval"] {
					cfg.Snapshot.Interval = snapshotInterval
				}
				if changed["warmup"] {
					cfg.Warmup.Duration = warmupDuration
				}
				if changed["telemetry"] {
					cfg.Telemetry.Enabled = telemetry
				}
				if changed["metrics-addr"] {
					cfg.Metrics.Addr = metricsAddr
				}
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runGrab(ctx, cmd.OutOrStdout(), cfg, statsInterval)
		},
	}

	f := cmd.Flags()
	f.Float64Var(&maxRate, "max-rate", 0, "maximum grab rate in Hz (0 = as fast as frames arrive)")
	f.DurationVar(&statsInterval, "stats-interval", 10*time.Second, "interval between stats reports (0 disables)")
	f.DurationVar(&snapshotInterval, "snapshot-interval", 0, "save a frame every interval (0 disables)")
	f.DurationVar(&warmupDuration, "warmup", 0, "measure source FPS for this long before grabbing")
	f.BoolVar(&telemetry, "telemetry", false, "publish stats over MQTT")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on host:port")
	return cmd
}

// startSource creates and starts the configured GStreamer source.
func startSource(ctx context.Context, cfg config.SourceConfig) (*gstsrc.Source, error) {
	src, err := gstsrc.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	if err := src.Start(ctx); err != nil {
		return nil, fmt.Errorf("start source: %w", err)
	}
	return src, nil
}

func sinkConfig(cfg *config.Config) camerasink.Config {
	return camerasink.Config{
		Name:           cfg.Sink.Name,
		TargetFormat:   cfg.Sink.TargetFormat,
		DefaultTimeout: cfg.Sink.Timeout,
	}
}

// runGrab wires source, sink, stats, telemetry and snapshots, then grabs
// until ctx is done or the source gives up.
func runGrab(ctx context.Context, out io.Writer, cfg *config.Config, statsInterval time.Duration) error {
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

	grabRate := cfg.Sink.MaxRateHz
	if cfg.Warmup.Duration > 0 {
		stats, err := warmup.Run(ctx, s, img, cfg.Warmup.Duration)
		switch {
		case errors.Is(err, warmup.ErrUnstable):
			slog.Warn("camgrab: source FPS unstable, pacing may be inaccurate",
				"fps_mean", stats.FPSMean,
				"fps_stddev", stats.FPSStdDev,
			)
		case err != nil:
			return err
		}
		if grabRate > 0 {
			grabRate = warmup.OptimalRate(stats, grabRate)
		}
	}

	var saver *Saver
	if cfg.Snapshot.Interval > 0 {
		if saver, err = NewSaver(cfg.Snapshot.Dir, cfg.Snapshot.Codec, cfg.Snapshot.Quality); err != nil {
			return err
		}
	}

	// The grab loop ending stops every helper goroutine
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, runCtx := errgroup.WithContext(ctx)

	if statsInterval > 0 {
		g.Go(func() error {
			reportStats(runCtx, out, statsInterval, s, src, saver)
			return nil
		})
	}

	if cfg.Telemetry.Enabled {
		pub, err := startTelemetry(runCtx, cfg.Telemetry, s.Name())
		if err != nil {
			return err
		}
		defer pub.Close()

		em := emitter.New(pub, cfg.Telemetry.TopicPrefix, cfg.Telemetry.QoS)
		g.Go(func() error {
			em.Run(runCtx, cfg.Telemetry.Interval, func() *emitter.Telemetry {
				st := src.Stats()
				return buildTelemetry(s.Stats(), &st, time.Now())
			})
			return nil
		})
	}

	if cfg.Metrics.Addr != "" {
		exp := metrics.NewExporter(cfg.Metrics.Addr, metrics.NewCollector(s.Stats, src.Stats))
		g.Go(func() error {
			if err := exp.Start(); err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return exp.Shutdown(shutdownCtx)
		})
	}

	slog.Info("camgrab: grabbing",
		"sink", s.Name(),
		"target_format", cfg.Sink.TargetFormat.String(),
		"max_rate_hz", grabRate,
	)

	var lastSnapshot time.Time
	onFrame := func(img *camerasink.Image, ts int64) {
		if saver == nil || time.Since(lastSnapshot) < cfg.Snapshot.Interval {
			return
		}
		lastSnapshot = time.Now()
		path, err := saver.Save(img, ts)
		if err != nil {
			slog.Warn("camgrab: snapshot failed", "error", err)
			return
		}
		slog.Info("camgrab: snapshot saved", "path", path)
	}

	g.Go(func() error {
		defer cancel()
		return grabLoop(runCtx, s, img, loopOptions{
			timeout: cfg.Sink.Timeout,
			rateHz:  grabRate,
			check: func() error {
				if src.State() == gstsrc.StateFailed {
					return fmt.Errorf("source failed: %s", src.Stats().LastError)
				}
				return nil
			},
		}, onFrame)
	})

	err = g.Wait()
	st := s.Stats()
	slog.Info("camgrab: stopped",
		"grabs", st.Grabs,
		"frames", st.Frames,
		"timeouts", st.Timeouts,
		"source_errors", st.SourceErrors,
	)
	return err
}

// startTelemetry connects the MQTT publisher.
func startTelemetry(ctx context.Context, cfg config.TelemetryConfig, sinkName string) (*emitter.MQTTPublisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "camgrab-" + sinkName
	}
	pub := emitter.NewMQTTPublisher(emitter.MQTTConfig{
		Broker:   cfg.Broker,
		ClientID: clientID,
	})
	if err := pub.Connect(ctx); err != nil {
		return nil, err
	}
	return pub, nil
}

// loopOptions tune grabLoop.
type loopOptions struct {
	// timeout bounds each grab; 0 uses the sink default
	timeout time.Duration
	// rateHz caps grabs per second; 0 grabs as fast as frames arrive
	rateHz float64
	// check is consulted after a source failure; an error ends the loop
	check func() error
}

// grabLoop grabs into img until ctx is done, calling onFrame for every
// delivered frame. Frames produced faster than rateHz are dropped at the
// source, never queued.
func grabLoop(ctx context.Context, s camerasink.Sink, img *camerasink.Image,
	opts loopOptions, onFrame func(*camerasink.Image, int64)) error {
	var limiter *rate.Limiter
	if opts.rateHz > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.rateHz), 1)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		ts := s.GrabTimeout(img, opts.timeout)
		if ts > 0 {
			onFrame(img, ts)
			continue
		}

		err := s.Err()
		switch {
		case ctx.Err() != nil, errors.Is(err, camerasink.ErrInterrupted):
			return nil
		case errors.Is(err, camerasink.ErrClosed):
			return fmt.Errorf("camgrab: source closed: %w", err)
		case errors.Is(err, camerasink.ErrSourceFailed):
			if opts.check != nil {
				if cerr := opts.check(); cerr != nil {
					return fmt.Errorf("camgrab: %w", cerr)
				}
			}
		}
	}
}
