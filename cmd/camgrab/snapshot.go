package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/camerasink"
	"github.com/e7canasta/camerasink/internal/config"
	"github.com/e7canasta/camerasink/internal/pixbuf"
)

func newSnapshotCmd(opts *options) *cobra.Command {
	var (
		output  string
		codec   string
		wait    time.Duration
		quality int
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Grab a single frame and write it as PNG or JPEG",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts, func(cfg *config.Config, changed map[string]bool) {
				if changed["codec"] {
					cfg.Snapshot.Codec = codec
				}
				if changed["quality"] {
					cfg.Snapshot.Quality = quality
				}
			})
			if err != nil {
				return err
			}

			// The output extension picks the codec unless --codec was given
			if output != "" && !cmd.Flags().Changed("codec") {
				if c, err := pixbuf.ParseCodec(strings.TrimPrefix(filepath.Ext(output), ".")); err == nil {
					cfg.Snapshot.Codec = string(c)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			path, err := takeSnapshot(ctx, cfg, output, wait)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", "", "output file (default: generated name in snapshot.dir)")
	f.StringVar(&codec, "codec", "", "png, jpeg, bmp or tiff")
	f.IntVar(&quality, "quality", 0, "jpeg quality 1-100")
	f.DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the first frame")
	return cmd
}

// takeSnapshot starts the source, grabs one frame and writes it.
func takeSnapshot(ctx context.Context, cfg *config.Config, output string, wait time.Duration) (string, error) {
	src, err := startSource(ctx, cfg.Source)
	if err != nil {
		return "", err
	}
	defer src.Stop()

	s, err := camerasink.New(src, sinkConfig(cfg))
	if err != nil {
		return "", err
	}
	defer s.Close()

	img := camerasink.NewImage(cfg.Source.Width, cfg.Source.Height, cfg.Sink.TargetFormat)
	ts, err := grabFirst(ctx, s, img, wait)
	if err != nil {
		return "", err
	}

	if output == "" {
		saver, err := NewSaver(cfg.Snapshot.Dir, cfg.Snapshot.Codec, cfg.Snapshot.Quality)
		if err != nil {
			return "", err
		}
		return saver.Save(img, ts)
	}

	c, err := pixbuf.ParseCodec(cfg.Snapshot.Codec)
	if err != nil {
		return "", err
	}
	if err := writeImage(output, img, c, cfg.Snapshot.Quality); err != nil {
		return "", err
	}
	slog.Info("camgrab: snapshot saved", "path", output, "timestamp_us", ts)
	return output, nil
}

// grabFirst grabs until a frame arrives or wait elapses. The pipeline may
// need several grab timeouts before it delivers anything.
func grabFirst(ctx context.Context, s camerasink.Sink, img *camerasink.Image, wait time.Duration) (int64, error) {
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if ts := s.GrabTimeout(img, min(remaining, camerasink.DefaultTimeout)); ts > 0 {
			return ts, nil
		}
		if err := s.Err(); errors.Is(err, camerasink.ErrClosed) {
			return 0, err
		}
	}
	err := s.Err()
	if err == nil {
		err = camerasink.ErrTimeout
	}
	return 0, fmt.Errorf("no frame within %s: %w", wait, err)
}
