package main

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camerasink"
	"github.com/e7canasta/camerasink/internal/config"
	"github.com/e7canasta/camerasink/internal/emitter"
	"github.com/e7canasta/camerasink/internal/gstsrc"
	"github.com/e7canasta/camerasink/internal/mailbox"
	"github.com/e7canasta/camerasink/internal/pixbuf"
	"github.com/e7canasta/camerasink/internal/pixfmt"
	"github.com/e7canasta/camerasink/internal/warmup"
)

// parsedCmd returns a command carrying the shared flags, parsed from args.
func parsedCmd(t *testing.T, args ...string) (*cobra.Command, *options) {
	t.Helper()
	opts := &options{}
	cmd := &cobra.Command{Use: "test"}
	opts.register(cmd.Flags())
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, opts
}

func TestLoadConfig_Defaults(t *testing.T) {
	cmd, opts := parsedCmd(t)
	cfg, err := loadConfig(cmd, opts)
	require.NoError(t, err)
	assert.Equal(t, config.SourceTest, cfg.Source.Kind)
	assert.Equal(t, pixfmt.BGR, cfg.Sink.TargetFormat)
}

func TestLoadConfig_FlagsOverrideDefaults(t *testing.T) {
	cmd, opts := parsedCmd(t,
		"--source=v4l2", "--target-format=gray", "--width=320", "--height=240", "--format", "yuy2")
	cfg, err := loadConfig(cmd, opts)
	require.NoError(t, err)

	assert.Equal(t, config.SourceV4L2, cfg.Source.Kind)
	assert.Equal(t, "/dev/video0", cfg.Source.Device, "validation fills the default device")
	assert.Equal(t, pixfmt.Gray, cfg.Sink.TargetFormat)
	assert.Equal(t, pixfmt.YUYV, cfg.Source.Format)
	assert.Equal(t, 320, cfg.Source.Width)
	assert.Equal(t, 240, cfg.Source.Height)
	assert.Equal(t, 30, cfg.Source.FPS, "unset flags keep the default")
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camgrab.yaml")
	yaml := `
sink:
  name: door
  max_rate_hz: 5
source:
  kind: rtsp
  url: rtsp://10.0.0.12/stream
  fps: 10
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cmd, opts := parsedCmd(t, "--config", path, "--name", "yard")
	cfg, err := loadConfig(cmd, opts, func(cfg *config.Config, changed map[string]bool) {
		assert.True(t, changed["name"])
		assert.False(t, changed["url"])
		cfg.Sink.MaxRateHz = 2
	})
	require.NoError(t, err)

	assert.Equal(t, "yard", cfg.Sink.Name)
	assert.Equal(t, config.SourceRTSP, cfg.Source.Kind)
	assert.Equal(t, "rtsp://10.0.0.12/stream", cfg.Source.URL)
	assert.Equal(t, 10, cfg.Source.FPS)
	assert.Equal(t, 2.0, cfg.Sink.MaxRateHz)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cmd, opts := parsedCmd(t, "--source=rtsp")
	_, err := loadConfig(cmd, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: invalid")
	assert.Contains(t, err.Error(), "source.url")

	cmd, opts = parsedCmd(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = loadConfig(cmd, opts)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFormatValue(t *testing.T) {
	var f pixfmt.PixelFormat
	v := newFormatValue(&f)
	assert.Equal(t, "", v.String())
	assert.Equal(t, "format", v.Type())

	require.NoError(t, v.Set("YUY2"))
	assert.Equal(t, pixfmt.YUYV, f)
	assert.Equal(t, "yuyv", v.String())

	assert.Error(t, v.Set("nv12"))
	assert.Equal(t, pixfmt.YUYV, f, "a rejected value leaves the format unchanged")
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "snapshot", "warmup", "formats"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("debug"))
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestFormatsCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"formats"})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6, "header plus five formats")
	assert.Equal(t, []string{"FORMAT", "LAYOUT", "BYTES/PX", "COMPRESSED"}, strings.Fields(lines[0]))

	rows := map[string][]string{}
	for _, l := range lines[1:] {
		fields := strings.Fields(l)
		rows[fields[0]] = fields[1:]
	}
	assert.Equal(t, []string{"8UC3", "3", "false"}, rows["bgr"])
	assert.Equal(t, []string{"8UC1", "1", "false"}, rows["gray"])
	assert.Equal(t, []string{"8UC2", "2", "false"}, rows["yuyv"])
	assert.Equal(t, []string{"8UC1", "1", "true"}, rows["mjpeg"])
}

func TestSnapshotName(t *testing.T) {
	ts := time.Unix(1700000000, 123456000).UnixMicro()
	assert.Equal(t, "frame_000042_20231114_221320.123.png", snapshotName(42, ts, pixbuf.PNG))
	assert.Equal(t, "frame_000001_20231114_221320.123.jpg", snapshotName(1, ts, pixbuf.JPEG))
}

func TestSaver_WritesPNG(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snaps")
	saver, err := NewSaver(dir, "png", 90)
	require.NoError(t, err)

	img := camerasink.NewImage(2, 1, camerasink.BGR)
	copy(img.Pix, []byte{0x10, 0x20, 0x30, 0xFF, 0x00, 0x00}) // B,G,R then pure blue

	path, err := saver.Save(img, time.Now().UnixMicro())
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := png.Decode(f)
	require.NoError(t, err)

	r, g, b, _ := decoded.At(0, 0).RGBA()
	assert.Equal(t, []uint32{0x30, 0x20, 0x10}, []uint32{r >> 8, g >> 8, b >> 8})
	r, g, b, _ = decoded.At(1, 0).RGBA()
	assert.Equal(t, []uint32{0, 0, 0xFF}, []uint32{r >> 8, g >> 8, b >> 8})

	saved, dropped := saver.Stats()
	assert.Equal(t, uint64(1), saved)
	assert.Equal(t, uint64(0), dropped)
}

func TestSaver_Failures(t *testing.T) {
	_, err := NewSaver(t.TempDir(), "gif", 90)
	assert.Error(t, err)

	dir := t.TempDir()
	saver, err := NewSaver(dir, "jpeg", 90)
	require.NoError(t, err)

	_, err = saver.Save(&camerasink.Image{}, 1)
	assert.Error(t, err)

	saved, dropped := saver.Stats()
	assert.Equal(t, uint64(0), saved)
	assert.Equal(t, uint64(1), dropped)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed snapshots leave no file behind")
}

// publishEvery feeds src with BGR frames until ctx is done.
func publishEvery(ctx context.Context, src *camerasink.Mailbox, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			src.Publish(&camerasink.MailboxFrame{
				Width: 4, Height: 2, Format: camerasink.BGR, Data: make([]byte, 4*2*3),
			})
		}
	}
}

func newLoopSink(t *testing.T, src *camerasink.Mailbox) camerasink.Sink {
	t.Helper()
	s, err := camerasink.New(src, camerasink.Config{Name: "loop", DefaultTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGrabLoop_StopsOnCancel(t *testing.T) {
	src := camerasink.NewMailbox()
	s := newLoopSink(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publishEvery(ctx, src, 2*time.Millisecond)

	var frames atomic.Int32
	err := grabLoop(ctx, s, camerasink.NewImage(4, 2, camerasink.BGR), loopOptions{}, func(img *camerasink.Image, ts int64) {
		assert.Positive(t, ts)
		assert.True(t, img.Matches(4, 2, camerasink.BGR))
		if frames.Add(1) == 5 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, frames.Load(), int32(5))
}

func TestGrabLoop_RateLimited(t *testing.T) {
	src := camerasink.NewMailbox()
	s := newLoopSink(t, src)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go publishEvery(ctx, src, time.Millisecond)

	var frames int
	err := grabLoop(ctx, s, &camerasink.Image{}, loopOptions{rateHz: 20}, func(*camerasink.Image, int64) {
		frames++
	})
	require.NoError(t, err)
	assert.Positive(t, frames)
	assert.LessOrEqual(t, frames, 8, "20 Hz for 300ms")
	assert.Positive(t, src.Stats().Sinks["loop"].TotalDrops, "excess frames are dropped at the source")
}

func TestGrabLoop_SourceClosed(t *testing.T) {
	src := camerasink.NewMailbox()
	s := newLoopSink(t, src)
	src.Shutdown()

	err := grabLoop(context.Background(), s, &camerasink.Image{}, loopOptions{}, func(*camerasink.Image, int64) {})
	assert.ErrorIs(t, err, camerasink.ErrClosed)
}

func TestGrabLoop_SourceFailureConsultsCheck(t *testing.T) {
	src := camerasink.NewMailbox()
	s := newLoopSink(t, src)

	gaveUp := errors.New("gave up after 5 attempts")
	var checks int
	opts := loopOptions{check: func() error {
		checks++
		if checks == 2 {
			return gaveUp
		}
		return nil
	}}

	src.Fail(errors.New("connection refused"))
	go func() {
		time.Sleep(30 * time.Millisecond)
		src.Fail(errors.New("connection refused"))
	}()

	err := grabLoop(context.Background(), s, &camerasink.Image{}, opts, func(*camerasink.Image, int64) {})
	assert.ErrorIs(t, err, gaveUp)
	assert.Equal(t, 2, checks)
}

func TestGrabFirst(t *testing.T) {
	src := camerasink.NewMailbox()
	s := newLoopSink(t, src)

	go func() {
		time.Sleep(30 * time.Millisecond)
		src.Publish(&camerasink.MailboxFrame{Width: 4, Height: 2, Format: camerasink.BGR, Data: make([]byte, 24)})
	}()
	img := &camerasink.Image{}
	ts, err := grabFirst(context.Background(), s, img, time.Second)
	require.NoError(t, err)
	assert.Positive(t, ts)
	assert.True(t, img.Matches(4, 2, camerasink.BGR))

	_, err = grabFirst(context.Background(), s, img, 50*time.Millisecond)
	assert.ErrorIs(t, err, camerasink.ErrTimeout)
}

func sampleSinkStats() camerasink.Stats {
	return camerasink.Stats{
		Name:          "cam",
		Grabs:         4,
		Frames:        2,
		Timeouts:      1,
		SourceErrors:  1,
		Rebuilds:      1,
		BytesCopied:   2 * 921600,
		LastTimestamp: 1700000000000000,
		Width:         640,
		Height:        480,
		Format:        pixfmt.BGR,
	}
}

func sampleSourceStats() *gstsrc.Stats {
	return &gstsrc.Stats{
		Kind:       config.SourceRTSP,
		State:      gstsrc.StateStreaming.String(),
		Resolution: "640x480",
		FPSTarget:  15,
		Frames:     120,
		Reconnects: 2,
		LastError:  "gstsrc: pipeline error [network]: timeout",
		Mailbox: mailbox.Stats{
			Published: 120,
			Sinks: map[string]mailbox.SinkStats{
				"cam": {Name: "cam", TotalDrops: 37, ConsecutiveDrops: 3},
			},
		},
	}
}

func TestBuildTelemetry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tel := buildTelemetry(sampleSinkStats(), sampleSourceStats(), now)

	assert.Equal(t, "cam", tel.Sink)
	assert.Equal(t, now, tel.Timestamp)
	assert.Equal(t, uint64(4), tel.Grabs)
	assert.Equal(t, uint64(2), tel.Frames)
	assert.Equal(t, "BGR", tel.Format)
	require.NotNil(t, tel.Source)
	assert.Equal(t, emitter.SourceTelemetry{
		Kind:      "rtsp",
		State:     "streaming",
		Published: 120,
		Drops:     37,
		Reconnect: 2,
		LastError: "gstsrc: pipeline error [network]: timeout",
	}, *tel.Source)

	assert.Nil(t, buildTelemetry(sampleSinkStats(), nil, now).Source)
}

func TestPrintLiveStats(t *testing.T) {
	var out bytes.Buffer
	saver, err := NewSaver(t.TempDir(), "png", 90)
	require.NoError(t, err)

	printLiveStats(&out, 65*time.Second, sampleSinkStats(), sampleSourceStats(), saver)
	s := out.String()
	assert.Contains(t, s, "Sink cam (Uptime: 1m5s)")
	assert.Contains(t, s, "rtsp / streaming")
	assert.Contains(t, s, "(50.0% with frame)")
	assert.Contains(t, s, "Mailbox Drops:          37 (streak 3)")
	assert.Contains(t, s, "640x480 BGR")
	assert.Contains(t, s, "Snapshots:")

	out.Reset()
	printLiveStats(&out, time.Second, camerasink.Stats{Name: "idle"}, nil, nil)
	s = out.String()
	assert.NotContains(t, s, "Source:")
	assert.NotContains(t, s, "Snapshots:")
	assert.Contains(t, s, "(0.0% with frame)")
}

func TestPrintWarmupStats(t *testing.T) {
	ts := make([]int64, 0, 30)
	for i := range 30 {
		ts = append(ts, int64(i)*100_000) // 10 fps
	}
	stats := warmup.CalculateFPSStats(ts, 3*time.Second)

	var out bytes.Buffer
	printWarmupStats(&out, stats, 30)
	s := out.String()
	assert.Contains(t, s, "Frames:     30 in 3s")
	assert.Contains(t, s, "FPS:        10.00")
	assert.Contains(t, s, "Stable:     yes")
	assert.Contains(t, s, "Grab rate:  9.00 Hz (cap 30.00)")
}
