package sink

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camerasink/internal/frame"
	"github.com/e7canasta/camerasink/internal/mailbox"
	"github.com/e7canasta/camerasink/internal/pixbuf"
	"github.com/e7canasta/camerasink/internal/pixfmt"
)

func newSink(t *testing.T, src frame.Source, cfg Config) *Sink {
	t.Helper()
	s, err := New(src, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func solid(w, h int, format pixfmt.PixelFormat, fill byte) *mailbox.Frame {
	bpp := pixfmt.LayoutFor(format).BytesPerPixel()
	data := bytes.Repeat([]byte{fill}, w*h*bpp)
	return &mailbox.Frame{Width: w, Height: h, Format: format, Data: data}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.True(t, strings.HasPrefix(cfg.Name, "camerasink-"))
	assert.Equal(t, pixfmt.BGR, cfg.TargetFormat)
	assert.Equal(t, frame.DefaultTimeout, cfg.DefaultTimeout)

	cfg = Config{Name: "x", TargetFormat: pixfmt.Gray, DefaultTimeout: time.Second}.withDefaults()
	assert.Equal(t, "x", cfg.Name)
	assert.Equal(t, pixfmt.Gray, cfg.TargetFormat)
	assert.Equal(t, time.Second, cfg.DefaultTimeout)
}

func TestNew_DuplicateName(t *testing.T) {
	src := mailbox.New()
	newSink(t, src, Config{Name: "cam"})

	_, err := New(src, Config{Name: "cam"})
	assert.ErrorIs(t, err, mailbox.ErrSinkExists)
}

// A resolution and format switch after a steady stream rebuilds the view
// exactly once more.
func TestGrab_LayoutSwitchRebuildsOnce(t *testing.T) {
	src := mailbox.New()
	s := newSink(t, src, Config{Name: "cam"})
	var dst pixbuf.Image

	var last int64
	for i := 0; i < 10; i++ {
		src.Publish(solid(640, 480, pixfmt.BGR, byte(i)))
		ts := s.Grab(&dst)
		require.Positive(t, ts, "grab %d: %v", i, s.Err())
		assert.GreaterOrEqual(t, ts, last)
		last = ts
		assert.True(t, dst.Matches(640, 480, pixfmt.BGR))
		assert.Equal(t, byte(i), dst.Pix[len(dst.Pix)-1])
	}
	assert.Equal(t, uint64(1), s.Stats().Rebuilds)

	src.Publish(solid(1280, 720, pixfmt.Gray, 0x42))
	ts := s.Grab(&dst)
	require.Positive(t, ts)
	assert.True(t, dst.Matches(1280, 720, pixfmt.Gray))
	assert.Len(t, dst.Pix, 1280*720)
	assert.Equal(t, pixfmt.LayoutFor(pixfmt.Gray), dst.Layout)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Rebuilds)
	assert.Equal(t, uint64(11), stats.Frames)
	assert.Equal(t, 1280, stats.Width)
	assert.Equal(t, pixfmt.Gray, stats.Format)
	assert.NoError(t, s.Err())
}

func TestGrab_TimeoutLeavesImageUntouched(t *testing.T) {
	src := mailbox.New()
	s := newSink(t, src, Config{Name: "cam", DefaultTimeout: 10 * time.Millisecond})

	var dst pixbuf.Image
	src.Publish(solid(4, 4, pixfmt.BGR, 9))
	require.Positive(t, s.Grab(&dst))
	before := append([]byte(nil), dst.Pix...)

	for i := 0; i < 3; i++ {
		assert.Zero(t, s.Grab(&dst))
		assert.ErrorIs(t, s.Err(), frame.ErrTimeout)
	}

	assert.Equal(t, before, dst.Pix)
	assert.True(t, dst.Matches(4, 4, pixfmt.BGR))

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Timeouts)
	assert.Equal(t, uint64(1), stats.Rebuilds)
	assert.Equal(t, uint64(4), stats.Grabs)
}

func TestGrabTimeout_ZeroUsesDefault(t *testing.T) {
	src := mailbox.New()
	s := newSink(t, src, Config{Name: "cam", DefaultTimeout: 15 * time.Millisecond})

	start := time.Now()
	assert.Zero(t, s.GrabTimeout(&pixbuf.Image{}, 0))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestGrab_SourceFailure(t *testing.T) {
	src := mailbox.New()
	s := newSink(t, src, Config{Name: "cam"})

	cause := errors.New("v4l2: device unplugged")
	src.Fail(cause)

	var dst pixbuf.Image
	assert.Zero(t, s.Grab(&dst))
	assert.ErrorIs(t, s.Err(), frame.ErrSourceFailed)
	assert.ErrorIs(t, s.Err(), cause)
	assert.ErrorIs(t, s.SourceError(), cause)
	assert.True(t, dst.Empty())
	assert.Equal(t, uint64(1), s.Stats().SourceErrors)

	// The sink recovers once frames flow again
	src.Publish(solid(2, 2, pixfmt.BGR, 1))
	assert.Positive(t, s.Grab(&dst))
	assert.NoError(t, s.Err())
}

func TestGrab_NilDestination(t *testing.T) {
	src := mailbox.New()
	s := newSink(t, src, Config{Name: "cam"})

	src.Publish(solid(2, 2, pixfmt.BGR, 1))
	assert.Zero(t, s.Grab(nil))
	assert.ErrorIs(t, s.Err(), ErrNilImage)

	// The pending frame was not consumed
	assert.Positive(t, s.Grab(&pixbuf.Image{}))
}

func TestGrabNoTimeout_WaitsForFrame(t *testing.T) {
	src := mailbox.New()
	s := newSink(t, src, Config{Name: "cam", DefaultTimeout: time.Millisecond})

	go func() {
		time.Sleep(30 * time.Millisecond)
		src.Publish(solid(2, 2, pixfmt.BGR, 1))
	}()

	var dst pixbuf.Image
	assert.Positive(t, s.GrabNoTimeout(&dst))
}

func TestClose_InterruptsBlockedGrab(t *testing.T) {
	src := mailbox.New()
	s, err := New(src, Config{Name: "cam"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ts int64
	wg.Add(1)
	go func() {
		defer wg.Done()
		ts = s.GrabNoTimeout(&pixbuf.Image{})
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())
	wg.Wait()

	assert.Zero(t, ts)
	assert.ErrorIs(t, s.Err(), frame.ErrInterrupted)
	assert.Equal(t, uint64(1), s.Stats().Interrupted)

	assert.NoError(t, s.Close(), "second close is a no-op")
	assert.Zero(t, s.Grab(&pixbuf.Image{}))
	assert.ErrorIs(t, s.Err(), frame.ErrClosed)

	// The name is released at the source
	_, err = src.CreateSink("cam")
	assert.NoError(t, err)
}

func TestClose_DuringSteadyStream(t *testing.T) {
	src := mailbox.New()
	s, err := New(src, Config{Name: "cam", DefaultTimeout: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			src.Publish(solid(8, 8, pixfmt.BGR, 3))
			time.Sleep(time.Millisecond)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var dst pixbuf.Image
		for s.Grab(&dst) != 0 || !errors.Is(s.Err(), frame.ErrClosed) {
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("grab loop did not observe close")
	}
}

// releaseFailingSource fails Close and can hand out bogus timestamps,
// dimensions and errors.
type releaseFailingSource struct {
	ts      int64
	width   int
	err     error
	lastErr error
}

func (f *releaseFailingSource) CreateSink(string) (frame.SinkHandle, error) { return 1, nil }

func (f *releaseFailingSource) RequestNext(_ context.Context, _ frame.SinkHandle, _ time.Duration, raw *frame.RawFrame) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	raw.Width, raw.Height = 1, 1
	if f.width != 0 {
		raw.Width = f.width
	}
	raw.Buffer = frame.BufferRef{ID: 1, Data: []byte{0, 0, 0}}
	return f.ts, nil
}

func (f *releaseFailingSource) LastError(frame.SinkHandle) error { return f.lastErr }

func (f *releaseFailingSource) Close(frame.SinkHandle) error { return errors.New("release refused") }

func TestGrab_NonPositiveTimestampIsNoFrame(t *testing.T) {
	s, err := New(&releaseFailingSource{ts: -5}, Config{Name: "cam"})
	require.NoError(t, err)

	var dst pixbuf.Image
	assert.Zero(t, s.Grab(&dst))
	assert.ErrorIs(t, s.Err(), frame.ErrSourceFailed)
	assert.True(t, dst.Empty())
}

func TestGrab_MJPEGPayloadClippedToPlane(t *testing.T) {
	src := mailbox.New()
	s := newSink(t, src, Config{Name: "cam", TargetFormat: pixfmt.MJPEG})

	payload := bytes.Repeat([]byte{0xAB}, 40)
	src.Publish(&mailbox.Frame{Width: 4, Height: 4, Format: pixfmt.MJPEG, Data: payload})

	var dst pixbuf.Image
	require.Positive(t, s.Grab(&dst))
	assert.Equal(t, pixfmt.MJPEG, dst.Format)
	assert.Equal(t, payload[:16], dst.Pix, "single 8-bit plane of w*h bytes")
}

func TestGrab_NegativeDimensionsIsSourceError(t *testing.T) {
	s, err := New(&releaseFailingSource{ts: 10, width: -2}, Config{Name: "cam"})
	require.NoError(t, err)

	var dst pixbuf.Image
	assert.Zero(t, s.Grab(&dst))
	assert.ErrorIs(t, s.Err(), frame.ErrSourceFailed)
	assert.Contains(t, s.Err().Error(), "invalid dimensions")
	assert.True(t, dst.Empty())
	assert.Equal(t, uint64(1), s.Stats().SourceErrors)
}

func TestGrab_NegativeDimensionsRejectedAtPublish(t *testing.T) {
	src := mailbox.New()
	s := newSink(t, src, Config{Name: "cam", DefaultTimeout: 20 * time.Millisecond})

	src.Publish(&mailbox.Frame{Width: -2, Height: 3, Format: pixfmt.BGR, Data: make([]byte, 64)})

	var dst pixbuf.Image
	assert.Zero(t, s.Grab(&dst))
	assert.ErrorIs(t, s.Err(), frame.ErrTimeout)
	assert.Equal(t, uint64(1), src.Stats().Rejected)
	assert.Zero(t, src.Stats().Published)
}

func TestErr_IncludesSourceDiagnostic(t *testing.T) {
	diag := errors.New("rtsp: 401 unauthorized")
	s, err := New(&releaseFailingSource{err: errors.New("pipeline stopped"), lastErr: diag}, Config{Name: "cam"})
	require.NoError(t, err)

	assert.Zero(t, s.Grab(&pixbuf.Image{}))
	assert.ErrorIs(t, s.Err(), frame.ErrSourceFailed)
	assert.ErrorIs(t, s.Err(), diag)
	assert.Contains(t, s.Err().Error(), "pipeline stopped")
	assert.ErrorIs(t, s.SourceError(), diag)
}

func TestClose_SurfacesReleaseError(t *testing.T) {
	s, err := New(&releaseFailingSource{ts: 1}, Config{Name: "cam"})
	require.NoError(t, err)

	err = s.Close()
	assert.ErrorContains(t, err, "release refused")
	assert.NoError(t, s.Close())
}
