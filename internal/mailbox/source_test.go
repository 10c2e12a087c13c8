package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camerasink/internal/frame"
	"github.com/e7canasta/camerasink/internal/pixfmt"
)

func bgrFrame(w, h int, fill byte, at time.Time) *Frame {
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = fill
	}
	return &Frame{Width: w, Height: h, Format: pixfmt.BGR, Data: data, Timestamp: at}
}

func TestCreateSink(t *testing.T) {
	src := New()

	h1, err := src.CreateSink("front")
	require.NoError(t, err)
	h2, err := src.CreateSink("rear")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	_, err = src.CreateSink("front")
	assert.ErrorIs(t, err, ErrSinkExists)

	_, err = src.CreateSink("")
	assert.ErrorIs(t, err, ErrEmptyName)

	src.Shutdown()
	_, err = src.CreateSink("late")
	assert.ErrorIs(t, err, frame.ErrClosed)
}

func TestRequestNext_DeliversPublishedFrame(t *testing.T) {
	src := New()
	h, err := src.CreateSink("s")
	require.NoError(t, err)

	at := time.UnixMicro(1_700_000_000_000_000)
	src.Publish(bgrFrame(4, 2, 7, at))

	var raw frame.RawFrame
	raw.Reset(pixfmt.BGR)
	ts, err := src.RequestNext(context.Background(), h, 50*time.Millisecond, &raw)
	require.NoError(t, err)

	assert.Equal(t, at.UnixMicro(), ts)
	assert.Equal(t, ts, raw.Timestamp)
	assert.Equal(t, 4, raw.Width)
	assert.Equal(t, 2, raw.Height)
	assert.True(t, raw.Stride.IsAuto())
	assert.Equal(t, pixfmt.BGR, raw.Format)
	assert.NotZero(t, raw.Buffer.ID)
	assert.Len(t, raw.Buffer.Data, 24)
	assert.Equal(t, byte(7), raw.Buffer.Data[23])
}

func TestRequestNext_Timeout(t *testing.T) {
	src := New()
	h, err := src.CreateSink("s")
	require.NoError(t, err)

	var raw frame.RawFrame
	start := time.Now()
	_, err = src.RequestNext(context.Background(), h, 20*time.Millisecond, &raw)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, frame.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.ErrorIs(t, src.LastError(h), frame.ErrTimeout)
	assert.Equal(t, uint64(1), src.Stats().Sinks["s"].Timeouts)
}

func TestRequestNext_ZeroTimeoutPolls(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")

	var raw frame.RawFrame
	_, err := src.RequestNext(context.Background(), h, 0, &raw)
	assert.ErrorIs(t, err, frame.ErrTimeout)

	src.Publish(bgrFrame(1, 1, 1, time.Time{}))
	ts, err := src.RequestNext(context.Background(), h, 0, &raw)
	require.NoError(t, err)
	assert.Positive(t, ts)
}

func TestRequestNext_WakesOnPublish(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")

	go func() {
		time.Sleep(10 * time.Millisecond)
		src.Publish(bgrFrame(2, 2, 1, time.Time{}))
	}()

	var raw frame.RawFrame
	ts, err := src.RequestNext(context.Background(), h, frame.Unbounded, &raw)
	require.NoError(t, err)
	assert.Positive(t, ts)
}

func TestRequestNext_ContextCancel(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	var raw frame.RawFrame
	_, err := src.RequestNext(ctx, h, frame.Unbounded, &raw)
	assert.ErrorIs(t, err, frame.ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOverwriteCountsDrops(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")

	for i := 1; i <= 3; i++ {
		src.Publish(bgrFrame(1, 1, byte(i), time.Time{}))
	}

	var raw frame.RawFrame
	_, err := src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	require.NoError(t, err)
	assert.Equal(t, byte(3), raw.Buffer.Data[0], "latest frame wins")

	stats := src.Stats()
	assert.Equal(t, uint64(3), stats.Published)
	sink := stats.Sinks["s"]
	assert.Equal(t, uint64(2), sink.TotalDrops)
	assert.Equal(t, uint64(0), sink.ConsecutiveDrops)
	assert.Equal(t, uint64(1), sink.Delivered)
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")
	var raw frame.RawFrame

	base := time.UnixMicro(1_000_000)
	src.Publish(bgrFrame(1, 1, 0, base))
	first, err := src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	require.NoError(t, err)

	src.Publish(bgrFrame(1, 1, 0, base.Add(-time.Second)))
	second, err := src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, second, first)
}

func TestBufferIdentityStableUntilGrowth(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")
	var raw frame.RawFrame

	src.Publish(bgrFrame(4, 4, 0, time.Time{}))
	_, err := src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	require.NoError(t, err)
	id := raw.Buffer.ID

	// Same size, then smaller: buffer is reused
	src.Publish(bgrFrame(4, 4, 1, time.Time{}))
	_, err = src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	require.NoError(t, err)
	assert.Equal(t, id, raw.Buffer.ID)

	src.Publish(bgrFrame(2, 2, 1, time.Time{}))
	_, err = src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	require.NoError(t, err)
	assert.Equal(t, id, raw.Buffer.ID)
	assert.Len(t, raw.Buffer.Data, 12)

	// Larger frame forces a new buffer
	src.Publish(bgrFrame(8, 8, 1, time.Time{}))
	_, err = src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	require.NoError(t, err)
	assert.NotEqual(t, id, raw.Buffer.ID)
	assert.Equal(t, uint64(2), src.Stats().Sinks["s"].BufferReallocs)
}

func TestShortPayloadIsZeroPadded(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")
	var raw frame.RawFrame

	src.Publish(&Frame{Width: 4, Height: 2, Stride: 6, Format: pixfmt.Gray, Data: []byte{1, 2, 3}})
	_, err := src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	require.NoError(t, err)

	assert.Equal(t, 6, raw.Stride.Bytes(4, raw.Layout()))
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0}, raw.Buffer.Data)
}

func TestFailDeliveredOnce(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")
	var raw frame.RawFrame

	cause := errors.New("rtsp: connection refused")
	src.Fail(cause)

	_, err := src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	assert.ErrorIs(t, err, frame.ErrSourceFailed)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, src.LastError(h), cause)

	_, err = src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	assert.ErrorIs(t, err, frame.ErrTimeout)
	assert.Equal(t, uint64(1), src.Stats().Failures)
}

func TestFailWakesBlockedRequest(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")

	go func() {
		time.Sleep(10 * time.Millisecond)
		src.Fail(errors.New("pipeline error"))
	}()

	var raw frame.RawFrame
	_, err := src.RequestNext(context.Background(), h, frame.Unbounded, &raw)
	assert.ErrorIs(t, err, frame.ErrSourceFailed)
}

func TestCloseWakesBlockedRequest(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		var raw frame.RawFrame
		_, err = src.RequestNext(context.Background(), h, frame.Unbounded, &raw)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, src.Close(h))
	wg.Wait()

	assert.ErrorIs(t, err, frame.ErrClosed)
	assert.ErrorIs(t, src.Close(h), frame.ErrUnknownSink)

	var raw frame.RawFrame
	_, err = src.RequestNext(context.Background(), h, 0, &raw)
	assert.ErrorIs(t, err, frame.ErrUnknownSink)
	assert.ErrorIs(t, src.LastError(h), frame.ErrUnknownSink)

	// Name is free again
	_, err = src.CreateSink("s")
	assert.NoError(t, err)
}

func TestShutdown(t *testing.T) {
	src := New()
	h, _ := src.CreateSink("s")

	src.Shutdown()
	src.Shutdown()
	src.Publish(bgrFrame(1, 1, 0, time.Time{}))
	assert.Equal(t, uint64(0), src.Stats().Published)

	var raw frame.RawFrame
	_, err := src.RequestNext(context.Background(), h, 10*time.Millisecond, &raw)
	assert.ErrorIs(t, err, frame.ErrClosed)

	// Owners can still release their sink
	assert.NoError(t, src.Close(h))
}

func TestPublishFansOutToEverySink(t *testing.T) {
	src := New()
	a, _ := src.CreateSink("a")
	b, _ := src.CreateSink("b")

	src.Publish(bgrFrame(2, 2, 9, time.Time{}))

	var ra, rb frame.RawFrame
	_, err := src.RequestNext(context.Background(), a, 10*time.Millisecond, &ra)
	require.NoError(t, err)
	_, err = src.RequestNext(context.Background(), b, 10*time.Millisecond, &rb)
	require.NoError(t, err)

	assert.NotEqual(t, ra.Buffer.ID, rb.Buffer.ID, "each sink owns its delivery buffer")
	assert.Equal(t, ra.Buffer.Data, rb.Buffer.Data)
}
