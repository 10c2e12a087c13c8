package frame

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camerasink/internal/pixfmt"
)

// Handle owns the metadata record of one sink and requests frames for it.
//
// A Handle is driven by a single consumer goroutine. Generation and Close may
// be called from any goroutine.
type Handle struct {
	src  Source
	id   SinkHandle
	name string
	raw  RawFrame

	// gen advances before every request and on close. Views record the
	// generation they were validated for and go stale when it moves.
	gen    atomic.Uint64
	closed atomic.Bool
}

// Open registers a sink named name with src.
func Open(src Source, name string) (*Handle, error) {
	if src == nil {
		return nil, fmt.Errorf("frame: source is nil")
	}
	id, err := src.CreateSink(name)
	if err != nil {
		return nil, fmt.Errorf("frame: create sink %q: %w", name, err)
	}
	return &Handle{src: src, id: id, name: name}, nil
}

// Name returns the sink name the handle was opened with.
func (h *Handle) Name() string {
	return h.name
}

// ID returns the source-issued sink handle.
func (h *Handle) ID() SinkHandle {
	return h.id
}

// SetHint resets the metadata record and stores format as the
// interpretation hint for the next request.
func (h *Handle) SetHint(format pixfmt.PixelFormat) {
	h.raw.Reset(format)
}

// RequestNext blocks until the source delivers a frame or timeout elapses.
//
// timeout == 0 uses DefaultTimeout; Unbounded (or any negative value) waits
// until a frame arrives, the handle is closed, or ctx is done.
//
// Any view derived from the previous record is stale once this is called.
// On success the returned record is valid until the next call.
func (h *Handle) RequestNext(ctx context.Context, timeout time.Duration) (int64, *RawFrame, error) {
	if h.closed.Load() {
		return 0, nil, ErrClosed
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	h.gen.Add(1)

	ts, err := h.src.RequestNext(ctx, h.id, timeout, &h.raw)
	if err != nil {
		return 0, nil, classify(err)
	}
	if ts <= 0 {
		return 0, nil, fmt.Errorf("%w: non-positive timestamp %d", ErrSourceFailed, ts)
	}
	if h.raw.Width < 0 || h.raw.Height < 0 {
		return 0, nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrSourceFailed, h.raw.Width, h.raw.Height)
	}
	return ts, &h.raw, nil
}

// Generation returns the current request generation.
func (h *Handle) Generation() uint64 {
	return h.gen.Load()
}

// LastError returns the source's diagnostic for this sink.
func (h *Handle) LastError() error {
	return h.src.LastError(h.id)
}

// Close releases the sink at the source. Only the first call reaches the
// source; later calls return nil.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.gen.Add(1)
	if err := h.src.Close(h.id); err != nil {
		return fmt.Errorf("frame: close sink %q: %w", h.name, err)
	}
	return nil
}

// classify maps source errors onto the handle's error kinds so callers can
// use errors.Is without knowing the source implementation.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrSourceFailed),
		errors.Is(err, ErrInterrupted):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	default:
		return fmt.Errorf("%w: %w", ErrSourceFailed, err)
	}
}
