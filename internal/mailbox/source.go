// Package mailbox implements an in-process frame source with latest-frame
// mailbox semantics.
//
// Philosophy: "Drop frames, never queue."
//
// Each registered sink owns a single-slot mailbox. Publish overwrites the
// slot (counting a drop if the previous frame was never requested) and wakes
// the waiting consumer. RequestNext copies the latest frame into a buffer
// owned by the sink, so the producer never writes into memory a consumer is
// reading.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camerasink/internal/frame"
	"github.com/e7canasta/camerasink/internal/pixfmt"
)

var (
	// ErrSinkExists is returned when a sink name is already registered
	ErrSinkExists = errors.New("mailbox: sink already exists")
	// ErrEmptyName is returned when a sink name is empty
	ErrEmptyName = errors.New("mailbox: sink name is required")
)

// Frame is a frame handed to Publish.
//
// IMMUTABILITY CONTRACT: the publisher MUST NOT modify Data after Publish.
// The source keeps a reference until a sink requests the frame.
type Frame struct {
	Width  int
	Height int
	// Stride in bytes; 0 means tightly packed
	Stride int
	Format pixfmt.PixelFormat
	Data   []byte
	// Timestamp is the capture time; zero means "now"
	Timestamp time.Time
}

// Source is an in-process implementation of frame.Source.
//
// Thread-safety: Publish, Fail, CreateSink, Close and Stats are safe for
// concurrent use. RequestNext must be called by a single consumer per sink.
type Source struct {
	mu    sync.RWMutex
	slots map[frame.SinkHandle]*slot
	names map[string]frame.SinkHandle

	nextHandle   uint32
	nextBufferID atomic.Uint64

	// publishMu serializes publishers so every sink sees non-decreasing
	// timestamps.
	publishMu sync.Mutex
	lastTS    int64

	published atomic.Uint64
	failures  atomic.Uint64
	rejected  atomic.Uint64
	closed    atomic.Bool
}

// New creates an empty source.
func New() *Source {
	return &Source{
		slots: make(map[frame.SinkHandle]*slot),
		names: make(map[string]frame.SinkHandle),
	}
}

// CreateSink registers a new sink (implements frame.Source).
func (s *Source) CreateSink(name string) (frame.SinkHandle, error) {
	if name == "" {
		return 0, ErrEmptyName
	}
	if s.closed.Load() {
		return 0, frame.ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.names[name]; exists {
		return 0, fmt.Errorf("%w: %q", ErrSinkExists, name)
	}

	s.nextHandle++
	h := frame.SinkHandle(s.nextHandle)

	sl := &slot{name: name, lastConsumedAt: time.Now()}
	sl.cond = sync.NewCond(&sl.mu)

	s.slots[h] = sl
	s.names[name] = h

	slog.Debug("mailbox: sink created", "name", name, "handle", h)
	return h, nil
}

// Publish hands a frame to every registered sink (non-blocking).
//
// Semantics:
//   - Overwrite: a frame not yet requested is replaced and counted as dropped
//   - Timestamps are clamped so they never go backwards
//   - Frames with negative dimensions are rejected and counted
//   - No-op after Shutdown
func (s *Source) Publish(f *Frame) {
	if f == nil || s.closed.Load() {
		return
	}
	if f.Width < 0 || f.Height < 0 {
		s.rejected.Add(1)
		slog.Warn("mailbox: frame rejected", "width", f.Width, "height", f.Height)
		return
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	ts := f.Timestamp.UnixMicro()
	if f.Timestamp.IsZero() || ts <= 0 {
		ts = time.Now().UnixMicro()
	}
	if ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts

	s.published.Add(1)

	for _, sl := range s.snapshot() {
		sl.publish(f, ts)
	}
}

// Fail reports a source error. Every sink's next (or pending) RequestNext
// returns it once wrapped in frame.ErrSourceFailed; afterwards it remains
// available through LastError.
func (s *Source) Fail(err error) {
	if err == nil {
		return
	}
	s.failures.Add(1)
	for _, sl := range s.snapshot() {
		sl.fail(err)
	}
}

// RequestNext blocks until a frame is available for sink h (implements
// frame.Source).
func (s *Source) RequestNext(ctx context.Context, h frame.SinkHandle, timeout time.Duration, raw *frame.RawFrame) (int64, error) {
	sl := s.lookup(h)
	if sl == nil {
		return 0, fmt.Errorf("%w: %d", frame.ErrUnknownSink, h)
	}
	return sl.request(ctx, timeout, raw, &s.nextBufferID)
}

// LastError returns the most recent error recorded for sink h.
func (s *Source) LastError(h frame.SinkHandle) error {
	sl := s.lookup(h)
	if sl == nil {
		return fmt.Errorf("%w: %d", frame.ErrUnknownSink, h)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.lastErr
}

// Close removes sink h and wakes a pending RequestNext (implements
// frame.Source). The sink's delivery buffer is released.
func (s *Source) Close(h frame.SinkHandle) error {
	s.mu.Lock()
	sl, ok := s.slots[h]
	if ok {
		delete(s.slots, h)
		delete(s.names, sl.name)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", frame.ErrUnknownSink, h)
	}

	sl.close()
	slog.Debug("mailbox: sink closed", "name", sl.name, "handle", h)
	return nil
}

// Shutdown wakes every sink with frame.ErrClosed and makes Publish a no-op.
// Sinks stay registered until their owners Close them. Idempotent.
func (s *Source) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	for _, sl := range s.snapshot() {
		sl.close()
	}
}

func (s *Source) lookup(h frame.SinkHandle) *slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[h]
}

// snapshot copies the slot set so publishing never holds s.mu.
func (s *Source) snapshot() []*slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	return slots
}
