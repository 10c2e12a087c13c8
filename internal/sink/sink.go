// Package sink implements the blocking frame retrieval protocol on top of a
// frame source.
//
// One Grab call:
//  1. resets the format hint to the configured target format
//  2. requests the next frame from the source (bounded wait)
//  3. resolves a view over the borrowed buffer (rebuilt only when the
//     frame layout changed)
//  4. copies the view into the caller's image
//  5. returns the frame timestamp
//
// Every failure returns 0 and leaves the caller's image untouched; the cause
// is available through Err.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/camerasink/internal/frame"
	"github.com/e7canasta/camerasink/internal/pixbuf"
	"github.com/e7canasta/camerasink/internal/pixfmt"
	"github.com/e7canasta/camerasink/internal/viewcache"
)

// ErrNilImage is recorded when Grab is called without a destination.
var ErrNilImage = errors.New("sink: destination image is nil")

// Config configures a Sink.
type Config struct {
	// Name identifies the sink at the source. Empty generates
	// "camerasink-<uuid>".
	Name string
	// TargetFormat is the pixel format hint sent with every request.
	// Unknown means BGR.
	TargetFormat pixfmt.PixelFormat
	// DefaultTimeout bounds Grab. Zero means frame.DefaultTimeout.
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "camerasink-" + uuid.NewString()
	}
	if c.TargetFormat == pixfmt.Unknown {
		c.TargetFormat = pixfmt.BGR
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = frame.DefaultTimeout
	}
	return c
}

// Stats is a snapshot of sink activity.
type Stats struct {
	Name string
	// Grabs counts Grab calls, successful or not
	Grabs uint64
	// Frames counts grabs that returned a frame
	Frames uint64
	// Timeouts counts grabs that expired without a frame
	Timeouts uint64
	// SourceErrors counts grabs that failed at the source
	SourceErrors uint64
	// Interrupted counts grabs cancelled by Close
	Interrupted uint64
	// Rebuilds counts view constructions (layout changes)
	Rebuilds uint64
	// BytesCopied is the total payload copied into caller images
	BytesCopied uint64
	// LastTimestamp is the timestamp (µs) of the last frame
	LastTimestamp int64
	Width         int
	Height        int
	Format        pixfmt.PixelFormat
}

// Sink pulls frames from a source into caller-owned images.
//
// Grab, GrabTimeout and GrabNoTimeout must not be called concurrently with
// each other. Close, Err and Stats are safe from any goroutine.
type Sink struct {
	cfg    Config
	handle *frame.Handle
	cache  viewcache.Cache

	// ctx is cancelled by Close to interrupt a blocked request.
	ctx    context.Context
	cancel context.CancelFunc

	// grabMu is held for a whole grab; Close takes it to wait for an
	// in-flight copy before releasing the sink.
	grabMu sync.Mutex
	closed atomic.Bool

	errMu   sync.Mutex
	lastErr error

	statsMu sync.Mutex
	stats   Stats
}

// New opens a sink on src.
func New(src frame.Source, cfg Config) (*Sink, error) {
	cfg = cfg.withDefaults()

	h, err := frame.Open(src, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		cfg:    cfg,
		handle: h,
		ctx:    ctx,
		cancel: cancel,
	}
	s.stats.Name = cfg.Name

	slog.Info("camerasink: sink opened",
		"name", cfg.Name,
		"target_format", cfg.TargetFormat.String(),
		"timeout", cfg.DefaultTimeout,
	)
	return s, nil
}

// Name returns the sink name registered at the source.
func (s *Sink) Name() string {
	return s.cfg.Name
}

// Config returns the effective configuration.
func (s *Sink) Config() Config {
	return s.cfg
}

// Grab waits up to the configured default timeout for the next frame.
func (s *Sink) Grab(dst *pixbuf.Image) int64 {
	return s.grab(dst, s.cfg.DefaultTimeout)
}

// GrabTimeout waits up to timeout for the next frame. Zero uses the default
// timeout; a negative value waits without bound.
func (s *Sink) GrabTimeout(dst *pixbuf.Image, timeout time.Duration) int64 {
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	return s.grab(dst, timeout)
}

// GrabNoTimeout waits until a frame arrives or the sink is closed.
func (s *Sink) GrabNoTimeout(dst *pixbuf.Image) int64 {
	return s.grab(dst, frame.Unbounded)
}

func (s *Sink) grab(dst *pixbuf.Image, timeout time.Duration) int64 {
	s.grabMu.Lock()
	defer s.grabMu.Unlock()

	s.statsMu.Lock()
	s.stats.Grabs++
	s.statsMu.Unlock()

	if s.closed.Load() {
		s.setErr(frame.ErrClosed)
		return 0
	}
	if dst == nil {
		s.setErr(ErrNilImage)
		return 0
	}

	s.handle.SetHint(s.cfg.TargetFormat)

	ts, raw, err := s.handle.RequestNext(s.ctx, timeout)
	if err != nil {
		s.recordFailure(err)
		return 0
	}

	view := s.cache.Resolve(raw, s.handle)
	if err := view.CopyTo(dst); err != nil {
		s.recordFailure(err)
		return 0
	}

	s.setErr(nil)

	s.statsMu.Lock()
	s.stats.Frames++
	s.stats.Rebuilds = s.cache.Rebuilds()
	s.stats.BytesCopied += uint64(len(dst.Pix))
	s.stats.LastTimestamp = ts
	s.stats.Width = view.Width()
	s.stats.Height = view.Height()
	s.stats.Format = view.Format()
	s.statsMu.Unlock()

	return ts
}

func (s *Sink) recordFailure(err error) {
	s.statsMu.Lock()
	switch {
	case errors.Is(err, frame.ErrTimeout):
		s.stats.Timeouts++
	case errors.Is(err, frame.ErrInterrupted), errors.Is(err, frame.ErrClosed):
		s.stats.Interrupted++
	default:
		s.stats.SourceErrors++
	}
	s.statsMu.Unlock()

	// Attach the source's own diagnostic unless the cause already carries it
	if errors.Is(err, frame.ErrSourceFailed) {
		if srcErr := s.handle.LastError(); srcErr != nil && !errors.Is(err, srcErr) {
			err = fmt.Errorf("%w: %w", err, srcErr)
		}
	}

	if errors.Is(err, frame.ErrTimeout) {
		slog.Debug("camerasink: grab timed out", "name", s.cfg.Name)
	} else if !errors.Is(err, frame.ErrInterrupted) && !errors.Is(err, frame.ErrClosed) {
		slog.Warn("camerasink: grab failed", "name", s.cfg.Name, "error", err)
	}

	s.setErr(err)
}

func (s *Sink) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// Err returns the cause of the last failed grab, or nil after a successful
// one. Source failures include the source's LastError when it has one.
func (s *Sink) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// SourceError returns the source's own diagnostic for this sink.
func (s *Sink) SourceError() error {
	if s.closed.Load() {
		return frame.ErrClosed
	}
	return s.handle.LastError()
}

// Stats returns a snapshot of sink activity.
func (s *Sink) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close interrupts a blocked grab, waits for an in-flight copy to finish,
// drops the cached view and releases the sink at the source.
//
// Only the first call does any work; later calls return nil.
func (s *Sink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()

	s.grabMu.Lock()
	defer s.grabMu.Unlock()

	s.cache.Invalidate()
	err := s.handle.Close()

	if err != nil {
		slog.Warn("camerasink: sink release failed", "name", s.cfg.Name, "error", err)
		return err
	}
	slog.Info("camerasink: sink closed", "name", s.cfg.Name)
	return nil
}
