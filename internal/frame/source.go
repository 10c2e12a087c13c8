package frame

import (
	"context"
	"errors"
	"time"
)

// SinkHandle identifies a sink registered with a Source.
type SinkHandle uint32

const (
	// DefaultTimeout bounds a request made without an explicit timeout
	DefaultTimeout = 225 * time.Millisecond

	// Unbounded makes a request wait until a frame arrives or the sink is closed
	Unbounded time.Duration = -1
)

var (
	// ErrTimeout is returned when no frame arrived within the timeout
	ErrTimeout = errors.New("frame: timed out waiting for frame")
	// ErrSourceFailed wraps an error reported by the frame source
	ErrSourceFailed = errors.New("frame: source error")
	// ErrClosed is returned after the sink or handle has been closed
	ErrClosed = errors.New("frame: sink closed")
	// ErrInterrupted is returned when the caller's context ended the wait
	ErrInterrupted = errors.New("frame: wait interrupted")
	// ErrUnknownSink is returned for a handle the source never issued
	ErrUnknownSink = errors.New("frame: unknown sink handle")
)

// Source is the capability provided by a native frame producer.
//
// Implementations must guarantee:
//   - RequestNext blocks only the calling goroutine and holds no lock the
//     producer needs while waiting
//   - RequestNext fills f in place and returns the frame timestamp in
//     microseconds (> 0), or 0 with an error describing why no frame came
//   - f.Buffer stays valid until the next RequestNext or Close for the sink
//   - Close wakes a pending RequestNext on the same sink
type Source interface {
	// CreateSink registers a sink under an arbitrary unique name.
	CreateSink(name string) (SinkHandle, error)

	// RequestNext waits for the next frame for sink h.
	//
	// timeout < 0 waits without bound. f.Format carries the caller's
	// interpretation hint on entry; sources may convert to it or ignore it.
	RequestNext(ctx context.Context, h SinkHandle, timeout time.Duration, f *RawFrame) (int64, error)

	// LastError returns the most recent error recorded for sink h, if any.
	LastError(h SinkHandle) error

	// Close releases the sink. Buffers handed out for h become invalid.
	Close(h SinkHandle) error
}
