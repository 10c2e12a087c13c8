package mailbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camerasink/internal/frame"
	"github.com/e7canasta/camerasink/internal/pixfmt"
)

// slot is the per-sink mailbox.
//
// Architecture:
//   - Single-slot buffer (frame), overwrite on publish
//   - Blocking consume (sync.Cond.Wait), woken by publish, fail, close,
//     timeout or context cancellation
//   - Delivery buffer (buf) owned by the slot; keeps its identity until a
//     larger frame forces a reallocation
//
// All fields are protected by mu.
type slot struct {
	name string

	mu    sync.Mutex
	cond  *sync.Cond
	frame *Frame
	ts    int64

	pendingErr error
	lastErr    error
	closed     bool

	buf   []byte
	bufID uint64
	hint  pixfmt.PixelFormat

	lastConsumedAt   time.Time
	lastConsumedTS   int64
	delivered        uint64
	consecutiveDrops uint64
	totalDrops       uint64
	timeouts         uint64
	reallocs         uint64
}

// publish overwrites the pending frame and wakes the consumer.
func (sl *slot) publish(f *Frame, ts int64) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.closed {
		return
	}
	if sl.frame != nil {
		sl.consecutiveDrops++
		sl.totalDrops++
	}
	sl.frame = f
	sl.ts = ts
	sl.cond.Broadcast()
}

// fail records err for delivery on the next request.
func (sl *slot) fail(err error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.closed {
		return
	}
	sl.pendingErr = err
	sl.lastErr = err
	sl.cond.Broadcast()
}

// close marks the slot closed, releases the delivery buffer and wakes a
// pending request.
func (sl *slot) close() {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	sl.closed = true
	sl.frame = nil
	sl.buf = nil
	sl.cond.Broadcast()
}

// wake is used by timers and context callbacks to re-evaluate the wait loop.
func (sl *slot) wake() {
	sl.mu.Lock()
	sl.cond.Broadcast()
	sl.mu.Unlock()
}

// request waits for the next frame and copies it into raw.
//
// timeout < 0 waits without bound; timeout == 0 only takes a frame that is
// already pending.
func (sl *slot) request(ctx context.Context, timeout time.Duration, raw *frame.RawFrame, ids *atomic.Uint64) (int64, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.closed {
		return 0, frame.ErrClosed
	}
	sl.hint = raw.Format

	bounded := timeout >= 0
	var deadline time.Time
	if bounded {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, sl.wake)
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, sl.wake)
	defer stop()

	for sl.frame == nil && sl.pendingErr == nil && !sl.closed {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %w", frame.ErrInterrupted, err)
		}
		if bounded && !time.Now().Before(deadline) {
			sl.timeouts++
			sl.lastErr = frame.ErrTimeout
			return 0, frame.ErrTimeout
		}
		sl.cond.Wait()
	}

	if sl.closed {
		return 0, frame.ErrClosed
	}

	if sl.pendingErr != nil {
		err := sl.pendingErr
		sl.pendingErr = nil
		return 0, fmt.Errorf("%w: %w", frame.ErrSourceFailed, err)
	}

	f, ts := sl.frame, sl.ts
	sl.frame = nil
	sl.deliver(f, ts, raw, ids)

	sl.lastErr = nil
	sl.lastConsumedAt = time.Now()
	sl.lastConsumedTS = ts
	sl.delivered++
	sl.consecutiveDrops = 0

	return ts, nil
}

// deliver copies f into the slot's delivery buffer and fills raw.
//
// The buffer is sized to hold max(len(Data), stride*height) so a view over
// it never reads past the end; bytes after the payload are zeroed.
func (sl *slot) deliver(f *Frame, ts int64, raw *frame.RawFrame, ids *atomic.Uint64) {
	layout := pixfmt.LayoutFor(f.Format)
	stride := frame.StrideFromInt(f.Stride)

	need := stride.Bytes(f.Width, layout) * f.Height
	if len(f.Data) > need {
		need = len(f.Data)
	}

	if cap(sl.buf) < need || sl.bufID == 0 {
		sl.buf = make([]byte, need)
		sl.bufID = ids.Add(1)
		sl.reallocs++
	} else {
		sl.buf = sl.buf[:need]
	}

	n := copy(sl.buf, f.Data)
	clear(sl.buf[n:])

	raw.Width = f.Width
	raw.Height = f.Height
	raw.Stride = stride
	raw.Format = f.Format
	raw.Buffer = frame.BufferRef{ID: sl.bufID, Data: sl.buf}
	raw.Timestamp = ts
}
