// Package viewcache builds non-owning views over borrowed frame buffers and
// reuses them while the frame layout stays the same.
package viewcache

import (
	"errors"
	"fmt"

	"github.com/e7canasta/camerasink/internal/frame"
	"github.com/e7canasta/camerasink/internal/pixbuf"
	"github.com/e7canasta/camerasink/internal/pixfmt"
)

// ErrStaleView is returned when a view is read after its buffer was handed
// back to the frame source.
var ErrStaleView = errors.New("viewcache: view is stale")

// Lease reports the generation of the buffer a view borrows from.
// frame.Handle implements it.
type Lease interface {
	Generation() uint64
}

// View interprets a borrowed buffer as a 2D grid of pixels.
//
// A View never owns its bytes. It is valid only while the lease generation
// equals the generation recorded when the view was last resolved, i.e. until
// the next request on the owning handle.
type View struct {
	data   []byte
	width  int
	height int
	stride int
	format pixfmt.PixelFormat
	layout pixfmt.ChannelLayout

	lease Lease
	gen   uint64
}

// newView builds a view over raw's buffer. An Auto stride is derived from the
// width and layout.
func newView(raw *frame.RawFrame, lease Lease) *View {
	layout := pixfmt.LayoutFor(raw.Format)
	return &View{
		data:   raw.Buffer.Data,
		width:  raw.Width,
		height: raw.Height,
		stride: raw.Stride.Bytes(raw.Width, layout),
		format: raw.Format,
		layout: layout,
		lease:  lease,
		gen:    lease.Generation(),
	}
}

// Width returns the view width in pixels.
func (v *View) Width() int { return v.width }

// Height returns the view height in pixels.
func (v *View) Height() int { return v.height }

// Stride returns the row pitch of the borrowed buffer in bytes.
func (v *View) Stride() int { return v.stride }

// Format returns the pixel format the view was built for.
func (v *View) Format() pixfmt.PixelFormat { return v.format }

// Layout returns the channel layout the view was built for.
func (v *View) Layout() pixfmt.ChannelLayout { return v.layout }

// Valid reports whether the borrowed buffer may still be read.
func (v *View) Valid() bool {
	return v.lease != nil && v.lease.Generation() == v.gen
}

func (v *View) check() error {
	if !v.Valid() {
		return ErrStaleView
	}
	return nil
}

// rowBytes is the number of pixel bytes in one row, excluding stride padding.
func (v *View) rowBytes() int {
	return v.width * v.layout.BytesPerPixel()
}

// Row returns the pixel bytes of row y, aliasing the borrowed buffer.
// A row that runs past the end of the buffer is truncated.
func (v *View) Row(y int) ([]byte, error) {
	if err := v.check(); err != nil {
		return nil, err
	}
	if y < 0 || y >= v.height {
		return nil, fmt.Errorf("viewcache: row %d out of range [0,%d)", y, v.height)
	}
	start := y * v.stride
	if start >= len(v.data) {
		return nil, nil
	}
	end := start + v.rowBytes()
	if end > len(v.data) {
		end = len(v.data)
	}
	return v.data[start:end], nil
}

// CopyTo copies the view into dst, reshaping dst if its dimensions or layout
// differ. Stride padding is dropped; bytes past the end of the borrowed
// buffer are written as zero.
func (v *View) CopyTo(dst *pixbuf.Image) error {
	if err := v.check(); err != nil {
		return err
	}
	if dst == nil {
		return fmt.Errorf("viewcache: nil destination")
	}
	if v.width < 0 || v.height < 0 || v.stride < 0 {
		return fmt.Errorf("viewcache: invalid geometry %s", v)
	}
	if !dst.Matches(v.width, v.height, v.format) {
		dst.Reshape(v.width, v.height, v.format)
	}

	rowBytes := v.rowBytes()

	// Tightly packed and fully backed: single copy
	if v.stride == rowBytes && len(v.data) >= rowBytes*v.height {
		copy(dst.Pix, v.data[:rowBytes*v.height])
		return nil
	}

	for y := 0; y < v.height; y++ {
		out := dst.Row(y)
		start := y * v.stride
		n := 0
		if start < len(v.data) {
			end := start + rowBytes
			if end > len(v.data) {
				end = len(v.data)
			}
			n = copy(out, v.data[start:end])
		}
		clear(out[n:])
	}
	return nil
}

// String describes the view, e.g. "640x480 8UC3 stride=1920".
func (v *View) String() string {
	return fmt.Sprintf("%dx%d %s stride=%d", v.width, v.height, v.layout, v.stride)
}
