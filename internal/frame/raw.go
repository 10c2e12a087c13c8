// Package frame holds the per-sink frame metadata record and the handle that
// asks an external frame source to fill it.
package frame

import (
	"fmt"

	"github.com/e7canasta/camerasink/internal/pixfmt"
)

// Stride is the row pitch of a frame buffer.
//
// The zero value is Auto: the pitch is derived from width and channel layout
// (tightly packed rows).
type Stride struct {
	explicit bool
	bytes    int
}

// StrideAuto returns a tightly-packed stride.
func StrideAuto() Stride {
	return Stride{}
}

// StrideExplicit returns a stride of n bytes per row.
func StrideExplicit(n int) Stride {
	return Stride{explicit: true, bytes: n}
}

// StrideFromInt converts the conventional integer encoding used by native
// sources, where 0 (or a negative value) means tightly packed.
func StrideFromInt(n int) Stride {
	if n <= 0 {
		return StrideAuto()
	}
	return StrideExplicit(n)
}

// IsAuto reports whether the stride is derived from width and layout.
func (s Stride) IsAuto() bool {
	return !s.explicit
}

// Bytes resolves the row pitch for a row of width pixels in the given layout.
// An explicit stride smaller than the packed row is widened to the packed row.
func (s Stride) Bytes(width int, layout pixfmt.ChannelLayout) int {
	packed := width * layout.BytesPerPixel()
	if !s.explicit || s.bytes < packed {
		return packed
	}
	return s.bytes
}

// String returns "auto" or the explicit byte count.
func (s Stride) String() string {
	if !s.explicit {
		return "auto"
	}
	return fmt.Sprintf("%d", s.bytes)
}

// BufferRef is a borrowed reference to a buffer owned by the frame source.
//
// ID identifies the backing storage: the source keeps the same ID for as long
// as the storage is reused, and assigns a new one whenever it reallocates.
// Data is valid only until the next RequestNext on the same sink.
type BufferRef struct {
	ID   uint64
	Data []byte
}

// RawFrame is the metadata record for the most recently delivered frame.
// Sources overwrite it in place on every request.
type RawFrame struct {
	Width  int
	Height int
	Stride Stride
	Format pixfmt.PixelFormat
	Buffer BufferRef
	// Timestamp in 1 microsecond units
	Timestamp int64
}

// Reset clears the record and stores format as the interpretation hint the
// source sees on the next request.
func (f *RawFrame) Reset(hint pixfmt.PixelFormat) {
	*f = RawFrame{Format: hint}
}

// Layout returns the channel layout of the frame's pixel format.
func (f *RawFrame) Layout() pixfmt.ChannelLayout {
	return pixfmt.LayoutFor(f.Format)
}

// Fingerprint returns the cache key describing the frame's memory layout.
func (f *RawFrame) Fingerprint() Fingerprint {
	return Fingerprint{
		BufferID: f.Buffer.ID,
		Width:    f.Width,
		Height:   f.Height,
		Format:   f.Format,
	}
}

// Fingerprint is the minimal key used to decide whether a view built for a
// previous frame still describes the current one. Frames with equal
// fingerprints share the same memory layout.
type Fingerprint struct {
	BufferID uint64
	Width    int
	Height   int
	Format   pixfmt.PixelFormat
}

// String returns e.g. "buf#3 640x480 BGR".
func (fp Fingerprint) String() string {
	return fmt.Sprintf("buf#%d %dx%d %s", fp.BufferID, fp.Width, fp.Height, fp.Format)
}
