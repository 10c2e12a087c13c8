// Package pixbuf implements the caller-owned output buffer frames are copied
// into, plus conversion to the standard library image types for export.
package pixbuf

import (
	"github.com/e7canasta/camerasink/internal/pixfmt"
)

// Image is a mutable, tightly packed pixel buffer owned by the caller.
//
// The zero value is an empty image; Reshape allocates on first use.
type Image struct {
	Width  int
	Height int
	Format pixfmt.PixelFormat
	Layout pixfmt.ChannelLayout
	// Stride is the row pitch in bytes (always Width * BytesPerPixel)
	Stride int
	Pix    []byte
}

// New allocates an image of the given size and format.
func New(width, height int, format pixfmt.PixelFormat) *Image {
	img := &Image{}
	img.Reshape(width, height, format)
	return img
}

// Reshape sets the dimensions and format of the image. The pixel slice is
// reallocated only when its capacity is too small; contents are not
// preserved across a change of shape.
//
// Returns true if a new pixel slice was allocated.
func (m *Image) Reshape(width, height int, format pixfmt.PixelFormat) bool {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	layout := pixfmt.LayoutFor(format)
	stride := width * layout.BytesPerPixel()
	size := stride * height

	m.Width = width
	m.Height = height
	m.Format = format
	m.Layout = layout
	m.Stride = stride

	if cap(m.Pix) < size {
		m.Pix = make([]byte, size)
		return true
	}
	m.Pix = m.Pix[:size]
	return false
}

// Matches reports whether the image already has the given shape.
func (m *Image) Matches(width, height int, format pixfmt.PixelFormat) bool {
	return m.Width == width &&
		m.Height == height &&
		m.Layout == pixfmt.LayoutFor(format) &&
		m.Format == format &&
		len(m.Pix) == m.Stride*m.Height
}

// Row returns the bytes of row y.
func (m *Image) Row(y int) []byte {
	off := y * m.Stride
	return m.Pix[off : off+m.Stride]
}

// Empty reports whether the image holds no pixels.
func (m *Image) Empty() bool {
	return m.Width == 0 || m.Height == 0
}
