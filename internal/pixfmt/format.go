// Package pixfmt maps camera pixel encodings to the byte layout used to
// interpret a raw frame buffer.
package pixfmt

import (
	"fmt"
	"strings"
)

// PixelFormat identifies the encoding of a raw frame buffer.
type PixelFormat int

const (
	// Unknown is any encoding the registry does not recognize
	Unknown PixelFormat = iota
	// MJPEG is a motion-JPEG compressed frame (opaque bytes)
	MJPEG
	// YUYV is packed YUV 4:2:2 (Y0 U Y1 V)
	YUYV
	// RGB565 is 16-bit packed RGB
	RGB565
	// BGR is 24-bit B, G, R byte order
	BGR
	// Gray is 8-bit luminance
	Gray
)

// ElemType is the storage type of a single channel.
type ElemType int

const (
	// Uint8 is an unsigned 8-bit channel
	Uint8 ElemType = iota
)

// Size returns the size of one channel element in bytes.
func (e ElemType) Size() int {
	switch e {
	case Uint8:
		return 1
	default:
		return 1
	}
}

// ChannelLayout describes how raw bytes map to pixel channels.
type ChannelLayout struct {
	Elem     ElemType
	Channels int
}

// BytesPerPixel returns the number of bytes a single pixel occupies.
func (l ChannelLayout) BytesPerPixel() int {
	return l.Elem.Size() * l.Channels
}

// String returns the layout in "8UC3" notation.
func (l ChannelLayout) String() string {
	return fmt.Sprintf("%dUC%d", 8*l.Elem.Size(), l.Channels)
}

// LayoutFor returns the channel layout for a pixel format.
//
// Total over every PixelFormat value: unrecognized formats fall back to a
// single 8-bit channel. MJPEG is not decoded here; its bytes are interpreted
// as a single-channel plane.
func LayoutFor(f PixelFormat) ChannelLayout {
	switch f {
	case YUYV, RGB565:
		return ChannelLayout{Elem: Uint8, Channels: 2}
	case BGR:
		return ChannelLayout{Elem: Uint8, Channels: 3}
	default:
		// Gray, MJPEG, Unknown and out-of-range values
		return ChannelLayout{Elem: Uint8, Channels: 1}
	}
}

// IsCompressed reports whether buffers in this format carry compressed data.
func (f PixelFormat) IsCompressed() bool {
	return f == MJPEG
}

// String returns a human-readable name for the format.
func (f PixelFormat) String() string {
	switch f {
	case MJPEG:
		return "MJPEG"
	case YUYV:
		return "YUYV"
	case RGB565:
		return "RGB565"
	case BGR:
		return "BGR"
	case Gray:
		return "Gray"
	default:
		return "Unknown"
	}
}

// All returns every defined format, Unknown included.
func All() []PixelFormat {
	return []PixelFormat{Unknown, MJPEG, YUYV, RGB565, BGR, Gray}
}

// ParsePixelFormat parses a format name as used in config files and flags.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bgr", "bgr24", "bgr3":
		return BGR, nil
	case "gray", "grey", "gray8", "y8":
		return Gray, nil
	case "yuyv", "yuy2", "yuv422":
		return YUYV, nil
	case "rgb565", "rgb16":
		return RGB565, nil
	case "mjpeg", "mjpg", "jpeg":
		return MJPEG, nil
	case "unknown":
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("pixfmt: unsupported pixel format %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so formats can be used
// directly in YAML config.
func (f *PixelFormat) UnmarshalText(text []byte) error {
	parsed, err := ParsePixelFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (f PixelFormat) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(f.String())), nil
}
