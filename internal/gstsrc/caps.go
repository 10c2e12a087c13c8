package gstsrc

import (
	"fmt"

	"github.com/e7canasta/camerasink/internal/pixfmt"
)

// rawFormat maps a pixel format to its GStreamer video/x-raw format name.
func rawFormat(f pixfmt.PixelFormat) (string, error) {
	switch f {
	case pixfmt.BGR:
		return "BGR", nil
	case pixfmt.Gray:
		return "GRAY8", nil
	case pixfmt.YUYV:
		return "YUY2", nil
	case pixfmt.RGB565:
		return "RGB16", nil
	default:
		return "", fmt.Errorf("gstsrc: no raw video format for %s", f)
	}
}

// framerate renders fps as a GStreamer fraction.
//
//   - fps >= 1: fps/1 (e.g., 15 → 15/1)
//   - fps < 1: 1/(1/fps) (e.g., 0.5 → 1/2)
func framerate(fps float64) string {
	if fps <= 0 {
		return "0/1"
	}
	if fps < 1 {
		return fmt.Sprintf("1/%d", int(1/fps))
	}
	return fmt.Sprintf("%d/1", int(fps))
}

// buildCaps builds the capsfilter string for the appsink side of the
// pipeline. MJPEG produces image/jpeg; every other format video/x-raw.
func buildCaps(f pixfmt.PixelFormat, width, height int, fps float64) (string, error) {
	if f == pixfmt.MJPEG {
		return fmt.Sprintf("image/jpeg,width=%d,height=%d,framerate=%s",
			width, height, framerate(fps)), nil
	}
	name, err := rawFormat(f)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%s",
		name, width, height, framerate(fps)), nil
}

// rawCaps is the caps string for the raw frames fed into jpegenc when a
// non-camera source produces MJPEG.
func rawCaps(width, height int, fps float64) string {
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%s",
		width, height, framerate(fps))
}

// testPatterns maps videotestsrc pattern nicks to their enum values.
var testPatterns = map[string]int{
	"smpte":    0,
	"snow":     1,
	"black":    2,
	"white":    3,
	"red":      4,
	"green":    5,
	"blue":     6,
	"checkers": 7,
	"circular": 12,
	"blink":    13,
	"zone":     15,
	"gradient": 16,
	"ball":     18,
	"smpte100": 19,
	"bar":      20,
}

// testPattern resolves a videotestsrc pattern name; empty means smpte.
func testPattern(name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	p, ok := testPatterns[name]
	if !ok {
		return 0, fmt.Errorf("gstsrc: unknown test pattern %q", name)
	}
	return p, nil
}

// rowStride returns the row pitch GStreamer uses for packed raw video:
// width*bpp rounded up to a multiple of 4. Zero (packed) for MJPEG.
func rowStride(f pixfmt.PixelFormat, width int) int {
	if f.IsCompressed() {
		return 0
	}
	n := width * pixfmt.LayoutFor(f).BytesPerPixel()
	return (n + 3) &^ 3
}

// strideFor picks the row pitch of a mapped buffer of size bytes: the
// aligned pitch when the buffer is exactly that large, otherwise 0 (packed).
func strideFor(f pixfmt.PixelFormat, width, height, size int) int {
	stride := rowStride(f, width)
	if stride == 0 || size != stride*height {
		return 0
	}
	return stride
}
