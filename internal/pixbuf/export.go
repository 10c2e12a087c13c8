package pixbuf

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/e7canasta/camerasink/internal/pixfmt"
)

// ErrUnsupportedFormat is returned when an image cannot be converted.
var ErrUnsupportedFormat = errors.New("pixbuf: unsupported pixel format")

// Codec selects the snapshot file encoding.
type Codec string

const (
	// PNG encodes lossless PNG
	PNG Codec = "png"
	// JPEG encodes JPEG (MJPEG frames are written verbatim)
	JPEG Codec = "jpeg"
	// BMP encodes uncompressed BMP
	BMP Codec = "bmp"
	// TIFF encodes deflate-compressed TIFF
	TIFF Codec = "tiff"
)

// ParseCodec validates a codec name.
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case PNG, JPEG, BMP, TIFF:
		return Codec(s), nil
	case "jpg":
		return JPEG, nil
	case "tif":
		return TIFF, nil
	default:
		return "", fmt.Errorf("pixbuf: unsupported codec %q (must be png, jpeg, bmp or tiff)", s)
	}
}

// Ext returns the file extension for the codec.
func (c Codec) Ext() string {
	switch c {
	case JPEG:
		return "jpg"
	case BMP, TIFF:
		return string(c)
	default:
		return "png"
	}
}

// ToImage converts m into a standard library image.
//
// BGR and RGB565 produce *image.RGBA, Gray produces *image.Gray, YUYV produces
// *image.YCbCr (4:2:2) and MJPEG is decoded.
func ToImage(m *Image) (image.Image, error) {
	if m == nil || m.Empty() {
		return nil, fmt.Errorf("pixbuf: empty image")
	}
	rect := image.Rect(0, 0, m.Width, m.Height)

	switch m.Format {
	case pixfmt.BGR:
		img := image.NewRGBA(rect)
		for y := 0; y < m.Height; y++ {
			src := m.Row(y)
			dst := img.Pix[y*img.Stride : y*img.Stride+m.Width*4]
			for x := 0; x < m.Width; x++ {
				dst[x*4+0] = src[x*3+2] // R
				dst[x*4+1] = src[x*3+1] // G
				dst[x*4+2] = src[x*3+0] // B
				dst[x*4+3] = 0xFF
			}
		}
		return img, nil

	case pixfmt.Gray:
		img := image.NewGray(rect)
		for y := 0; y < m.Height; y++ {
			copy(img.Pix[y*img.Stride:], m.Row(y))
		}
		return img, nil

	case pixfmt.RGB565:
		img := image.NewRGBA(rect)
		for y := 0; y < m.Height; y++ {
			src := m.Row(y)
			dst := img.Pix[y*img.Stride : y*img.Stride+m.Width*4]
			for x := 0; x < m.Width; x++ {
				p := uint16(src[x*2]) | uint16(src[x*2+1])<<8
				r := uint8(p>>11) & 0x1F
				g := uint8(p>>5) & 0x3F
				b := uint8(p) & 0x1F
				dst[x*4+0] = r<<3 | r>>2
				dst[x*4+1] = g<<2 | g>>4
				dst[x*4+2] = b<<3 | b>>2
				dst[x*4+3] = 0xFF
			}
		}
		return img, nil

	case pixfmt.YUYV:
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
		for y := 0; y < m.Height; y++ {
			src := m.Row(y)
			for x := 0; x < m.Width; x++ {
				img.Y[y*img.YStride+x] = src[x*2]
			}
			for cx := 0; cx < (m.Width+1)/2; cx++ {
				i := cx * 4
				if i+3 >= len(src) {
					break
				}
				img.Cb[y*img.CStride+cx] = src[i+1]
				img.Cr[y*img.CStride+cx] = src[i+3]
			}
		}
		return img, nil

	case pixfmt.MJPEG:
		img, err := jpeg.Decode(bytes.NewReader(m.Pix))
		if err != nil {
			return nil, fmt.Errorf("pixbuf: decode mjpeg: %w", err)
		}
		return img, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, m.Format)
	}
}

// Encode writes m to w using codec. MJPEG frames requested as JPEG are
// written as-is; the trailing zero padding after EOI is ignored by decoders.
func Encode(w io.Writer, m *Image, codec Codec, quality int) error {
	if m != nil && m.Format == pixfmt.MJPEG && codec == JPEG {
		if _, err := w.Write(m.Pix); err != nil {
			return fmt.Errorf("pixbuf: write mjpeg: %w", err)
		}
		return nil
	}

	img, err := ToImage(m)
	if err != nil {
		return err
	}

	switch codec {
	case PNG:
		if err := png.Encode(w, img); err != nil {
			return fmt.Errorf("pixbuf: PNG encode failed: %w", err)
		}
	case JPEG:
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
			return fmt.Errorf("pixbuf: JPEG encode failed: %w", err)
		}
	case BMP:
		if err := bmp.Encode(w, img); err != nil {
			return fmt.Errorf("pixbuf: BMP encode failed: %w", err)
		}
	case TIFF:
		if err := tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
			return fmt.Errorf("pixbuf: TIFF encode failed: %w", err)
		}
	default:
		return fmt.Errorf("pixbuf: unsupported codec %q", codec)
	}
	return nil
}
