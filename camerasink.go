package camerasink

import (
	"time"

	"github.com/e7canasta/camerasink/internal/frame"
	"github.com/e7canasta/camerasink/internal/mailbox"
	"github.com/e7canasta/camerasink/internal/pixbuf"
	"github.com/e7canasta/camerasink/internal/pixfmt"
	"github.com/e7canasta/camerasink/internal/sink"
)

// PixelFormat is re-exported from internal/pixfmt.
type PixelFormat = pixfmt.PixelFormat

const (
	Unknown = pixfmt.Unknown
	MJPEG   = pixfmt.MJPEG
	YUYV    = pixfmt.YUYV
	RGB565  = pixfmt.RGB565
	BGR     = pixfmt.BGR
	Gray    = pixfmt.Gray
)

// ChannelLayout is re-exported from internal/pixfmt.
type ChannelLayout = pixfmt.ChannelLayout

// LayoutFor returns the channel layout a frame of format f is viewed with.
func LayoutFor(f PixelFormat) ChannelLayout {
	return pixfmt.LayoutFor(f)
}

// Image is the caller-owned destination of a grab.
// See internal/pixbuf for full documentation.
type Image = pixbuf.Image

// NewImage allocates an image of the given shape.
func NewImage(width, height int, format PixelFormat) *Image {
	return pixbuf.New(width, height, format)
}

// Source is the capability a native frame producer implements.
// See internal/frame/source.go for the contract.
type Source = frame.Source

// RawFrame, Stride, BufferRef and SinkHandle are the types a Source
// implementation fills in.
type (
	RawFrame   = frame.RawFrame
	Stride     = frame.Stride
	BufferRef  = frame.BufferRef
	SinkHandle = frame.SinkHandle
)

// StrideAuto derives the row pitch from width and channel layout.
func StrideAuto() Stride { return frame.StrideAuto() }

// StrideExplicit uses n bytes per row.
func StrideExplicit(n int) Stride { return frame.StrideExplicit(n) }

const (
	// DefaultTimeout bounds Grab
	DefaultTimeout = frame.DefaultTimeout
	// Unbounded waits until a frame arrives or the sink is closed
	Unbounded = frame.Unbounded
)

// Errors reported through Sink.Err. Use errors.Is.
var (
	ErrTimeout      = frame.ErrTimeout
	ErrSourceFailed = frame.ErrSourceFailed
	ErrClosed       = frame.ErrClosed
	ErrInterrupted  = frame.ErrInterrupted
	ErrNilImage     = sink.ErrNilImage
)

// Config is re-exported from internal/sink.
type Config = sink.Config

// Stats is re-exported from internal/sink.
type Stats = sink.Stats

// Sink pulls frames from a Source into caller-owned images.
//
// Lifecycle:
//  1. s, err := camerasink.New(src, cfg)
//  2. ts := s.Grab(&img)  // repeatedly, one goroutine
//  3. s.Close()           // any goroutine
//
// Implementation is in internal/sink (hidden from clients).
type Sink interface {
	// Name returns the sink name registered at the source.
	Name() string

	// Grab waits up to Config.DefaultTimeout for the next frame and copies
	// it into dst, resizing dst when the frame shape changed.
	//
	// Returns the frame timestamp in microseconds (> 0), or 0 when no frame
	// was delivered. On 0, dst is left untouched and Err reports why.
	Grab(dst *Image) int64

	// GrabTimeout is Grab with an explicit bound. Zero uses the default;
	// a negative value waits without bound.
	GrabTimeout(dst *Image, timeout time.Duration) int64

	// GrabNoTimeout waits until a frame arrives or the sink is closed.
	GrabNoTimeout(dst *Image) int64

	// Err returns the cause of the last failed grab, or nil after a
	// successful one.
	Err() error

	// SourceError returns the source's own diagnostic for this sink.
	SourceError() error

	// Stats returns a snapshot of sink activity. Safe for concurrent use.
	Stats() Stats

	// Close interrupts a blocked grab, waits for an in-flight copy and
	// releases the sink at the source. Idempotent.
	Close() error
}

// New opens a sink named cfg.Name on src.
func New(src Source, cfg Config) (Sink, error) {
	s, err := sink.New(src, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Mailbox is an in-process Source fed by Publish.
// See internal/mailbox for full documentation.
type Mailbox = mailbox.Source

// MailboxFrame is a frame handed to Mailbox.Publish.
type MailboxFrame = mailbox.Frame

// MailboxStats is re-exported from internal/mailbox.
type MailboxStats = mailbox.Stats

// NewMailbox creates an empty in-process source.
func NewMailbox() *Mailbox {
	return mailbox.New()
}
