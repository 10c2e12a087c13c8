package gstsrc

import (
	"errors"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

var (
	// ErrEndOfStream is reported to sinks when the pipeline reaches EOS
	ErrEndOfStream = errors.New("gstsrc: end of stream")
	// ErrGaveUp is reported to sinks when reconnection is abandoned
	ErrGaveUp = errors.New("gstsrc: reconnection abandoned")
)

// ErrorCategory classifies pipeline errors for telemetry.
type ErrorCategory int

const (
	// ErrCategoryNetwork: connection, timeout, DNS
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec: decode, caps negotiation, missing plugin
	ErrCategoryCodec
	// ErrCategoryAuth: credentials rejected
	ErrCategoryAuth
	// ErrCategoryDevice: local capture device missing or busy
	ErrCategoryDevice
	// ErrCategoryUnknown: anything else
	ErrCategoryUnknown

	numCategories
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	case ErrCategoryDevice:
		return "device"
	default:
		return "unknown"
	}
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden",
		"authentication", "credentials", "password", "username",
	}
	deviceKeywords = []string{
		"/dev/video", "v4l2", "device is busy", "no such device",
		"cannot identify device", "permission denied",
	}
	codecKeywords = []string{
		"codec", "decode", "encode", "format", "negotiation", "caps",
		"h264", "h265", "mjpeg", "jpeg", "not negotiated", "no decoder",
		"missing plugin",
	}
	networkKeywords = []string{
		"connection", "timeout", "unreachable", "network", "dns",
		"resolve", "socket", "tcp", "udp", "rtsp", "not found",
		"could not connect", "failed to connect",
	}
)

// classify categorises an error from its message and debug string.
//
// Priority: auth, device, codec, network. The more specific categories are
// checked first because network keywords ("not found", "tcp") also appear
// in their messages.
func classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	switch {
	case containsAny(combined, authKeywords):
		return ErrCategoryAuth
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

// ClassifyGStreamerError categorises a bus error.
// go-gst's GError does not expose the domain, so classification is based on
// the message text.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// PipelineError is a classified bus error. It is what sinks receive
// (wrapped in frame.ErrSourceFailed) when the pipeline fails.
type PipelineError struct {
	Category ErrorCategory
	Message  string
	Debug    string
}

func (e *PipelineError) Error() string {
	return "gstsrc: pipeline error [" + e.Category.String() + "]: " + e.Message
}
