package gstsrc

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/camerasink/internal/mailbox"
)

// onNewSample copies the latest appsink sample into a frame and publishes it.
//
// A missing sample or an empty buffer is skipped rather than ending the
// stream: one corrupted frame should not kill the pipeline.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstsrc: failed to pull sample, skipping frame")
		s.skipped.Add(1)
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstsrc: sample without buffer, skipping frame")
		s.skipped.Add(1)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstsrc: empty buffer received")
		s.skipped.Add(1)
		return gst.FlowOK
	}

	// GStreamer reuses the buffer once we unmap
	payload := make([]byte, len(data))
	copy(payload, data)
	buffer.Unmap()

	f := &mailbox.Frame{
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Stride:    strideFor(s.cfg.Format, s.cfg.Width, s.cfg.Height, len(payload)),
		Format:    s.cfg.Format,
		Data:      payload,
		Timestamp: time.Now(),
	}

	seq := s.frames.Add(1)
	s.bytesRead.Add(uint64(len(payload)))
	s.lastFrameAt.Store(f.Timestamp.UnixNano())

	s.Publish(f)

	slog.Debug("gstsrc: frame published",
		"seq", seq,
		"size_bytes", len(payload),
		"trace_id", uuid.NewString(),
	)
	return gst.FlowOK
}

// onPadAdded links a dynamic rtspsrc pad to the depayloader.
func onPadAdded(srcPad *gst.Pad, depay *gst.Element) {
	slog.Debug("gstsrc: pad-added signal received", "pad", srcPad.GetName())

	sinkPad := depay.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gstsrc: depayloader has no sink pad")
		return
	}
	if sinkPad.IsLinked() {
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gstsrc: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("gstsrc: pads linked", "src_pad", srcPad.GetName())
}
