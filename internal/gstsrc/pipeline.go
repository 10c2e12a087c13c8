package gstsrc

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/camerasink/internal/config"
	"github.com/e7canasta/camerasink/internal/pixfmt"
)

// pipelineElements holds references needed for callbacks and teardown.
type pipelineElements struct {
	pipeline *gst.Pipeline
	appsink  *app.Sink
	// rtspsrc and depay are linked in pad-added; nil for other kinds
	rtspsrc *gst.Element
	depay   *gst.Element
}

// createPipeline builds (but does not start) the pipeline for cfg.
//
// Pipeline structure:
//
//	test: videotestsrc                                  ┐
//	v4l2: v4l2src                                       ├→ videoconvert → videoscale →
//	rtsp: rtspsrc → rtph264depay → avdec_h264           ┘   videorate → capsfilter → appsink
//
// MJPEG: v4l2 caps the camera's own JPEG output (no decode, no convert);
// test encodes the pattern with jpegenc after the raw capsfilter.
func createPipeline(cfg config.SourceConfig) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstsrc: create pipeline: %w", err)
	}

	el := &pipelineElements{pipeline: pipeline}

	head, err := sourceChain(cfg, el)
	if err != nil {
		return nil, err
	}

	tail, err := shapingChain(cfg)
	if err != nil {
		return nil, err
	}

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstsrc: create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	appsink.SetProperty("qos", true)
	el.appsink = appsink

	chain := append(append(head, tail...), appsink.Element)

	all := chain
	if el.rtspsrc != nil {
		all = append([]*gst.Element{el.rtspsrc}, chain...)
	}
	if err := pipeline.AddMany(all...); err != nil {
		return nil, fmt.Errorf("gstsrc: add elements: %w", err)
	}
	// rtspsrc has dynamic pads; it is linked in pad-added
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("gstsrc: link %s pipeline: %w", cfg.Kind, err)
	}

	slog.Debug("gstsrc: pipeline created",
		"kind", cfg.Kind,
		"format", cfg.Format.String(),
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
	)
	return el, nil
}

// sourceChain creates the producing elements. For rtsp, rtspsrc is stored
// in el and the returned chain starts at the depayloader.
func sourceChain(cfg config.SourceConfig, el *pipelineElements) ([]*gst.Element, error) {
	switch cfg.Kind {
	case config.SourceTest:
		src, err := newElement("videotestsrc")
		if err != nil {
			return nil, err
		}
		src.SetProperty("is-live", true)
		pattern, err := testPattern(cfg.Pattern)
		if err != nil {
			return nil, err
		}
		src.SetProperty("pattern", pattern)
		return []*gst.Element{src}, nil

	case config.SourceV4L2:
		src, err := newElement("v4l2src")
		if err != nil {
			return nil, err
		}
		src.SetProperty("device", cfg.Device)
		return []*gst.Element{src}, nil

	case config.SourceRTSP:
		src, err := newElement("rtspsrc")
		if err != nil {
			return nil, err
		}
		src.SetProperty("location", cfg.URL)
		src.SetProperty("protocols", 4) // TCP only
		latency := 200
		if cfg.FPS <= 2 {
			latency = 50
		}
		src.SetProperty("latency", latency)
		src.SetProperty("ntp-sync", false)

		depay, err := newElement("rtph264depay")
		if err != nil {
			return nil, err
		}
		depay.SetProperty("request-keyframe", true)

		dec, err := newElement("avdec_h264")
		if err != nil {
			return nil, err
		}
		dec.SetProperty("max-threads", 0)
		dec.SetProperty("output-corrupt", false)

		el.rtspsrc, el.depay = src, depay
		return []*gst.Element{depay, dec}, nil

	default:
		return nil, fmt.Errorf("gstsrc: unknown source kind %q", cfg.Kind)
	}
}

// shapingChain converts, scales and rate-limits to the configured caps.
func shapingChain(cfg config.SourceConfig) ([]*gst.Element, error) {
	fps := float64(cfg.FPS)

	// A camera that emits JPEG is only capped; decoding it would defeat
	// the passthrough.
	if cfg.Format == pixfmt.MJPEG && cfg.Kind == config.SourceV4L2 {
		capsStr, _ := buildCaps(pixfmt.MJPEG, cfg.Width, cfg.Height, fps)
		caps, err := capsFilter(capsStr)
		if err != nil {
			return nil, err
		}
		return []*gst.Element{caps}, nil
	}

	convert, err := newElement("videoconvert")
	if err != nil {
		return nil, err
	}
	convert.SetProperty("n-threads", 0)
	convert.SetProperty("dither", 0)

	scale, err := newElement("videoscale")
	if err != nil {
		return nil, err
	}

	rate, err := newElement("videorate")
	if err != nil {
		return nil, err
	}
	rate.SetProperty("drop-only", true)
	rate.SetProperty("skip-to-first", true)
	if fps <= 2 {
		rate.SetProperty("average-period", uint64(0))
	}

	if cfg.Format == pixfmt.MJPEG {
		raw, err := capsFilter(rawCaps(cfg.Width, cfg.Height, fps))
		if err != nil {
			return nil, err
		}
		enc, err := newElement("jpegenc")
		if err != nil {
			return nil, err
		}
		return []*gst.Element{convert, scale, rate, raw, enc}, nil
	}

	capsStr, err := buildCaps(cfg.Format, cfg.Width, cfg.Height, fps)
	if err != nil {
		return nil, err
	}
	caps, err := capsFilter(capsStr)
	if err != nil {
		return nil, err
	}
	return []*gst.Element{convert, scale, rate, caps}, nil
}

func newElement(factory string) (*gst.Element, error) {
	e, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("gstsrc: create %s: %w", factory, err)
	}
	return e, nil
}

func capsFilter(caps string) (*gst.Element, error) {
	f, err := newElement("capsfilter")
	if err != nil {
		return nil, err
	}
	f.SetProperty("caps", gst.NewCapsFromString(caps))
	return f, nil
}

// destroyPipeline sets the pipeline to NULL, releasing its resources.
func destroyPipeline(el *pipelineElements) error {
	if el == nil || el.pipeline == nil {
		return nil
	}
	if err := el.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstsrc: set pipeline to NULL: %w", err)
	}
	return nil
}

// checkGStreamerAvailable verifies the GStreamer runtime can create
// elements.
func checkGStreamerAvailable() error {
	gst.Init(nil)
	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("gstsrc: GStreamer not available: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}
