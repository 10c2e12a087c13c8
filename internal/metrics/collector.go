// Package metrics exposes sink and source statistics to Prometheus.
//
// The collector reads Stats snapshots at scrape time instead of keeping its
// own counters, so the grab path carries no metrics cost.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/camerasink/internal/gstsrc"
	"github.com/e7canasta/camerasink/internal/sink"
)

const namespace = "camerasink"

var (
	grabsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "sink", "grabs_total"),
		"Total grab calls, successful or not",
		[]string{"sink"}, nil,
	)
	framesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "sink", "frames_total"),
		"Total grabs that delivered a frame",
		[]string{"sink"}, nil,
	)
	failuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "sink", "grab_failures_total"),
		"Total grabs that returned no frame, by reason",
		[]string{"sink", "reason"}, nil, // reason: timeout, source_error, interrupted
	)
	rebuildsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "sink", "view_rebuilds_total"),
		"Total view constructions caused by frame layout changes",
		[]string{"sink"}, nil,
	)
	bytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "sink", "bytes_copied_total"),
		"Total bytes copied into caller images",
		[]string{"sink"}, nil,
	)
	lastFrameDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "sink", "last_frame_timestamp_seconds"),
		"Capture timestamp of the last delivered frame",
		[]string{"sink"}, nil,
	)

	sourceFramesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "source", "frames_total"),
		"Total frames published by the pipeline",
		[]string{"kind"}, nil,
	)
	sourceSkippedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "source", "skipped_total"),
		"Total samples skipped (missing or empty buffers)",
		[]string{"kind"}, nil,
	)
	sourceFPSDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "source", "fps"),
		"Average frames per second since start",
		[]string{"kind"}, nil,
	)
	sourceReconnectsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "source", "reconnects_total"),
		"Total pipeline reconnect attempts",
		[]string{"kind"}, nil,
	)
	sourceErrorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "source", "errors_total"),
		"Total pipeline errors by category",
		[]string{"kind", "category"}, nil,
	)
	sourceUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "source", "up"),
		"1 while the pipeline is streaming",
		[]string{"kind"}, nil,
	)
	dropsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "mailbox", "drops_total"),
		"Total frames overwritten before the sink requested them",
		[]string{"sink"}, nil,
	)
)

// Collector reports sink and source statistics on every scrape.
type Collector struct {
	sink   func() sink.Stats
	source func() gstsrc.Stats
}

// NewCollector creates a collector. source may be nil when the sink is fed
// by something other than a GStreamer pipeline.
func NewCollector(sinkStats func() sink.Stats, sourceStats func() gstsrc.Stats) *Collector {
	return &Collector{sink: sinkStats, source: sourceStats}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		grabsDesc, framesDesc, failuresDesc, rebuildsDesc, bytesDesc, lastFrameDesc,
	} {
		ch <- d
	}
	if c.source != nil {
		for _, d := range []*prometheus.Desc{
			sourceFramesDesc, sourceSkippedDesc, sourceFPSDesc, sourceReconnectsDesc,
			sourceErrorsDesc, sourceUpDesc, dropsDesc,
		} {
			ch <- d
		}
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.sink()
	name := st.Name

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(grabsDesc, st.Grabs, name)
	counter(framesDesc, st.Frames, name)
	counter(failuresDesc, st.Timeouts, name, "timeout")
	counter(failuresDesc, st.SourceErrors, name, "source_error")
	counter(failuresDesc, st.Interrupted, name, "interrupted")
	counter(rebuildsDesc, st.Rebuilds, name)
	counter(bytesDesc, st.BytesCopied, name)
	gauge(lastFrameDesc, float64(st.LastTimestamp)/1e6, name)

	if c.source == nil {
		return
	}
	src := c.source()
	kind := src.Kind

	counter(sourceFramesDesc, src.Frames, kind)
	counter(sourceSkippedDesc, src.Skipped, kind)
	gauge(sourceFPSDesc, src.FPSReal, kind)
	counter(sourceReconnectsDesc, uint64(src.Reconnects), kind)
	for category, n := range src.Errors {
		counter(sourceErrorsDesc, n, kind, category)
	}
	up := 0.0
	if src.IsConnected {
		up = 1
	}
	gauge(sourceUpDesc, up, kind)
	counter(dropsDesc, src.Mailbox.Sinks[name].TotalDrops, name)
}
