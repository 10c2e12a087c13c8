package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/e7canasta/camerasink/internal/pixbuf"
	"github.com/e7canasta/camerasink/internal/pixfmt"
)

var sinkNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Validate checks cfg and fills derived defaults.
func Validate(cfg *Config) error {
	if err := validateSink(&cfg.Sink); err != nil {
		return err
	}
	if err := validateSource(&cfg.Source); err != nil {
		return err
	}
	if cfg.Warmup.Duration < 0 {
		return fmt.Errorf("warmup.duration must be >= 0")
	}
	if err := validateTelemetry(&cfg.Telemetry, cfg.Sink.Name); err != nil {
		return err
	}
	if err := validateSnapshot(&cfg.Snapshot); err != nil {
		return err
	}
	if cfg.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}
	return nil
}

func validateSink(s *SinkConfig) error {
	if s.Name != "" && !sinkNamePattern.MatchString(s.Name) {
		return fmt.Errorf("sink.name must match pattern [A-Za-z0-9_-]+")
	}
	if s.TargetFormat == pixfmt.Unknown {
		s.TargetFormat = pixfmt.BGR
	}
	if s.Timeout < 0 {
		return fmt.Errorf("sink.timeout must be >= 0")
	}
	if s.MaxRateHz < 0 {
		return fmt.Errorf("sink.max_rate_hz must be >= 0")
	}
	return nil
}

func validateSource(s *SourceConfig) error {
	switch s.Kind {
	case SourceTest:
	case SourceV4L2:
		if s.Device == "" {
			s.Device = "/dev/video0"
		}
	case SourceRTSP:
		if s.URL == "" {
			return fmt.Errorf("source.url is required for kind %q", SourceRTSP)
		}
		if !strings.HasPrefix(s.URL, "rtsp://") && !strings.HasPrefix(s.URL, "rtsps://") {
			return fmt.Errorf("source.url must start with rtsp:// or rtsps://, got %q", s.URL)
		}
	default:
		return fmt.Errorf("source.kind %q unknown (must be test, v4l2 or rtsp)", s.Kind)
	}

	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("source resolution must be > 0, got %dx%d", s.Width, s.Height)
	}
	if s.FPS <= 0 {
		return fmt.Errorf("source.fps must be > 0")
	}
	if s.Format == pixfmt.Unknown {
		return fmt.Errorf("source.format is required")
	}
	if s.Format == pixfmt.MJPEG && s.Kind == SourceRTSP {
		return fmt.Errorf("source.format mjpeg is only supported for v4l2 and test sources")
	}

	r := &s.Reconnect
	if r.MaxRetries < 0 {
		return fmt.Errorf("source.reconnect.max_retries must be >= 0")
	}
	if r.InitialDelay <= 0 || r.MaxDelay <= 0 {
		return fmt.Errorf("source.reconnect delays must be > 0")
	}
	if r.InitialDelay > r.MaxDelay {
		return fmt.Errorf("source.reconnect.initial_delay (%s) exceeds max_delay (%s)", r.InitialDelay, r.MaxDelay)
	}
	return nil
}

func validateTelemetry(t *TelemetryConfig, sinkName string) error {
	if !t.Enabled {
		return nil
	}
	if t.Broker == "" {
		return fmt.Errorf("telemetry.broker is required when telemetry is enabled")
	}
	if t.QoS > 2 {
		return fmt.Errorf("telemetry.qos must be 0, 1 or 2")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("telemetry.interval must be > 0")
	}
	if t.TopicPrefix == "" {
		t.TopicPrefix = "camerasink"
	}
	if t.ClientID == "" && sinkName != "" {
		t.ClientID = "camgrab-" + sinkName
	}
	return nil
}

func validateSnapshot(s *SnapshotConfig) error {
	if _, err := pixbuf.ParseCodec(s.Codec); err != nil {
		return fmt.Errorf("snapshot.codec: %w", err)
	}
	if s.Quality < 1 || s.Quality > 100 {
		return fmt.Errorf("snapshot.quality must be in [1,100], got %d", s.Quality)
	}
	if s.Interval < 0 {
		return fmt.Errorf("snapshot.interval must be >= 0")
	}
	if s.Interval > 0 && s.Dir == "" {
		return fmt.Errorf("snapshot.dir is required when snapshot.interval is set")
	}
	return nil
}
