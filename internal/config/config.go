// Package config loads the camgrab YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/camerasink/internal/pixfmt"
)

// Source kinds
const (
	SourceTest = "test" // videotestsrc
	SourceV4L2 = "v4l2" // local camera device
	SourceRTSP = "rtsp" // network camera
)

// Config is the complete camgrab configuration.
type Config struct {
	Sink      SinkConfig      `yaml:"sink"`
	Source    SourceConfig    `yaml:"source"`
	Warmup    WarmupConfig    `yaml:"warmup"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SinkConfig configures the frame sink.
type SinkConfig struct {
	Name         string             `yaml:"name"`          // empty → generated
	TargetFormat pixfmt.PixelFormat `yaml:"target_format"` // bgr, gray, yuyv, rgb565, mjpeg
	Timeout      time.Duration      `yaml:"timeout"`       // per-grab bound (default 225ms)
	MaxRateHz    float64            `yaml:"max_rate_hz"`   // 0 = grab as fast as frames arrive
}

// SourceConfig selects and configures the native frame source.
type SourceConfig struct {
	Kind      string             `yaml:"kind"`    // test, v4l2, rtsp
	Device    string             `yaml:"device"`  // v4l2 device path
	URL       string             `yaml:"url"`     // rtsp URL
	Pattern   string             `yaml:"pattern"` // videotestsrc pattern
	Width     int                `yaml:"width"`
	Height    int                `yaml:"height"`
	FPS       int                `yaml:"fps"`
	Format    pixfmt.PixelFormat `yaml:"format"` // format produced by the pipeline
	Reconnect ReconnectConfig    `yaml:"reconnect"`
}

// ReconnectConfig bounds the source's reconnect loop.
type ReconnectConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// WarmupConfig configures the FPS measurement run before grabbing.
type WarmupConfig struct {
	Duration time.Duration `yaml:"duration"` // 0 disables warm-up
}

// TelemetryConfig configures the MQTT stats publisher.
type TelemetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"` // host:port or scheme://host:port
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Interval    time.Duration `yaml:"interval"`
}

// SnapshotConfig configures periodic frame export.
type SnapshotConfig struct {
	Dir      string        `yaml:"dir"`
	Codec    string        `yaml:"codec"`    // png, jpeg, bmp, tiff
	Quality  int           `yaml:"quality"`  // jpeg quality 1-100
	Interval time.Duration `yaml:"interval"` // 0 disables periodic snapshots
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // host:port; empty disables
}

// Default returns a configuration that grabs from a test pattern.
func Default() *Config {
	return &Config{
		Sink: SinkConfig{
			TargetFormat: pixfmt.BGR,
			Timeout:      225 * time.Millisecond,
		},
		Source: SourceConfig{
			Kind:    SourceTest,
			Pattern: "smpte",
			Width:   640,
			Height:  480,
			FPS:     30,
			Format:  pixfmt.BGR,
			Reconnect: ReconnectConfig{
				MaxRetries:   5,
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			Broker:      "localhost:1883",
			TopicPrefix: "camerasink",
			Interval:    5 * time.Second,
		},
		Snapshot: SnapshotConfig{
			Dir:     "snapshots",
			Codec:   "png",
			Quality: 90,
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}
