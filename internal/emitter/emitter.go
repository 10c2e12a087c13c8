// Package emitter publishes sink telemetry for the dashboard.
//
// Snapshots are msgpack-encoded and published to
// <topic_prefix>/<sink>/stats.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("emitter: not connected")

// Publisher delivers an encoded payload to a topic.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Telemetry is one stats snapshot of a sink and its source.
type Telemetry struct {
	Sink      string    `msgpack:"sink"`
	Timestamp time.Time `msgpack:"ts"`

	Grabs        uint64 `msgpack:"grabs"`
	Frames       uint64 `msgpack:"frames"`
	Timeouts     uint64 `msgpack:"timeouts"`
	SourceErrors uint64 `msgpack:"source_errors"`
	Rebuilds     uint64 `msgpack:"rebuilds"`
	BytesCopied  uint64 `msgpack:"bytes_copied"`

	LastFrameUS int64  `msgpack:"last_frame_us"`
	Width       int    `msgpack:"width"`
	Height      int    `msgpack:"height"`
	Format      string `msgpack:"format"`

	Source *SourceTelemetry `msgpack:"source,omitempty"`
}

// SourceTelemetry describes the frame source behind the sink.
type SourceTelemetry struct {
	Kind      string `msgpack:"kind"`
	State     string `msgpack:"state"`
	Published uint64 `msgpack:"published"`
	Drops     uint64 `msgpack:"drops"`
	Reconnect int    `msgpack:"reconnects"`
	LastError string `msgpack:"last_error,omitempty"`
}

// Encode serialises t as msgpack.
func Encode(t *Telemetry) ([]byte, error) {
	b, err := msgpack.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("emitter: encode telemetry: %w", err)
	}
	return b, nil
}

// Decode parses a msgpack telemetry payload.
func Decode(b []byte) (*Telemetry, error) {
	var t Telemetry
	if err := msgpack.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("emitter: decode telemetry: %w", err)
	}
	return &t, nil
}

// Emitter publishes telemetry snapshots through a Publisher.
type Emitter struct {
	pub    Publisher
	prefix string
	qos    byte

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// New creates an emitter publishing under prefix.
func New(pub Publisher, prefix string, qos byte) *Emitter {
	return &Emitter{pub: pub, prefix: prefix, qos: qos}
}

// Topic returns the stats topic for sink.
func (e *Emitter) Topic(sink string) string {
	return fmt.Sprintf("%s/%s/stats", e.prefix, sink)
}

// Emit encodes and publishes one snapshot.
func (e *Emitter) Emit(t *Telemetry) error {
	payload, err := Encode(t)
	if err == nil {
		err = e.pub.Publish(e.Topic(t.Sink), e.qos, payload)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.errors++
		return err
	}
	e.published++

	slog.Debug("emitter: telemetry published",
		"topic", e.Topic(t.Sink),
		"size", len(payload),
	)
	return nil
}

// Run emits snapshot() every interval until ctx is done. Publish failures
// are logged and do not stop the loop.
func (e *Emitter) Run(ctx context.Context, interval time.Duration, snapshot func() *Telemetry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Emit(snapshot()); err != nil {
				slog.Warn("emitter: telemetry publish failed", "error", err)
			}
		}
	}
}

// Stats contains emitter statistics.
type Stats struct {
	Published uint64
	Errors    uint64
}

// Stats returns emitter statistics.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Published: e.published, Errors: e.errors}
}
