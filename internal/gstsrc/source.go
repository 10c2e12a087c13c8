// Package gstsrc is a frame source backed by a GStreamer pipeline.
//
// The appsink callback copies every decoded frame into an embedded mailbox
// source, so sinks opened on it get latest-frame semantics. Pipeline errors
// are classified, reported to every sink through Fail, and followed by a
// rebuild with exponential backoff.
package gstsrc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/camerasink/internal/config"
	"github.com/e7canasta/camerasink/internal/mailbox"
)

// stopTimeout bounds how long Stop waits for the pipeline goroutine.
const stopTimeout = 3 * time.Second

// State is the lifecycle state of the pipeline.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of pipeline activity.
type Stats struct {
	Kind        string
	State       string
	Resolution  string
	FPSTarget   int
	FPSReal     float64
	Frames      uint64
	Skipped     uint64
	BytesRead   uint64
	Reconnects  uint32
	LatencyMS   int64 // time since last frame
	Errors      map[string]uint64
	LastError   string
	Mailbox     mailbox.Stats
	StartedAt   time.Time
	Uptime      time.Duration
	IsConnected bool
}

// Source is a GStreamer-fed frame.Source.
type Source struct {
	*mailbox.Source

	cfg config.SourceConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending *pipelineElements // built by Start, consumed by the first run
	started time.Time

	state       atomic.Int32
	frames      atomic.Uint64
	skipped     atomic.Uint64
	bytesRead   atomic.Uint64
	lastFrameAt atomic.Int64 // unix nanos
	errors      [numCategories]atomic.Uint64
	lastErr     atomic.Pointer[string]
	reconnect   reconnectState
}

// New validates cfg and checks that GStreamer is usable.
func New(cfg config.SourceConfig) (*Source, error) {
	if _, err := buildCaps(cfg.Format, cfg.Width, cfg.Height, float64(cfg.FPS)); err != nil {
		return nil, err
	}
	if cfg.Kind == config.SourceTest {
		if _, err := testPattern(cfg.Pattern); err != nil {
			return nil, err
		}
	}
	if cfg.Reconnect.InitialDelay <= 0 || cfg.Reconnect.MaxDelay <= 0 {
		return nil, fmt.Errorf("gstsrc: reconnect delays must be > 0")
	}
	if err := checkGStreamerAvailable(); err != nil {
		return nil, err
	}

	s := &Source{
		Source: mailbox.New(),
		cfg:    cfg,
	}

	slog.Info("gstsrc: source created",
		"kind", cfg.Kind,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
		"format", cfg.Format.String(),
	)
	return s, nil
}

// Start builds the pipeline and runs it in the background. It returns once
// the pipeline was asked to play; frames arrive asynchronously.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("gstsrc: already started")
	}
	if State(s.state.Load()) == StateStopped {
		return fmt.Errorf("gstsrc: stopped sources cannot be restarted")
	}

	el, err := createPipeline(s.cfg)
	if err != nil {
		return err
	}
	s.pending = el

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = time.Now()
	s.setState(StateConnecting)

	s.wg.Add(1)
	go s.run(runCtx)

	slog.Info("gstsrc: source started", "kind", s.cfg.Kind)
	return nil
}

func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()

	err := runWithReconnect(ctx, s.runOnce, s.cfg.Reconnect, &s.reconnect)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return
	default:
		s.setState(StateFailed)
		s.recordErr(err)
		s.Fail(err)
		slog.Error("gstsrc: pipeline stopped after reconnection failure",
			"error", err,
			"kind", s.cfg.Kind,
			"uptime", time.Since(s.started),
			"frames", s.frames.Load(),
			"reconnects", s.reconnect.reconnects.Load(),
		)
	}
}

// runOnce plays one pipeline until it fails or ctx ends.
func (s *Source) runOnce(ctx context.Context) error {
	s.mu.Lock()
	el := s.pending
	s.pending = nil
	s.mu.Unlock()

	if el == nil {
		s.setState(StateReconnecting)
		var err error
		if el, err = createPipeline(s.cfg); err != nil {
			s.recordErr(err)
			s.Fail(err)
			return err
		}
	}
	defer func() {
		if err := destroyPipeline(el); err != nil {
			slog.Error("gstsrc: failed to destroy pipeline", "error", err)
		}
	}()

	el.appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})
	if el.rtspsrc != nil {
		depay := el.depay
		el.rtspsrc.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
			onPadAdded(pad, depay)
		})
	}

	if err := el.pipeline.SetState(gst.StatePlaying); err != nil {
		err = fmt.Errorf("gstsrc: start pipeline: %w", err)
		s.recordErr(err)
		s.Fail(err)
		return err
	}

	err := s.monitor(ctx, el.pipeline)
	if err != nil {
		s.recordErr(err)
		// Blocked sinks return instead of waiting out the reconnect
		s.Fail(err)
	}
	return err
}

// monitor polls the pipeline bus. nil means ctx ended.
func (s *Source) monitor(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()

	for {
		if ctx.Err() != nil {
			slog.Debug("gstsrc: context cancelled, stopping pipeline monitor")
			return nil
		}

		// Short timeout keeps shutdown responsive
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstsrc: end of stream received",
				"kind", s.cfg.Kind,
				"frames", s.frames.Load(),
			)
			return ErrEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			perr := &PipelineError{Category: ErrCategoryUnknown}
			if gerr != nil {
				perr = &PipelineError{
					Category: ClassifyGStreamerError(gerr),
					Message:  gerr.Error(),
					Debug:    gerr.DebugString(),
				}
			}
			s.errors[perr.Category].Add(1)

			slog.Error("gstsrc: pipeline error",
				"error", perr.Message,
				"debug", perr.Debug,
				"category", perr.Category.String(),
				"kind", s.cfg.Kind,
				"frames", s.frames.Load(),
				"reconnects", s.reconnect.reconnects.Load(),
			)
			return perr

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			old, cur := msg.ParseStateChanged()
			slog.Debug("gstsrc: pipeline state changed", "from", old, "to", cur)
			if cur == gst.StatePlaying {
				s.reconnect.reset()
				if s.setState(StateStreaming) {
					slog.Info("gstsrc: pipeline playing, reconnect state reset")
				}
			}
		}
	}
}

// setState moves to next unless the source is already stopped. Stopped is
// terminal.
func (s *Source) setState(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) == StateStopped {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

func (s *Source) recordErr(err error) {
	msg := err.Error()
	s.lastErr.Store(&msg)
}

// Stop cancels the pipeline, waits for it to wind down and wakes every
// sink with frame.ErrClosed. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Swap(int32(StateStopped))) == StateStopped {
		return nil
	}

	if s.cancel != nil {
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopTimeout):
			slog.Warn("gstsrc: stop timeout exceeded, pipeline goroutine still running")
		}
	}
	if s.pending != nil {
		_ = destroyPipeline(s.pending)
		s.pending = nil
	}

	s.Shutdown()

	slog.Info("gstsrc: source stopped",
		"frames", s.frames.Load(),
		"reconnects", s.reconnect.reconnects.Load(),
		"uptime", time.Since(s.started),
	)
	return nil
}

// State returns the current lifecycle state.
func (s *Source) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of pipeline activity. Safe for concurrent use.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	frames := s.frames.Load()
	st := Stats{
		Kind:       s.cfg.Kind,
		State:      s.State().String(),
		Resolution: fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		FPSTarget:  s.cfg.FPS,
		Frames:     frames,
		Skipped:    s.skipped.Load(),
		BytesRead:  s.bytesRead.Load(),
		Reconnects: s.reconnect.reconnects.Load(),
		Errors:     make(map[string]uint64, numCategories),
		Mailbox:    s.Source.Stats(),
		StartedAt:  started,
	}
	st.IsConnected = st.State == StateStreaming.String()

	if !started.IsZero() {
		st.Uptime = time.Since(started)
		if secs := st.Uptime.Seconds(); secs > 0 {
			st.FPSReal = float64(frames) / secs
		}
	}
	if last := s.lastFrameAt.Load(); last != 0 {
		st.LatencyMS = time.Since(time.Unix(0, last)).Milliseconds()
	}
	for c := ErrorCategory(0); c < numCategories; c++ {
		st.Errors[c.String()] = s.errors[c].Load()
	}
	if msg := s.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}
