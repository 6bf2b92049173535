// Package capture implements push-to-talk audio recording. An Engine owns a
// single capture session at a time: frames stream in from a Source on a
// dedicated goroutine, and Stop turns the accumulated buffer into a typed
// CaptureResult with level statistics.
package capture

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/audio"
	"github.com/panda-one/go-panda/pkg/devices"
)

// State is the engine's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
)

func (s State) String() string {
	if s == StateRecording {
		return "recording"
	}
	return "idle"
}

// FailReason classifies an unsuccessful capture.
type FailReason int

const (
	FailNone FailReason = iota
	FailTooShort
	FailNoAudio
	FailDeviceUnavailable
	FailDeviceBusy
)

func (f FailReason) String() string {
	switch f {
	case FailTooShort:
		return "too_short"
	case FailNoAudio:
		return "no_audio_captured"
	case FailDeviceUnavailable:
		return "device_unavailable"
	case FailDeviceBusy:
		return "device_busy"
	default:
		return "none"
	}
}

// Result is the outcome of one capture session.
type Result struct {
	OK        bool
	Clip      *audio.Clip
	Duration  time.Duration
	RMS       float64
	Peak      float64
	Fail      FailReason
	SavedPath string
}

// ErrNotRecording is returned by Stop when no session is active.
var ErrNotRecording = errors.New("capture: not recording")

// LevelFunc receives normalized RMS level updates during capture.
type LevelFunc func(rms float64)

// levelInterval bounds level callback cadence to about 20 per second.
const levelInterval = 50 * time.Millisecond

// Options configures an Engine.
type Options struct {
	// Source provides audio frames. Required.
	Source Source

	// Registry, when set, validates DeviceIndex before the stream opens.
	Registry *devices.Registry

	// DeviceIndex selects the input device. Nil means the system default.
	DeviceIndex *int

	// MinDuration is enforced at Stop: shorter clips fail with FailTooShort.
	MinDuration time.Duration

	// MaxDuration is enforced during capture: once reached, frames are
	// read but no longer buffered, so Stop still succeeds truncated.
	MaxDuration time.Duration

	// SaveDir, when non-empty, persists each successful capture as a WAV
	// file under this directory.
	SaveDir string

	// OnLevel receives rate-limited RMS updates. Panics are recovered and
	// logged, never propagated into the read loop.
	OnLevel LevelFunc
}

// Engine records one push-to-talk session at a time.
type Engine struct {
	opts Options

	mu          sync.Mutex
	minDuration time.Duration
	maxDuration time.Duration
	state       State
	buf         []int16
	started     time.Time
	lastLevel   float64
	lastEmit    time.Time
	truncated   bool
	sourceErr   error
	cancelRead  context.CancelFunc
	done        chan struct{}
}

// NewEngine creates an engine. Source is the only required option.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, errors.New("capture: source is required")
	}
	return &Engine{
		opts:        opts,
		minDuration: opts.MinDuration,
		maxDuration: opts.MaxDuration,
	}, nil
}

// SetLimits replaces the min/max duration bounds. The new values apply to
// the current session: max from the next buffered frame, min at Stop.
func (e *Engine) SetLimits(min, max time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minDuration = min
	e.maxDuration = max
}

// Limits returns the current min/max duration bounds.
func (e *Engine) Limits() (min, max time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.minDuration, e.maxDuration
}

// Start opens the input stream and begins buffering frames.
// Calling Start while already recording is a logged no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRecording {
		log.Info("capture already recording, start ignored")
		return nil
	}

	if e.opts.Registry != nil {
		if _, err := e.opts.Registry.Validate(e.opts.DeviceIndex, devices.Input); err != nil {
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.opts.Source.Start(ctx); err != nil {
		cancel()
		return err
	}

	e.state = StateRecording
	e.buf = nil
	e.started = time.Now()
	e.lastLevel = 0
	e.lastEmit = time.Time{}
	e.truncated = false
	e.sourceErr = nil
	e.cancelRead = cancel
	e.done = make(chan struct{})

	go e.readLoop(ctx, e.done)

	log.Info("capture started",
		"source", e.opts.Source.Name(),
		"sample_rate", e.opts.Source.Config().SampleRate,
	)
	return nil
}

func (e *Engine) readLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	rate := float64(e.opts.Source.Config().SampleRate)

	for {
		frame, err := e.opts.Source.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.mu.Lock()
				e.sourceErr = err
				e.mu.Unlock()
			}
			return
		}

		level := audio.RMS(frame.Samples)

		e.mu.Lock()
		e.lastLevel = level
		maxSamples := 0
		if e.maxDuration > 0 {
			maxSamples = int(e.maxDuration.Seconds() * rate)
		}
		if maxSamples == 0 || len(e.buf) < maxSamples {
			room := len(frame.Samples)
			if maxSamples > 0 && len(e.buf)+room > maxSamples {
				room = maxSamples - len(e.buf)
			}
			e.buf = append(e.buf, frame.Samples[:room]...)
			if maxSamples > 0 && len(e.buf) >= maxSamples && !e.truncated {
				e.truncated = true
				log.Warn("capture hit max duration, no longer buffering",
					"max", e.maxDuration,
				)
			}
		}
		emit := e.opts.OnLevel != nil && time.Since(e.lastEmit) >= levelInterval
		if emit {
			e.lastEmit = time.Now()
		}
		e.mu.Unlock()

		if emit {
			e.emitLevel(level)
		}
	}
}

// emitLevel invokes the level callback, recovering any panic so a broken
// consumer cannot take down the read loop.
func (e *Engine) emitLevel(level float64) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("level callback panicked", "panic", r)
		}
	}()
	e.opts.OnLevel(level)
}

// Stop closes the stream and produces a Result. Clips shorter than the
// configured minimum fail with FailTooShort; an empty buffer fails with
// FailNoAudio or the device failure that caused it.
func (e *Engine) Stop() (*Result, error) {
	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		return nil, ErrNotRecording
	}
	e.state = StateIdle
	cancel := e.cancelRead
	done := e.done
	e.mu.Unlock()

	cancel()
	_ = e.opts.Source.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Warn("capture read loop slow to exit")
	}

	e.mu.Lock()
	buf := e.buf
	e.buf = nil
	sourceErr := e.sourceErr
	started := e.started
	minDuration := e.minDuration
	e.mu.Unlock()

	rate := e.opts.Source.Config().SampleRate
	clip := audio.NewClip(buf, rate)
	result := &Result{
		Duration: clip.Duration(),
		RMS:      audio.RMS(buf),
		Peak:     audio.Peak(buf),
	}

	if len(buf) == 0 {
		result.Fail = FailNoAudio
		switch {
		case errors.Is(sourceErr, ErrDeviceBusy):
			result.Fail = FailDeviceBusy
		case errors.Is(sourceErr, ErrDeviceUnavailable):
			result.Fail = FailDeviceUnavailable
		}
		log.Warn("capture produced no audio", "reason", result.Fail.String(), "error", sourceErr)
		return result, nil
	}

	if minDuration > 0 && clip.Duration() < minDuration {
		result.Fail = FailTooShort
		log.Info("capture too short",
			"duration", clip.Duration(),
			"min", minDuration,
		)
		return result, nil
	}

	result.OK = true
	result.Clip = clip

	if e.opts.SaveDir != "" {
		name := fmt.Sprintf("rec_%s.wav", started.Format("20060102_150405"))
		path := filepath.Join(e.opts.SaveDir, name)
		if err := audio.SaveWAV(clip, path); err != nil {
			log.Warn("failed to persist capture", "path", path, "error", err)
		} else {
			result.SavedPath = path
		}
	}

	log.Info("capture stopped",
		"duration", clip.Duration(),
		"rms", result.RMS,
		"peak", result.Peak,
	)
	return result, nil
}

// Cancel discards all buffered frames without producing a result.
// Safe to call when not recording.
func (e *Engine) Cancel() {
	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		return
	}
	e.state = StateIdle
	cancel := e.cancelRead
	done := e.done
	e.buf = nil
	e.mu.Unlock()

	cancel()
	_ = e.opts.Source.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	e.mu.Lock()
	e.buf = nil
	e.mu.Unlock()

	log.Info("capture cancelled")
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Level returns the most recent frame RMS, normalized to [0, 1].
func (e *Engine) Level() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastLevel
}

// Duration returns the elapsed session time, or zero when idle.
func (e *Engine) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRecording {
		return 0
	}
	return time.Since(e.started)
}
