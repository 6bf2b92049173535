// Package synth provides text-to-speech synthesis behind a single engine
// that serializes access to the underlying backend. Backends form a fixed
// fallback chain resolved once at startup: a synthesis server, a local
// piper subprocess, and a null backend that only logs.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"github.com/panda-one/go-panda/internal/config"
	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/audio"
)

// Kind identifies a synthesis backend. The set is closed: every backend the
// engine will ever use is listed here and constructed by Resolve.
type Kind int

const (
	KindNull Kind = iota
	KindPiper
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindPiper:
		return "piper"
	default:
		return "null"
	}
}

// MarshalText makes kinds readable in JSON health payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Backend produces audio for text. Implementations are not required to be
// safe for concurrent use; the Engine serializes calls.
type Backend interface {
	Kind() Kind

	// Warmup prepares the backend (loads models, checks the daemon).
	Warmup(ctx context.Context) error

	// Synthesize converts text to a mono PCM16 clip.
	Synthesize(ctx context.Context, text string, lang language.Tag) (*audio.Clip, error)

	// Healthcheck verifies the backend can currently synthesize.
	Healthcheck(ctx context.Context) error

	Close() error
}

// deviceFallback is implemented by backends that run on an accelerated
// device and can retreat to the CPU after an out-of-memory failure.
type deviceFallback interface {
	Device() string
	FallbackToCPU() error
}

// Health reports the engine's current synthesis capability.
type Health struct {
	Kind    Kind   `json:"kind"`
	Healthy bool   `json:"healthy"`
	Device  string `json:"device,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Sink receives synthesized clips for playback.
type Sink interface {
	Enqueue(clip *audio.Clip)
	PlayBlocking(ctx context.Context, clip *audio.Clip) error
}

// ErrNoAudio is returned when a backend produced no samples.
var ErrNoAudio = errors.New("synth: backend produced no audio")

// Engine serializes synthesis onto one backend and hands results to a
// playback sink. Concurrent callers queue on the internal mutex because the
// underlying device has fixed, shared capacity.
type Engine struct {
	cfg  config.SynthConfig
	sink Sink

	mu      sync.Mutex
	backend Backend
	muted   bool
	stopped bool
}

// NewEngine wraps a backend. Most callers should use Resolve instead.
func NewEngine(cfg config.SynthConfig, backend Backend, sink Sink) *Engine {
	return &Engine{cfg: cfg, backend: backend, sink: sink, muted: cfg.Muted}
}

// SetMuted changes the mute state without rebuilding the engine.
func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.muted = muted
}

// Muted reports the current mute state.
func (e *Engine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

// Resolve builds the backend chain for the configuration and returns an
// engine over the first backend that warms up. When everything fails, the
// null backend is used so the pipeline loses audio output but never fails
// outright.
func Resolve(ctx context.Context, cfg config.SynthConfig, sink Sink) *Engine {
	for _, backend := range candidates(cfg) {
		if err := backend.Warmup(ctx); err != nil {
			log.Warn("synth backend unavailable, trying next",
				"kind", backend.Kind().String(),
				"error", err,
			)
			_ = backend.Close()
			continue
		}
		log.Info("synth backend selected", "kind", backend.Kind().String())
		return NewEngine(cfg, backend, sink)
	}

	// Unreachable: the null backend always warms up. Kept as a guard.
	return NewEngine(cfg, NewNullBackend(), sink)
}

// candidates returns the backend chain in preference order, honoring an
// explicitly pinned backend.
func candidates(cfg config.SynthConfig) []Backend {
	switch cfg.Backend {
	case "server":
		return []Backend{NewServerBackend(cfg), NewNullBackend()}
	case "piper":
		return []Backend{NewPiperBackend(cfg), NewNullBackend()}
	case "null":
		return []Backend{NewNullBackend()}
	default:
		return []Backend{NewServerBackend(cfg), NewPiperBackend(cfg), NewNullBackend()}
	}
}

// Kind returns the active backend's kind.
func (e *Engine) Kind() Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend.Kind()
}

// Warmup reports whether the backend is ready to synthesize.
func (e *Engine) Warmup(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.backend.Warmup(ctx); err != nil {
		log.Warn("synth warmup failed", "kind", e.backend.Kind().String(), "error", err)
		return false
	}
	return true
}

// Synthesize converts text to audio on the active backend. On an
// out-of-memory failure from the accelerated device, the backend discards
// its model state, switches to the CPU, and the call is retried exactly
// once; a second failure is terminal for the call.
func (e *Engine) Synthesize(ctx context.Context, text string, lang language.Tag) (*audio.Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoAudio
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, errors.New("synth: engine stopped")
	}

	clip, err := e.backend.Synthesize(ctx, text, lang)
	if err != nil && IsOOM(err) {
		if fb, ok := e.backend.(deviceFallback); ok && fb.Device() != "cpu" {
			log.Warn("synthesis hit device out-of-memory, retrying on cpu",
				"kind", e.backend.Kind().String(),
				"device", fb.Device(),
			)
			if fbErr := fb.FallbackToCPU(); fbErr != nil {
				return nil, fmt.Errorf("synth: cpu fallback: %w", fbErr)
			}
			clip, err = e.backend.Synthesize(ctx, text, lang)
		}
	}
	if err != nil {
		return nil, err
	}
	if clip == nil || len(clip.Samples) == 0 {
		if e.backend.Kind() == KindNull {
			return nil, nil
		}
		return nil, ErrNoAudio
	}
	return clip, nil
}

// Speak synthesizes text and hands the clip to the playback sink. With
// blocking set, it waits for playback to finish. Returns false when nothing
// was spoken.
func (e *Engine) Speak(ctx context.Context, text string, lang language.Tag, blocking bool) bool {
	if !e.cfg.Enabled || e.Muted() {
		log.Debug("synthesis disabled or muted, skipping speech", "chars", len(text))
		return false
	}

	clip, err := e.Synthesize(ctx, text, lang)
	if err != nil {
		if !errors.Is(err, ErrNoAudio) {
			log.Error("speak failed", "error", err)
		}
		return false
	}
	if clip == nil {
		// Null backend: the text was logged, nothing to play.
		return true
	}
	if e.sink == nil {
		return false
	}

	if blocking {
		if err := e.sink.PlayBlocking(ctx, clip); err != nil {
			log.Warn("blocking playback failed", "error", err)
			return false
		}
		return true
	}
	e.sink.Enqueue(clip)
	return true
}

// Stop marks the engine stopped and closes the backend. In-flight calls
// finish; subsequent calls fail.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if err := e.backend.Close(); err != nil {
		log.Warn("synth backend close failed", "error", err)
	}
}

// Healthcheck probes the active backend.
func (e *Engine) Healthcheck(ctx context.Context) Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := Health{Kind: e.backend.Kind()}
	if fb, ok := e.backend.(deviceFallback); ok {
		h.Device = fb.Device()
	}
	if e.stopped {
		h.Detail = "stopped"
		return h
	}
	if err := e.backend.Healthcheck(ctx); err != nil {
		h.Detail = err.Error()
		return h
	}
	h.Healthy = true
	return h
}

// IsOOM reports whether an error looks like an accelerator out-of-memory
// condition. Matching is textual because the condition crosses a process
// boundary.
func IsOOM(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") || strings.Contains(msg, "oom")
}
