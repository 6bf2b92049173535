package capture

import (
	"context"
	"errors"
	"io"
)

// Frame is one block of mono PCM16 samples pulled from an input stream.
type Frame struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the frame length in seconds.
func (f Frame) Duration() float64 {
	if f.SampleRate == 0 {
		return 0
	}
	return float64(len(f.Samples)) / float64(f.SampleRate)
}

// SourceConfig describes the stream a Source should open.
type SourceConfig struct {
	// Device is the backend-specific device identifier. Empty means the
	// system default.
	Device string

	// SampleRate is the capture rate in Hz.
	SampleRate int

	// FrameMs is the target frame length in milliseconds.
	FrameMs int
}

// FrameSize returns the number of samples per frame.
func (c SourceConfig) FrameSize() int {
	n := c.SampleRate * c.FrameMs / 1000
	if n < 1 {
		n = 1
	}
	return n
}

// Source captures audio from a microphone or other input stream.
type Source interface {
	// Start opens the stream and begins producing frames.
	// Starting an already running source is a no-op.
	Start(ctx context.Context) error

	// Read blocks until the next frame is available, the context is done,
	// or the source is stopped. Returns io.EOF once stopped.
	Read(ctx context.Context) (Frame, error)

	// Stop halts the stream. Safe to call multiple times.
	Stop() error

	// Config returns the configuration the source was opened with.
	Config() SourceConfig

	// Name identifies the backend ("arecord", "mock").
	Name() string

	// Close releases all resources; the source cannot be restarted after.
	io.Closer
}

// Typed open failures. Engines translate these into capture results so
// callers can tell a missing device from a busy one.
var (
	ErrDeviceUnavailable = errors.New("capture: input device unavailable")
	ErrDeviceBusy        = errors.New("capture: input device busy")
)
