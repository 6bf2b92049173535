package capture

import (
	"context"
	"io"
	"math"
	"sync"
	"time"
)

// MockSource generates synthetic audio (silence or a sine wave) for tests.
// It produces frames in real time by default; SetInstant makes it produce
// them as fast as the reader consumes them.
type MockSource struct {
	cfg SourceConfig

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan Frame
	stopCh   chan struct{}

	frequency float64 // Hz, 0 = silence
	amplitude float64
	instant   bool
	phase     float64

	startErr error // returned by Start when set
}

// MockOption configures a MockSource.
type MockOption func(*MockSource)

// WithTone makes the mock generate a sine wave instead of silence.
func WithTone(frequency, amplitude float64) MockOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithStartError makes Start fail with the given error.
func WithStartError(err error) MockOption {
	return func(m *MockSource) { m.startErr = err }
}

// WithInstantFrames removes the real-time pacing so tests run fast.
func WithInstantFrames() MockOption {
	return func(m *MockSource) { m.instant = true }
}

// NewMockSource creates a mock source with the given configuration.
func NewMockSource(cfg SourceConfig, opts ...MockOption) *MockSource {
	m := &MockSource{
		cfg:       cfg,
		amplitude: 0.5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.streamCh = make(chan Frame, 16)
	go m.generateLoop(ctx, m.stopCh, m.streamCh)
	return nil
}

func (m *MockSource) generateLoop(ctx context.Context, stop <-chan struct{}, out chan<- Frame) {
	// The generator owns the channel close so a send can never race a Stop.
	defer close(out)

	interval := time.Duration(m.cfg.FrameMs) * time.Millisecond
	if m.instant {
		interval = time.Microsecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-stop:
			return
		case <-ticker.C:
			select {
			case out <- m.generateFrame():
			default:
				// reader is behind, drop the frame
			}
		}
	}
}

func (m *MockSource) generateFrame() Frame {
	samples := make([]int16, m.cfg.FrameSize())
	if m.frequency > 0 {
		for i := range samples {
			v := m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate))
			samples[i] = int16(v * 32767)
			m.phase++
			if m.phase >= float64(m.cfg.SampleRate) {
				m.phase = 0
			}
		}
	}
	return Frame{Samples: samples, SampleRate: m.cfg.SampleRate}
}

func (m *MockSource) Read(ctx context.Context) (Frame, error) {
	m.mu.Lock()
	ch := m.streamCh
	m.mu.Unlock()
	if ch == nil {
		return Frame{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case frame, ok := <-ch:
		if !ok {
			return Frame{}, io.EOF
		}
		return frame, nil
	}
}

func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	close(m.stopCh)
	return nil
}

func (m *MockSource) Config() SourceConfig { return m.cfg }

func (m *MockSource) Name() string { return "mock" }

func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

var _ Source = (*MockSource)(nil)
