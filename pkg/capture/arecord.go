package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/panda-one/go-panda/internal/log"
)

// ArecordSource captures audio by running the ALSA arecord tool and reading
// raw PCM16 from its stdout. It is the production source on Linux; anything
// with arecord on PATH (including PulseAudio's compatibility layer) works.
type ArecordSource struct {
	cfg SourceConfig

	mu       sync.Mutex
	running  bool
	closed   bool
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   *bytes.Buffer
	streamCh chan Frame
	stopCh   chan struct{}
}

// NewArecordSource creates a source backed by the arecord binary.
// It fails with ErrDeviceUnavailable when the binary is not on PATH.
func NewArecordSource(cfg SourceConfig) (*ArecordSource, error) {
	if _, err := exec.LookPath("arecord"); err != nil {
		return nil, fmt.Errorf("%w: arecord not found", ErrDeviceUnavailable)
	}
	return &ArecordSource{cfg: cfg}, nil
}

func (s *ArecordSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	args := []string{
		"-q",
		"-f", "S16_LE",
		"-r", strconv.Itoa(s.cfg.SampleRate),
		"-c", "1",
		"-t", "raw",
	}
	if s.cfg.Device != "" {
		args = append(args, "-D", s.cfg.Device)
	}

	cmd := exec.Command("arecord", args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.cmd = cmd
	s.stdout = stdout
	s.stderr = stderr
	s.running = true
	s.stopCh = make(chan struct{})
	s.streamCh = make(chan Frame, 16)

	go s.readLoop(ctx, stdout, s.stopCh, s.streamCh)

	log.Debug("arecord source started",
		"device", s.cfg.Device,
		"sample_rate", s.cfg.SampleRate,
	)
	return nil
}

func (s *ArecordSource) readLoop(ctx context.Context, r io.Reader, stop <-chan struct{}, out chan<- Frame) {
	defer close(out)

	frameBytes := s.cfg.FrameSize() * 2
	buf := make([]byte, frameBytes)

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-stop:
			return
		default:
		}

		if _, err := io.ReadFull(r, buf); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Warn("arecord read failed", "error", err)
			}
			return
		}

		samples := make([]int16, frameBytes/2)
		for i := range samples {
			samples[i] = int16(buf[i*2]) | int16(buf[i*2+1])<<8
		}

		select {
		case out <- Frame{Samples: samples, SampleRate: s.cfg.SampleRate}:
		case <-stop:
			return
		}
	}
}

func (s *ArecordSource) Read(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	ch := s.streamCh
	s.mu.Unlock()
	if ch == nil {
		return Frame{}, io.EOF
	}

	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case frame, ok := <-ch:
		if !ok {
			return Frame{}, s.exitError()
		}
		return frame, nil
	}
}

// exitError classifies why the stream ended. A busy ALSA device shows up as
// arecord exiting immediately with a "busy" diagnostic on stderr.
func (s *ArecordSource) exitError() error {
	s.mu.Lock()
	stderr := ""
	if s.stderr != nil {
		stderr = s.stderr.String()
	}
	s.mu.Unlock()

	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "busy"):
		return fmt.Errorf("%w: %s", ErrDeviceBusy, strings.TrimSpace(stderr))
	case stderr != "":
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, strings.TrimSpace(stderr))
	default:
		return io.EOF
	}
}

func (s *ArecordSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			<-done
		}
	}

	log.Debug("arecord source stopped")
	return nil
}

func (s *ArecordSource) Config() SourceConfig { return s.cfg }

func (s *ArecordSource) Name() string { return "arecord" }

func (s *ArecordSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.Stop()
}

var _ Source = (*ArecordSource)(nil)
