package synth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/text/language"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/panda-one/go-panda/internal/config"
	"github.com/panda-one/go-panda/internal/httpc"
	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/audio"
)

const (
	serverHandshakeTimeout = 5 * time.Second
	serverSynthTimeout     = 60 * time.Second

	// opusFrameSamples bounds one decoded opus frame: 120 ms at 48 kHz.
	opusFrameSamples = 5760
)

// ServerBackend talks to a local synthesis daemon. Synthesis prefers the
// daemon's WebSocket streaming endpoint and falls back to the plain HTTP
// one when the stream cannot be established.
type ServerBackend struct {
	cfg     config.SynthConfig
	baseURL string
	client  *http.Client

	mu     sync.Mutex
	device string
}

// NewServerBackend creates a backend for the daemon at cfg.ServerURL.
func NewServerBackend(cfg config.SynthConfig) *ServerBackend {
	device := cfg.Device
	if device == "" {
		device = "cuda"
	}
	return &ServerBackend{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		client:  httpc.NewClient(serverSynthTimeout),
		device:  device,
	}
}

func (s *ServerBackend) Kind() Kind { return KindServer }

// Warmup checks the daemon's health endpoint.
func (s *ServerBackend) Warmup(ctx context.Context) error {
	return s.Healthcheck(ctx)
}

func (s *ServerBackend) Healthcheck(ctx context.Context) error {
	if s.baseURL == "" {
		return fmt.Errorf("synth server: no server URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("synth server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("synth server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// synthRequest is the daemon's request shape for both transports.
type synthRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Lang   string  `json:"lang"`
	Device string  `json:"device"`
	Speed  float64 `json:"speed,omitempty"`
}

func (s *ServerBackend) request(text string, lang language.Tag) synthRequest {
	voice := s.cfg.VoiceEN
	langCode := "en"
	if base, _ := lang.Base(); base.String() == "ko" {
		voice = s.cfg.VoiceKO
		langCode = "ko"
	}
	return synthRequest{
		Text:   text,
		Voice:  voice,
		Lang:   langCode,
		Device: s.Device(),
		Speed:  s.cfg.Speed,
	}
}

func (s *ServerBackend) Synthesize(ctx context.Context, text string, lang language.Tag) (*audio.Clip, error) {
	req := s.request(text, lang)

	clip, err := s.synthesizeWS(ctx, req)
	if err == nil {
		return clip, nil
	}
	if isRemoteFailure(err) {
		// The daemon answered and rejected the request; surface it so the
		// engine can see out-of-memory conditions.
		return nil, err
	}
	log.Debug("streaming synthesis unavailable, using http", "error", err)
	return s.synthesizeHTTP(ctx, req)
}

// synthesizeHTTP posts to the daemon's one-shot endpoint and decodes the
// returned WAV.
func (s *ServerBackend) synthesizeHTTP(ctx context.Context, sr synthRequest) (*audio.Clip, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/synthesize", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synth server request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &remoteError{status: resp.StatusCode, detail: strings.TrimSpace(string(detail))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("synth server response: %w", err)
	}
	return audio.DecodeWAV(data)
}

// streamMessage is one frame from the daemon's WebSocket endpoint.
type streamMessage struct {
	Audio      string `json:"audio"`
	Codec      string `json:"codec"` // "pcm16" or "opus"
	SampleRate int    `json:"sample_rate"`
	Final      bool   `json:"is_final"`
	Error      string `json:"error,omitempty"`
}

// synthesizeWS streams audio frames over the daemon's WebSocket endpoint,
// decoding opus frames locally when the daemon sends them.
func (s *ServerBackend) synthesizeWS(ctx context.Context, sr synthRequest) (*audio.Clip, error) {
	wsURL, err := s.websocketURL()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: serverHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("synth stream dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("synth stream dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(sr); err != nil {
		return nil, fmt.Errorf("synth stream request: %w", err)
	}

	var (
		samples []int16
		rate    int
		decoder *opus.Decoder
		pcmBuf  []int16
	)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return nil, fmt.Errorf("synth stream read: %w", err)
		}
		if msg.Error != "" {
			return nil, &remoteError{status: http.StatusInternalServerError, detail: msg.Error}
		}
		if msg.SampleRate > 0 {
			rate = msg.SampleRate
		}

		if msg.Audio != "" {
			frame, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return nil, fmt.Errorf("synth stream frame: %w", err)
			}
			switch msg.Codec {
			case "opus":
				if decoder == nil {
					if rate == 0 {
						rate = 48000
					}
					decoder, err = opus.NewDecoder(rate, 1)
					if err != nil {
						return nil, fmt.Errorf("opus decoder: %w", err)
					}
					pcmBuf = make([]int16, opusFrameSamples)
				}
				n, err := decoder.Decode(frame, pcmBuf)
				if err != nil {
					return nil, fmt.Errorf("opus decode: %w", err)
				}
				samples = append(samples, pcmBuf[:n]...)
			default:
				pcm := audio.FromBytes(frame, rate)
				samples = append(samples, pcm.Samples...)
			}
		}

		if msg.Final {
			break
		}
	}

	if len(samples) == 0 {
		return nil, ErrNoAudio
	}
	if rate == 0 {
		rate = 24000
	}
	return audio.NewClip(samples, rate), nil
}

func (s *ServerBackend) websocketURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("synth server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/synthesize"
	return u.String(), nil
}

// Device returns the device the daemon is asked to synthesize on.
func (s *ServerBackend) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// FallbackToCPU asks the daemon to drop its loaded model and pins all
// further requests to the CPU.
func (s *ServerBackend) FallbackToCPU() error {
	s.mu.Lock()
	s.device = "cpu"
	s.mu.Unlock()

	resp, err := httpc.Post(s.baseURL+"/unload", "application/json", nil)
	if err != nil {
		// The next synthesize call carries device=cpu regardless.
		log.Warn("model unload request failed", "error", err)
		return nil
	}
	resp.Body.Close()
	return nil
}

func (s *ServerBackend) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// remoteError is a failure reported by the daemon itself, as opposed to a
// transport failure.
type remoteError struct {
	status int
	detail string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("synth server: status %d: %s", e.status, e.detail)
}

func isRemoteFailure(err error) bool {
	var re *remoteError
	return errors.As(err, &re)
}

var (
	_ Backend        = (*ServerBackend)(nil)
	_ deviceFallback = (*ServerBackend)(nil)
)
