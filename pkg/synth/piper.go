package synth

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/text/language"

	"github.com/panda-one/go-panda/internal/config"
	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/audio"
)

// piperSampleRate is the output rate of the piper voices we ship.
const piperSampleRate = 22050

// PiperBackend synthesizes with a local piper subprocess. It is the
// lightweight fallback when the synthesis daemon is down: CPU only, one
// process per utterance, raw PCM on stdout.
type PiperBackend struct {
	cfg  config.SynthConfig
	path string
}

// NewPiperBackend creates a backend around the piper binary at
// cfg.PiperPath, or whatever "piper" resolves to on PATH.
func NewPiperBackend(cfg config.SynthConfig) *PiperBackend {
	path := cfg.PiperPath
	if path == "" {
		path = "piper"
	}
	return &PiperBackend{cfg: cfg, path: path}
}

func (p *PiperBackend) Kind() Kind { return KindPiper }

func (p *PiperBackend) Warmup(ctx context.Context) error {
	return p.Healthcheck(ctx)
}

func (p *PiperBackend) Healthcheck(ctx context.Context) error {
	if _, err := exec.LookPath(p.path); err != nil {
		return fmt.Errorf("piper binary not found: %w", err)
	}
	return nil
}

func (p *PiperBackend) model(lang language.Tag) string {
	if base, _ := lang.Base(); base.String() == "ko" {
		return p.cfg.VoiceKO
	}
	return p.cfg.VoiceEN
}

func (p *PiperBackend) Synthesize(ctx context.Context, text string, lang language.Tag) (*audio.Clip, error) {
	model := p.model(lang)

	args := []string{"--output_raw"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if p.cfg.Speed > 0 && p.cfg.Speed != 1.0 {
		// Piper's length_scale is inverse speed.
		args = append(args, "--length_scale", fmt.Sprintf("%.2f", 1.0/p.cfg.Speed))
	}

	cmd := exec.CommandContext(ctx, p.path, args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("piper: %s", detail)
	}

	data := stdout.Bytes()
	if len(data) < 2 {
		return nil, ErrNoAudio
	}

	log.Debug("piper synthesized",
		"chars", len(text),
		"bytes", len(data),
		"model", model,
	)
	return audio.FromBytes(data, piperSampleRate), nil
}

func (p *PiperBackend) Close() error { return nil }

var _ Backend = (*PiperBackend)(nil)
