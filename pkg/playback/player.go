// Package playback plays synthesized clips through an external player
// process, drained one at a time by a queue worker.
package playback

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/panda-one/go-panda/internal/config"
	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/audio"
)

// Player plays one clip to completion, honoring context cancellation.
type Player interface {
	Play(ctx context.Context, clip *audio.Clip) error
	Name() string
}

// killGrace is how long a signaled player process gets to exit before it
// is forcibly killed.
const killGrace = 2 * time.Second

// playerFallbacks is the fixed resolution order when no explicit player
// command is configured.
var playerFallbacks = []string{"aplay", "paplay", "ffplay", "afplay"}

// ProcPlayer shells out to an audio player binary per clip. The clip is
// written to a temporary WAV file and handed to the player; the file is
// removed afterwards.
type ProcPlayer struct {
	binary string
	device *int
}

// ResolvePlayer picks the playback backend once at startup: the explicitly
// configured command if any, else the first available binary from the
// fallback list.
func ResolvePlayer(cfg config.PlaybackConfig) (*ProcPlayer, error) {
	if cfg.PlayerCmd != "" {
		name := strings.Fields(cfg.PlayerCmd)[0]
		if _, err := exec.LookPath(name); err != nil {
			return nil, fmt.Errorf("playback: configured player %q not found: %w", name, err)
		}
		log.Info("using configured player", "cmd", cfg.PlayerCmd)
		return &ProcPlayer{binary: cfg.PlayerCmd, device: cfg.OutputDevice}, nil
	}

	for _, name := range playerFallbacks {
		if _, err := exec.LookPath(name); err == nil {
			log.Info("resolved audio player", "player", name)
			return &ProcPlayer{binary: name, device: cfg.OutputDevice}, nil
		}
	}
	return nil, fmt.Errorf("playback: no audio player found (tried %s)", strings.Join(playerFallbacks, ", "))
}

func (p *ProcPlayer) Name() string { return p.binary }

// args builds the player invocation for a WAV file, threading the output
// device through for the backends that support one.
func (p *ProcPlayer) args(path string) []string {
	fields := strings.Fields(p.binary)
	name, extra := fields[0], fields[1:]

	var args []string
	switch filepath.Base(name) {
	case "aplay":
		args = []string{"-q"}
		if p.device != nil {
			args = append(args, "-D", "plughw:"+strconv.Itoa(*p.device))
		}
	case "paplay":
		if p.device != nil {
			args = append(args, "--device="+strconv.Itoa(*p.device))
		}
	case "ffplay":
		args = []string{"-nodisp", "-autoexit", "-loglevel", "error"}
	case "afplay":
		// No device selection.
	}
	args = append(extra, args...)
	return append(args, path)
}

func (p *ProcPlayer) Play(ctx context.Context, clip *audio.Clip) error {
	if clip == nil || len(clip.Samples) == 0 {
		return nil
	}

	tmp, err := os.CreateTemp("", "panda_play_*.wav")
	if err != nil {
		return fmt.Errorf("playback: temp file: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(audio.EncodeWAV(clip)); err != nil {
		tmp.Close()
		return fmt.Errorf("playback: write wav: %w", err)
	}
	tmp.Close()

	fields := strings.Fields(p.binary)
	cmd := exec.Command(fields[0], p.args(path)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("playback: start %s: %w", fields[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("playback: %s failed: %w (stderr: %s)",
				fields[0], err, strings.TrimSpace(stderr.String()))
		}
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
			<-done
		}
		return ctx.Err()
	}
}

var _ Player = (*ProcPlayer)(nil)
