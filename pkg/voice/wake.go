package voice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/panda-one/go-panda/internal/config"
	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/audio"
	"github.com/panda-one/go-panda/pkg/capture"
	"github.com/panda-one/go-panda/pkg/vad"
)

// silentWindowsToStop ends utterance collection after this many consecutive
// windows without speech.
const silentWindowsToStop = 4

var defaultWakePhrases = []string{"hey panda", "yo panda"}

// RunWakeLoop runs the always-listening loop until the context is done.
// While Sleeping it samples short windows on a low duty cycle and discards
// the ones without detected speech, so recognition only runs on candidate
// utterances. A wake phrase moves the session to AwakeListening; the
// inactivity timer resets on every delivered command and its expiry drops
// back to Sleeping.
func (m *Manager) RunWakeLoop(ctx context.Context) error {
	if m.opts.WakeSource == nil || m.opts.Detector == nil {
		return errors.New("voice: wake loop needs a source and a detector")
	}
	if m.opts.Transcriber == nil {
		return errors.New("voice: wake loop needs a transcriber")
	}
	if m.State() == StateUnavailable {
		return ErrUnavailable
	}

	src := m.opts.WakeSource
	if err := src.Start(ctx); err != nil {
		m.fail(err)
		return err
	}
	defer src.Stop()

	m.setState(StateSleeping)
	defer m.setState(StateIdle)

	// Wake settings are captured once; restart the loop to apply a patch.
	wake := m.cfg.WakeSettings()
	phrases := wakePhrases(wake.Phrases)
	timeout := wake.SleepTimeout()
	rate := src.Config().SampleRate
	var awakeDeadline time.Time

	log.Info("wake loop running",
		"phrases", strings.Join(phrases, ", "),
		"sleep_timeout", timeout,
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if m.State() == StateAwakeListening && time.Now().After(awakeDeadline) {
			m.bridge.Publish(m.newEvent(EventTimeout))
			m.setState(StateSleeping)
		}

		window, err := m.readWindow(ctx, src, wake.WindowMs)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.fail(err)
			return err
		}
		if !m.opts.Detector.HasSpeech(window, vad.DefaultSpeechRatio) {
			continue
		}

		samples := m.collectUtterance(ctx, src, window, wake)
		if ctx.Err() != nil {
			return nil
		}

		tr, err := m.opts.Transcriber.Transcribe(ctx, audio.NewClip(samples, rate), m.langHint())
		if err != nil {
			log.Warn("wake transcription failed", "error", err)
			continue
		}
		text := strings.TrimSpace(tr.Text)
		if text == "" {
			continue
		}

		switch m.State() {
		case StateSleeping:
			phrase, ok := matchWake(text, phrases)
			if !ok {
				continue
			}
			ev := m.newEvent(EventWake)
			ev.Text = phrase
			m.bridge.Publish(ev)
			m.setState(StateAwakeListening)
			awakeDeadline = time.Now().Add(timeout)
			if wake.SpokenAck && wake.AckPhrase != "" {
				m.Speak(ctx, wake.AckPhrase)
			}

		case StateAwakeListening:
			// A delivered command resets the inactivity timer.
			awakeDeadline = time.Now().Add(timeout)
			m.publishTranscript(text, true)
			m.respondAndSpeak(ctx, text, StateAwakeListening)
			awakeDeadline = time.Now().Add(timeout)
		}
	}
}

// readWindow accumulates one duty-cycle window of samples.
func (m *Manager) readWindow(ctx context.Context, src capture.Source, windowMs int) ([]int16, error) {
	target := src.Config().SampleRate * windowMs / 1000
	if target < 1 {
		target = 1
	}
	var buf []int16
	for len(buf) < target {
		frame, err := src.Read(ctx)
		if err != nil {
			return nil, err
		}
		buf = append(buf, frame.Samples...)
	}
	return buf, nil
}

// collectUtterance keeps reading windows after speech was detected until a
// run of silent windows or the utterance cap ends it.
func (m *Manager) collectUtterance(ctx context.Context, src capture.Source, first []int16, wake config.WakeConfig) []int16 {
	maxSamples := int(wake.MaxUtterance().Seconds() * float64(src.Config().SampleRate))
	samples := append([]int16(nil), first...)
	silentRun := 0

	for silentRun < silentWindowsToStop && len(samples) < maxSamples {
		window, err := m.readWindow(ctx, src, wake.WindowMs)
		if err != nil {
			break
		}
		samples = append(samples, window...)
		if m.opts.Detector.HasSpeech(window, vad.DefaultSpeechRatio) {
			silentRun = 0
		} else {
			silentRun++
		}
	}
	if maxSamples > 0 && len(samples) > maxSamples {
		samples = samples[:maxSamples]
	}
	return samples
}

// wakePhrases lowercases the configured phrases, falling back to the
// defaults when none are set.
func wakePhrases(src []string) []string {
	if len(src) == 0 {
		src = defaultWakePhrases
	}
	phrases := make([]string, 0, len(src))
	for _, p := range src {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			phrases = append(phrases, p)
		}
	}
	return phrases
}

// matchWake reports the first configured phrase contained in the
// transcript, case-insensitively.
func matchWake(text string, phrases []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}
