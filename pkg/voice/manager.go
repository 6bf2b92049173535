package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/panda-one/go-panda/internal/config"
	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/audio"
	"github.com/panda-one/go-panda/pkg/capture"
	"github.com/panda-one/go-panda/pkg/chunker"
	"github.com/panda-one/go-panda/pkg/devices"
	"github.com/panda-one/go-panda/pkg/synth"
	"github.com/panda-one/go-panda/pkg/vad"
)

// ErrUnavailable is returned for active operations when no usable input
// device existed at startup. The state is terminal.
var ErrUnavailable = errors.New("voice: no usable input device")

// PlaybackQueue is the slice of the playback queue the manager drives.
type PlaybackQueue interface {
	Enqueue(clip *audio.Clip)
	PlayBlocking(ctx context.Context, clip *audio.Clip) error
	Stop()
	IsPlaying() bool
}

// Options wires a Manager. Config, Capture, and Synth are required.
type Options struct {
	Config      *config.Config
	Capture     *capture.Engine
	Synth       *synth.Engine
	Queue       PlaybackQueue
	Transcriber Transcriber
	Responder   Responder
	Registry    *devices.Registry

	// WakeSource feeds the always-listening loop; Detector gates windows
	// before transcription. Both are only needed when the wake loop runs.
	WakeSource capture.Source
	Detector   *vad.Detector
}

// speechRun is one in-flight streaming speech pipeline.
type speechRun struct {
	chk  *chunker.Chunker
	done chan struct{}
}

// Manager owns the voice session state machine. All transitions are
// explicit and published as events through the bridge.
type Manager struct {
	opts    Options
	cfg     *config.Config
	bridge  *Bridge
	session string
	seq     atomic.Uint64

	mu     sync.Mutex
	state  State
	speech *speechRun
}

// NewManager builds a manager in the Idle state, or Unavailable when the
// registry reports no input devices. Unavailable is terminal: no automatic
// recovery is attempted.
func NewManager(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("voice: config is required")
	}
	if opts.Capture == nil {
		return nil, errors.New("voice: capture engine is required")
	}
	if opts.Synth == nil {
		return nil, errors.New("voice: synth engine is required")
	}

	m := &Manager{
		opts:    opts,
		cfg:     opts.Config,
		bridge:  NewBridge(),
		session: uuid.NewString(),
		state:   StateIdle,
	}
	if opts.Registry != nil && len(opts.Registry.Inputs()) == 0 {
		m.state = StateUnavailable
		log.Error("no input devices, voice manager unavailable")
	}
	return m, nil
}

// Session returns the session id carried by every event.
func (m *Manager) Session() string { return m.session }

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers an event callback; it runs on the bridge goroutine.
func (m *Manager) Subscribe(s Subscriber) int { return m.bridge.Subscribe(s) }

// Unsubscribe removes a callback.
func (m *Manager) Unsubscribe(id int) { m.bridge.Unsubscribe(id) }

// Close shuts down the event bridge. Component lifecycles (capture, synth,
// playback) belong to whoever constructed them.
func (m *Manager) Close() { m.bridge.Close() }

func (m *Manager) newEvent(t EventType) Event {
	return Event{
		Session: m.session,
		Seq:     m.seq.Add(1),
		Type:    t,
		Time:    time.Now(),
	}
}

// setState transitions and publishes, holding the lock through the publish
// so state-change events are totally ordered per session.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(s)
}

func (m *Manager) setStateLocked(s State) {
	prev := m.state
	if prev == s {
		return
	}
	m.state = s
	ev := m.newEvent(EventStateChange)
	ev.State = s
	ev.Prev = prev
	m.bridge.Publish(ev)
	log.Info("voice state", "from", prev.String(), "to", s.String())
}

// restoreState returns to `to` only if the state is still `from`, so an
// externally driven transition is never clobbered.
func (m *Manager) restoreState(from, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == from {
		m.setStateLocked(to)
	}
}

// claimState transitions from→to atomically. It reports false when the
// state was not `from`, so concurrent callers race for one claim.
func (m *Manager) claimState(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.setStateLocked(to)
	return true
}

// PublishLevel forwards a capture level sample to event consumers. Wire it
// as the capture engine's OnLevel callback.
func (m *Manager) PublishLevel(rms float64) {
	ev := m.newEvent(EventLevel)
	ev.Level = rms
	m.bridge.PublishLevel(ev)
}

func (m *Manager) publishError(reason string) {
	ev := m.newEvent(EventError)
	ev.Err = reason
	m.bridge.Publish(ev)
}

func (m *Manager) publishTranscript(text string, final bool) {
	ev := m.newEvent(EventTranscript)
	ev.Text = text
	ev.Final = final
	m.bridge.Publish(ev)
}

// fail reports an unexpected failure: Error state, an error event with the
// reason, then back to Idle.
func (m *Manager) fail(err error) {
	m.setState(StateError)
	m.publishError(err.Error())
	m.setState(StateIdle)
}

// langHint maps the configured language mode to a transcription hint.
func (m *Manager) langHint() language.Tag {
	switch m.cfg.Language() {
	case config.LanguageEnglish:
		return language.English
	case config.LanguageKorean:
		return language.Korean
	default:
		return language.Und
	}
}

// StartRecording opens the push-to-talk capture session. Starting while
// already recording is a no-op. With barge-in enabled, in-progress speech
// is stopped first; otherwise recording and playback coexist.
func (m *Manager) StartRecording() error {
	switch m.State() {
	case StateUnavailable:
		return ErrUnavailable
	case StateRecording:
		log.Info("start ignored, already recording")
		return nil
	}

	if m.cfg.BargeInEnabled() {
		m.StopSpeaking()
	}

	// Capture start and the state transition happen under one lock, so
	// concurrent starts cannot both claim the session.
	m.mu.Lock()
	if m.state == StateRecording {
		m.mu.Unlock()
		log.Info("start ignored, already recording")
		return nil
	}
	if err := m.opts.Capture.Start(); err != nil {
		m.mu.Unlock()
		m.fail(err)
		return err
	}
	m.setStateLocked(StateRecording)
	m.mu.Unlock()
	return nil
}

// StopRecording closes the capture session and drives the rest of the
// pipeline: transcription, response generation, and streamed speech. Typed
// capture failures are reported as events, not returned as errors.
func (m *Manager) StopRecording(ctx context.Context) error {
	// Claiming Recording→Transcribing atomically means a racing second
	// stop loses here instead of reaching Capture.Stop mid-transcription.
	if !m.claimState(StateRecording, StateTranscribing) {
		return capture.ErrNotRecording
	}

	result, err := m.opts.Capture.Stop()
	if err != nil {
		m.fail(err)
		return err
	}
	if !result.OK {
		m.publishError(result.Fail.String())
		m.setState(StateIdle)
		return nil
	}

	if m.opts.Transcriber == nil {
		m.setState(StateIdle)
		return nil
	}
	tr, err := m.opts.Transcriber.Transcribe(ctx, result.Clip, m.langHint())
	if err != nil {
		m.fail(err)
		return err
	}

	text := strings.TrimSpace(tr.Text)
	m.publishTranscript(text, true)
	if text == "" {
		// Recorded nothing useful. Success path, nothing to speak.
		m.setState(StateIdle)
		return nil
	}

	// The pipeline ends on Idle whether the response was spoken
	// (Speaking→Idle inside speakStream) or skipped entirely.
	m.respondAndSpeak(ctx, text, StateIdle)
	m.restoreState(StateTranscribing, StateIdle)
	return nil
}

// CancelRecording discards the capture session without producing a result.
func (m *Manager) CancelRecording() {
	if m.State() != StateRecording {
		return
	}
	m.opts.Capture.Cancel()
	m.setState(StateIdle)
}

// respondAndSpeak streams the responder's output through the chunker into
// speech, landing on `restore` afterwards. Without a responder the
// transcript is terminal.
func (m *Manager) respondAndSpeak(ctx context.Context, transcript string, restore State) {
	if m.opts.Responder == nil {
		return
	}
	tokens, err := m.opts.Responder.Respond(ctx, transcript)
	if err != nil {
		m.fail(err)
		return
	}
	m.speakStream(ctx, tokens, restore)
}

// Speak synthesizes one piece of text through the streaming pipeline,
// returning once playback of all chunks has finished.
func (m *Manager) Speak(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" || m.State() == StateUnavailable {
		return false
	}
	tokens := make(chan string, 1)
	tokens <- text
	close(tokens)
	return m.speakStream(ctx, tokens, m.State())
}

// speakStream drives tokens through the chunker and speaks each chunk
// blocking, so clips reach the playback queue in order. Afterwards the
// session lands on `restore` unless something else transitioned meanwhile.
func (m *Manager) speakStream(ctx context.Context, tokens <-chan string, restore State) bool {
	ch := m.cfg.ChunkerSettings()
	chk := chunker.New(chunker.Options{
		MinRunes:  ch.MinChunkChars,
		MaxRunes:  ch.MaxChunkChars,
		ForceLang: m.forcedLang(),
	})
	run := &speechRun{chk: chk, done: make(chan struct{})}

	m.mu.Lock()
	m.speech = run
	m.setStateLocked(StateSpeaking)
	m.bridge.Publish(m.newEvent(EventSpeakingStarted))
	m.mu.Unlock()

	go func() {
		for tok := range tokens {
			chk.Feed(tok)
		}
		chk.End()
	}()

	spoke := false
	for chunk := range chk.Chunks() {
		if ctx.Err() != nil {
			chk.Cancel()
			break
		}
		if m.opts.Synth.Speak(ctx, chunk.Text, chunk.Lang, true) {
			spoke = true
		}
	}

	m.mu.Lock()
	m.speech = nil
	m.bridge.Publish(m.newEvent(EventSpeakingStopped))
	m.mu.Unlock()
	close(run.done)

	m.restoreState(StateSpeaking, restore)
	return spoke
}

// StopSpeaking cancels the streaming pipeline between chunks and empties
// the playback queue, interrupting the in-flight clip.
func (m *Manager) StopSpeaking() {
	m.mu.Lock()
	run := m.speech
	m.mu.Unlock()

	if run != nil {
		run.chk.Cancel()
	}
	if m.opts.Queue != nil {
		m.opts.Queue.Stop()
	}
	if run != nil {
		select {
		case <-run.done:
		case <-time.After(5 * time.Second):
			log.Warn("speech pipeline slow to stop")
		}
	}
}

// forcedLang pins the chunker's language when the config is not in auto
// mode.
func (m *Manager) forcedLang() language.Tag {
	switch m.cfg.Language() {
	case config.LanguageEnglish:
		return language.English
	case config.LanguageKorean:
		return language.Korean
	default:
		return language.Tag{}
	}
}

// A playback queue doubles as the synth engine's sink.
var _ synth.Sink = (PlaybackQueue)(nil)
