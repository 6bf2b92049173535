package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/panda-one/go-panda/internal/config"
	"github.com/panda-one/go-panda/pkg/audio"
	"github.com/panda-one/go-panda/pkg/capture"
	"github.com/panda-one/go-panda/pkg/devices"
	"github.com/panda-one/go-panda/pkg/synth"
)

// eventLog collects bridge events for assertions. Delivery is
// asynchronous, so checks go through waitFor.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) stateChanges() []State {
	var states []State
	for _, ev := range l.snapshot() {
		if ev.Type == EventStateChange {
			states = append(states, ev.State)
		}
	}
	return states
}

func (l *eventLog) first(t EventType) (Event, bool) {
	for _, ev := range l.snapshot() {
		if ev.Type == t {
			return ev, true
		}
	}
	return Event{}, false
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, clip *audio.Clip, hint language.Tag) (*Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &Transcript{Text: f.text, Language: language.English, Confidence: 0.9}, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResponder struct {
	mu     sync.Mutex
	tokens []string
	err    error
	calls  int
}

func (f *fakeResponder) Respond(ctx context.Context, transcript string) (<-chan string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan string, len(f.tokens))
	for _, tok := range f.tokens {
		out <- tok
	}
	close(out)
	return out, nil
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeQueue struct {
	mu      sync.Mutex
	clips   []*audio.Clip
	stops   int
	playing bool
}

func (q *fakeQueue) Enqueue(clip *audio.Clip) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clips = append(q.clips, clip)
}

func (q *fakeQueue) PlayBlocking(ctx context.Context, clip *audio.Clip) error {
	q.Enqueue(clip)
	return nil
}

func (q *fakeQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stops++
}

func (q *fakeQueue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

func (q *fakeQueue) stopCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stops
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LanguageMode = config.LanguageEnglish
	cfg.Capture.MinDurationMs = 0
	return cfg
}

func toneCapture(t *testing.T) *capture.Engine {
	t.Helper()
	src := capture.NewMockSource(
		capture.SourceConfig{SampleRate: 16000, FrameMs: 10},
		capture.WithTone(440, 0.3),
		capture.WithInstantFrames(),
	)
	eng, err := capture.NewEngine(capture.Options{Source: src})
	if err != nil {
		t.Fatalf("capture engine: %v", err)
	}
	return eng
}

func newTestManager(t *testing.T, cfg *config.Config, eng *capture.Engine, opts Options) (*Manager, *eventLog) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if eng == nil {
		eng = toneCapture(t)
	}
	queue, _ := opts.Queue.(*fakeQueue)
	if queue == nil {
		queue = &fakeQueue{}
	}
	opts.Config = cfg
	opts.Capture = eng
	opts.Queue = queue
	if opts.Synth == nil {
		opts.Synth = synth.NewEngine(cfg.Synth, synth.NewNullBackend(), queue)
	}

	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)

	logged := &eventLog{}
	m.Subscribe(logged.add)
	return m, logged
}

func TestPushToTalkFlow(t *testing.T) {
	tr := &fakeTranscriber{text: "hello there"}
	m, events := newTestManager(t, nil, nil, Options{Transcriber: tr})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if got := m.State(); got != StateRecording {
		t.Fatalf("state after start = %v, want recording", got)
	}

	time.Sleep(30 * time.Millisecond)
	if err := m.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if got := m.State(); got != StateIdle {
		t.Fatalf("state after stop = %v, want idle", got)
	}

	waitFor(t, func() bool {
		_, ok := events.first(EventTranscript)
		return ok
	}, "transcript event")

	ev, _ := events.first(EventTranscript)
	if ev.Text != "hello there" || !ev.Final {
		t.Errorf("transcript event = %q final=%v, want final %q", ev.Text, ev.Final, "hello there")
	}

	want := []State{StateRecording, StateTranscribing, StateIdle}
	waitFor(t, func() bool {
		return len(events.stateChanges()) >= len(want)
	}, "state change events")
	got := events.stateChanges()
	for i, s := range want {
		if got[i] != s {
			t.Fatalf("state sequence = %v, want %v", got, want)
		}
	}
}

func TestStartWhileRecordingIsNoOp(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, Options{})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := m.StartRecording(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := m.State(); got != StateRecording {
		t.Fatalf("state = %v, want recording", got)
	}
	m.CancelRecording()
}

func TestNoInputDevicesIsTerminal(t *testing.T) {
	reg := devices.NewRegistry(devices.Static{
		{Index: 0, Name: "speakers", MaxOutputChannels: 2},
	})
	m, _ := newTestManager(t, nil, nil, Options{Registry: reg})

	if got := m.State(); got != StateUnavailable {
		t.Fatalf("state = %v, want unavailable", got)
	}
	if err := m.StartRecording(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("StartRecording err = %v, want ErrUnavailable", err)
	}
	if m.Speak(context.Background(), "hello") {
		t.Error("Speak succeeded while unavailable")
	}
}

func TestEmptyTranscriptEndsPipeline(t *testing.T) {
	tr := &fakeTranscriber{text: "   "}
	rsp := &fakeResponder{tokens: []string{"should not run"}}
	m, events := newTestManager(t, nil, nil, Options{Transcriber: tr, Responder: rsp})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := m.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	if rsp.callCount() != 0 {
		t.Error("responder invoked for empty transcript")
	}
	if got := m.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	waitFor(t, func() bool {
		ev, ok := events.first(EventTranscript)
		return ok && ev.Final
	}, "final transcript event")
	if ev, _ := events.first(EventTranscript); ev.Text != "" {
		t.Errorf("transcript text = %q, want empty", ev.Text)
	}
}

func TestCaptureFailureReportedAsEvent(t *testing.T) {
	// A 1s frame interval means no audio arrives before Stop.
	src := capture.NewMockSource(capture.SourceConfig{SampleRate: 16000, FrameMs: 1000})
	eng, err := capture.NewEngine(capture.Options{Source: src})
	if err != nil {
		t.Fatalf("capture engine: %v", err)
	}
	tr := &fakeTranscriber{text: "unused"}
	m, events := newTestManager(t, nil, eng, Options{Transcriber: tr})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := m.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording returned error for typed failure: %v", err)
	}

	waitFor(t, func() bool {
		_, ok := events.first(EventError)
		return ok
	}, "error event")
	ev, _ := events.first(EventError)
	if ev.Err != capture.FailNoAudio.String() {
		t.Errorf("error event = %q, want %q", ev.Err, capture.FailNoAudio.String())
	}
	if tr.callCount() != 0 {
		t.Error("transcriber invoked for failed capture")
	}
	if got := m.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
}

func TestTranscriberErrorFails(t *testing.T) {
	tr := &fakeTranscriber{err: errors.New("asr offline")}
	m, events := newTestManager(t, nil, nil, Options{Transcriber: tr})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := m.StopRecording(context.Background()); err == nil {
		t.Fatal("StopRecording did not surface transcriber error")
	}

	waitFor(t, func() bool {
		ev, ok := events.first(EventError)
		return ok && strings.Contains(ev.Err, "asr offline")
	}, "error event")
	if got := m.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
}

func TestResponderDrivesSpeech(t *testing.T) {
	tr := &fakeTranscriber{text: "what time is it"}
	rsp := &fakeResponder{tokens: []string{"It is ", "half past nine."}}
	m, events := newTestManager(t, nil, nil, Options{Transcriber: tr, Responder: rsp})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := m.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	if rsp.callCount() != 1 {
		t.Fatalf("responder calls = %d, want 1", rsp.callCount())
	}
	waitFor(t, func() bool {
		_, started := events.first(EventSpeakingStarted)
		_, stopped := events.first(EventSpeakingStopped)
		return started && stopped
	}, "speaking started/stopped events")
	if got := m.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
}

func TestCancelRecordingDiscards(t *testing.T) {
	tr := &fakeTranscriber{text: "unused"}
	m, _ := newTestManager(t, nil, nil, Options{Transcriber: tr})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	m.CancelRecording()

	if got := m.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	if tr.callCount() != 0 {
		t.Error("transcriber invoked for cancelled recording")
	}
}

func TestSpeakRoundTrip(t *testing.T) {
	m, events := newTestManager(t, nil, nil, Options{})

	if !m.Speak(context.Background(), "Good morning.") {
		t.Fatal("Speak returned false")
	}
	if got := m.State(); got != StateIdle {
		t.Fatalf("state after speak = %v, want idle", got)
	}
	waitFor(t, func() bool {
		_, ok := events.first(EventSpeakingStopped)
		return ok
	}, "speaking stopped event")

	if m.Speak(context.Background(), "   ") {
		t.Error("Speak returned true for blank text")
	}
}

func TestBargeInStopsPlayback(t *testing.T) {
	cfg := testConfig()
	cfg.BargeIn = true
	queue := &fakeQueue{}
	m, _ := newTestManager(t, cfg, nil, Options{Queue: queue})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if queue.stopCount() != 1 {
		t.Errorf("queue stops = %d, want 1", queue.stopCount())
	}
	m.CancelRecording()
}

func TestNoBargeInLeavesPlayback(t *testing.T) {
	queue := &fakeQueue{}
	m, _ := newTestManager(t, nil, nil, Options{Queue: queue})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if queue.stopCount() != 0 {
		t.Errorf("queue stops = %d, want 0", queue.stopCount())
	}
	m.CancelRecording()
}

func TestLevelEventsReachSubscribers(t *testing.T) {
	m, events := newTestManager(t, nil, nil, Options{})

	m.PublishLevel(0.42)
	waitFor(t, func() bool {
		ev, ok := events.first(EventLevel)
		return ok && ev.Level == 0.42
	}, "level event")
}

func TestEventOrderIsMonotonic(t *testing.T) {
	tr := &fakeTranscriber{text: "sequence check"}
	m, events := newTestManager(t, nil, nil, Options{Transcriber: tr})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := m.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	waitFor(t, func() bool { return len(events.snapshot()) >= 4 }, "events")
	evs := events.snapshot()
	var lastSeq uint64
	for _, ev := range evs {
		if ev.Type == EventLevel {
			continue
		}
		if ev.Seq <= lastSeq {
			t.Fatalf("seq went backwards: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Session != m.Session() {
			t.Fatalf("event session = %q, want %q", ev.Session, m.Session())
		}
	}
}

func TestSubscriberPanicDoesNotBreakBridge(t *testing.T) {
	m, events := newTestManager(t, nil, nil, Options{})
	m.Subscribe(func(Event) { panic("bad subscriber") })

	m.PublishLevel(0.1)
	if !m.Speak(context.Background(), "Still alive.") {
		t.Fatal("Speak returned false")
	}
	waitFor(t, func() bool {
		_, ok := events.first(EventSpeakingStopped)
		return ok
	}, "events after subscriber panic")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, _ := newTestManager(t, nil, nil, Options{})

	var second eventLog
	id := m.Subscribe(second.add)
	m.PublishLevel(0.2)
	waitFor(t, func() bool { return len(second.snapshot()) > 0 }, "delivery before unsubscribe")

	m.Unsubscribe(id)
	before := len(second.snapshot())
	m.PublishLevel(0.3)
	time.Sleep(50 * time.Millisecond)
	if got := len(second.snapshot()); got != before {
		t.Errorf("events after unsubscribe = %d, want %d", got, before)
	}
}

func TestSpokenResponseReturnsToIdleDirectly(t *testing.T) {
	tr := &fakeTranscriber{text: "tell me a story"}
	rsp := &fakeResponder{tokens: []string{"Once upon a time there was a panda."}}
	m, events := newTestManager(t, nil, nil, Options{Transcriber: tr, Responder: rsp})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := m.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	want := []State{StateRecording, StateTranscribing, StateSpeaking, StateIdle}
	waitFor(t, func() bool {
		return len(events.stateChanges()) >= len(want)
	}, "state change events")

	got := events.stateChanges()
	for i, s := range want {
		if got[i] != s {
			t.Fatalf("state sequence = %v, want %v", got, want)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] == StateSpeaking && got[i] == StateTranscribing {
			t.Fatalf("speaking bounced back to transcribing: %v", got)
		}
	}
}

func TestConcurrentStopsHaveOneWinner(t *testing.T) {
	tr := &fakeTranscriber{text: "only once"}
	m, events := newTestManager(t, nil, nil, Options{Transcriber: tr})

	if err := m.StartRecording(); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.StopRecording(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	var wins, losses int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, capture.ErrNotRecording):
			losses++
		default:
			t.Fatalf("unexpected stop error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins = %d losses = %d, want exactly one of each", wins, losses)
	}

	waitFor(t, func() bool { return m.State() == StateIdle }, "return to idle")
	if _, ok := events.first(EventError); ok {
		t.Error("losing stop published an error event")
	}
	if tr.callCount() != 1 {
		t.Errorf("transcriber calls = %d, want 1", tr.callCount())
	}
}

func TestConfigPatchConcurrentWithPipeline(t *testing.T) {
	cfg := testConfig()
	tr := &fakeTranscriber{text: "patch me while I work"}
	rsp := &fakeResponder{tokens: []string{"Still running."}}
	m, _ := newTestManager(t, cfg, nil, Options{Transcriber: tr, Responder: rsp})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			patch := cfg.Clone()
			patch.BargeIn = i%2 == 0
			patch.LanguageMode = config.LanguageKorean
			patch.Chunker.MinChunkChars = 10 + i%30
			cfg.Update(patch)
		}
	}()

	for i := 0; i < 3; i++ {
		if err := m.StartRecording(); err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		if err := m.StopRecording(context.Background()); err != nil {
			t.Fatalf("StopRecording: %v", err)
		}
		if !m.Speak(context.Background(), "between rounds") {
			t.Fatal("Speak returned false")
		}
	}
	close(stop)
	wg.Wait()

	waitFor(t, func() bool { return m.State() == StateIdle }, "return to idle")
}
