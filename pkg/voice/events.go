// Package voice coordinates the whole interaction path: push-to-talk
// capture, transcription, response streaming, synthesis, playback, and the
// always-listening wake loop, all behind one explicit session state machine.
package voice

import (
	"context"
	"time"

	"golang.org/x/text/language"

	"github.com/panda-one/go-panda/pkg/audio"
)

// State is the session state. Exactly one value holds at a time per
// manager; every transition is published as an event.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateTranscribing
	StateSpeaking
	StateError
	StateUnavailable
	StateSleeping
	StateAwakeListening
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateTranscribing:
		return "transcribing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	case StateUnavailable:
		return "unavailable"
	case StateSleeping:
		return "sleeping"
	case StateAwakeListening:
		return "awake_listening"
	default:
		return "unknown"
	}
}

// MarshalText makes states readable in JSON event payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventType tags a voice event. The taxonomy is closed.
type EventType int

const (
	EventStateChange EventType = iota
	EventLevel
	EventTranscript
	EventError
	EventSpeakingStarted
	EventSpeakingStopped
	EventWake
	EventTimeout
)

func (t EventType) String() string {
	switch t {
	case EventStateChange:
		return "state_change"
	case EventLevel:
		return "level"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	case EventSpeakingStarted:
		return "speaking_started"
	case EventSpeakingStopped:
		return "speaking_stopped"
	case EventWake:
		return "wake"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is one observable occurrence in a session. Seq increases
// monotonically per session, so any consumer sees the same total order.
type Event struct {
	Session string    `json:"session"`
	Seq     uint64    `json:"seq"`
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`

	State State   `json:"state"`
	Prev  State   `json:"prev"`
	Level float64 `json:"level,omitempty"`
	Text  string  `json:"text,omitempty"`
	Final bool    `json:"final,omitempty"`
	Err   string  `json:"error,omitempty"`
}

// Transcript is the result of the consumed speech-recognition capability.
type Transcript struct {
	Text       string
	Language   language.Tag
	Confidence float64
}

// Transcriber is the external speech-recognition capability. The manager
// is agnostic to how it is implemented.
type Transcriber interface {
	Transcribe(ctx context.Context, clip *audio.Clip, hint language.Tag) (*Transcript, error)
}

// Responder turns a finalized transcript into response text, delivered as
// an incremental token stream. The channel is closed when the response is
// complete.
type Responder interface {
	Respond(ctx context.Context, transcript string) (<-chan string, error)
}
