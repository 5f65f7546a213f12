package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role names which audio source a session carries. Both sessions run the
// same machinery; the role only parameterizes logging and event routing.
type Role string

const (
	RoleMicrophone  Role = "microphone"
	RoleSystemAudio Role = "system_audio"
)

// EventKind enumerates the typed events a session emits.
type EventKind int

const (
	// EventConnected fires when the peer connection reaches connected.
	EventConnected EventKind = iota
	// EventDisconnected fires on failed or closed, with a reason.
	EventDisconnected
	// EventSessionReady fires when the server echoes the session config
	// back, carrying the effective VAD silence duration.
	EventSessionReady
	// EventSpeechStarted marks the server VAD detecting speech.
	EventSpeechStarted
	// EventSpeechStopped marks the server VAD closing an utterance. It
	// arrives one silence window after the speaker actually stopped.
	EventSpeechStopped
	// EventTranscript carries partial or final transcript text.
	EventTranscript
	// EventError carries a session-fatal error.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventSessionReady:
		return "session_ready"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one typed session event. Fields beyond Kind, Role and Time are
// populated per kind: Reason on disconnects, SilenceDuration on session
// ready, Text and Partial on transcripts, Err on errors.
type Event struct {
	Kind EventKind
	Role Role
	Time time.Time

	Reason          string
	SilenceDuration time.Duration
	Text            string
	Partial         bool
	Err             error
}

// serverEvent is the superset of the inbound data channel message shapes
// this client consumes. One struct, one type switch.
type serverEvent struct {
	Type    string `json:"type"`
	Session struct {
		TurnDetection struct {
			SilenceDurationMs int `json:"silence_duration_ms"`
		} `json:"turn_detection"`
	} `json:"session"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseServerEvent maps one inbound data channel message onto a typed
// event. Unknown types return ok=false and are dropped by the caller.
func parseServerEvent(role Role, data []byte, now time.Time) (Event, bool, error) {
	var msg serverEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false, fmt.Errorf("parse server event: %w", err)
	}

	ev := Event{Role: role, Time: now}
	switch msg.Type {
	case "transcription_session.created", "transcription_session.updated",
		"session.created", "session.updated":
		ev.Kind = EventSessionReady
		ev.SilenceDuration = time.Duration(msg.Session.TurnDetection.SilenceDurationMs) * time.Millisecond
	case "input_audio_buffer.speech_started":
		ev.Kind = EventSpeechStarted
	case "input_audio_buffer.speech_stopped":
		ev.Kind = EventSpeechStopped
	case "conversation.item.input_audio_transcription.delta":
		ev.Kind = EventTranscript
		ev.Text = msg.Delta
		ev.Partial = true
	case "conversation.item.input_audio_transcription.completed":
		ev.Kind = EventTranscript
		ev.Text = msg.Transcript
	case "error":
		ev.Kind = EventError
		ev.Err = fmt.Errorf("server error %s: %s", msg.Error.Code, msg.Error.Message)
	default:
		return Event{}, false, nil
	}
	return ev, true, nil
}
