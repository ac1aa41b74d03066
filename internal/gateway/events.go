package gateway

import (
	"github.com/polyvox-ai/polyvox/internal/avail"
	"github.com/polyvox-ai/polyvox/internal/store"
	"github.com/polyvox-ai/polyvox/pkg/normalize"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

// Server→client event types. Every JSON frame carries a "type" field; binary
// frames carry PCM only.

// SessionEvent opens a compare session.
type SessionEvent struct {
	Type         string               `json:"type"` // "session"
	SessionID    string               `json:"sessionId"`
	Providers    []string             `json:"providers"`
	Availability []avail.Availability `json:"availability,omitempty"`
}

// TranscriptEvent relays one raw provider transcript.
type TranscriptEvent struct {
	Type string `json:"type"` // "transcript"
	types.PartialTranscript
}

// NormalizedEvent relays one normalizer output event.
type NormalizedEvent struct {
	Type string `json:"type"` // "normalized"
	normalize.Event
}

// ErrorEvent reports a recoverable or fatal error to the client.
type ErrorEvent struct {
	Type     string `json:"type"` // "error"
	Code     string `json:"code"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

// SessionEndEvent closes a compare session and carries the summary that was
// persisted.
type SessionEndEvent struct {
	Type    string                `json:"type"` // "session_end"
	Summary *store.SessionSummary `json:"summary,omitempty"`
}

// VoiceSessionEvent opens a voice session.
type VoiceSessionEvent struct {
	Type            string `json:"type"` // "voice_session"
	SessionID       string `json:"sessionId"`
	Provider        string `json:"provider"`
	OutputSampleRate int   `json:"outputSampleRate"`
}

// VoiceStateEvent announces a phase change of the turn machine.
type VoiceStateEvent struct {
	Type  string `json:"type"` // "voice_state"
	State string `json:"state"`
}

// VoiceUserTranscriptEvent relays the recognised user speech.
type VoiceUserTranscriptEvent struct {
	Type    string `json:"type"` // "voice_user_transcript"
	TurnID  string `json:"turnId,omitempty"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// VoiceAssistantTextEvent relays the assistant's reply text.
type VoiceAssistantTextEvent struct {
	Type    string `json:"type"` // "voice_assistant_text"
	TurnID  string `json:"turnId"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// VoiceAudioStartEvent precedes the first binary PCM frame of a turn.
type VoiceAudioStartEvent struct {
	Type      string  `json:"type"` // "voice_assistant_audio_start"
	TurnID    string  `json:"turnId"`
	LLMMs     float64 `json:"llmMs"`
	TTSTtfbMs float64 `json:"ttsTtfbMs"`
}

// Audio end reasons.
const (
	ReasonCompleted = "completed"
	ReasonBargeIn   = "barge_in"
	ReasonStopped   = "stopped"
	ReasonError     = "error"
)

// VoiceAudioEndEvent terminates a turn's audio. No later message references
// the same turn id.
type VoiceAudioEndEvent struct {
	Type   string `json:"type"` // "voice_assistant_audio_end"
	TurnID string `json:"turnId"`
	Reason string `json:"reason"`
}
