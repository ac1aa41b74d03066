// Package types defines the shared types used across all Polyvox packages.
//
// These types form the lingua franca between the frame codec, the STT adapter
// layer, the normalizer, and the gateway sessions. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Channel identifies the origin of an audio stream.
type Channel string

const (
	// ChannelMic marks audio captured live from a client microphone.
	ChannelMic Channel = "mic"

	// ChannelFile marks audio replayed from an uploaded file.
	ChannelFile Channel = "file"
)

// PunctuationPolicy selects how much punctuation a provider should apply.
type PunctuationPolicy string

const (
	PunctuationNone  PunctuationPolicy = "none"
	PunctuationBasic PunctuationPolicy = "basic"
	PunctuationFull  PunctuationPolicy = "full"
)

// IsValid reports whether p is a recognised punctuation policy.
func (p PunctuationPolicy) IsValid() bool {
	switch p {
	case PunctuationNone, PunctuationBasic, PunctuationFull:
		return true
	}
	return false
}

// PartialTranscript represents a speech-to-text result from an STT adapter.
// Both interim (revisable) and final transcripts use this type.
type PartialTranscript struct {
	// Provider is the adapter identifier that produced this transcript
	// (e.g., "deepgram", "whisper-streaming").
	Provider string `json:"provider"`

	// IsFinal indicates whether this is a final (authoritative) or interim
	// transcript. Interim transcripts may be revised by later events.
	IsFinal bool `json:"isFinal"`

	// Text is the transcribed speech content.
	Text string `json:"text"`

	// Words contains per-word detail when the provider supports it. May be nil.
	Words []WordDetail `json:"words,omitempty"`

	// Timestamp is the wall-clock time the transcript was received from the
	// provider, in milliseconds since the Unix epoch.
	Timestamp float64 `json:"timestamp"`

	// OriginCaptureTs is the capture timestamp of the audio that produced this
	// transcript, in milliseconds since the Unix epoch. Zero when the provider
	// does not echo frame correlation data.
	OriginCaptureTs float64 `json:"originCaptureTs,omitempty"`

	// Channel records whether the source audio came from a live microphone or
	// a replayed file.
	Channel Channel `json:"channel,omitempty"`

	// LatencyMs is the measured delay between the last audio byte sent and this
	// transcript's arrival. Zero when not measured.
	LatencyMs float64 `json:"latencyMs,omitempty"`

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64 `json:"confidence,omitempty"`

	// SpeakerID identifies the speaker when diarization is active.
	SpeakerID string `json:"speakerId,omitempty"`

	// Seq is the advisory sequence number of the correlated audio frame, when
	// the provider echoes it back. Zero otherwise.
	Seq uint32 `json:"seq,omitempty"`

	// Degraded is set when the session had to drop audio for this provider due
	// to backpressure before this transcript was produced.
	Degraded bool `json:"degraded,omitempty"`
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string        `json:"word"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence,omitempty"`
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// LatencySummary aggregates the per-transcript latency samples of one session.
// Summaries with Count == 0 are never persisted.
type LatencySummary struct {
	// SessionID identifies the session the samples belong to.
	SessionID string

	// Provider is the adapter the samples were measured against, or "all" for
	// a whole-session aggregate.
	Provider string

	Count int
	AvgMs float64
	P50Ms float64
	P95Ms float64
	MinMs float64
	MaxMs float64
}
