// Package stt defines the Provider interface for Speech-to-Text adapters.
//
// An STT adapter wraps one upstream transcription service (a cloud WebSocket
// API, a long-poll HTTP endpoint, or a local subprocess) and exposes a uniform
// streaming contract. The central abstraction is SessionHandle: once opened, a
// session accepts raw PCM audio frames and emits types.PartialTranscript
// values in upstream arrival order.
//
// Implementations must be safe for concurrent use. Audio input is serialized
// per session by the caller; transcript and error channels are goroutine-safe
// by construction.
package stt

import (
	"context"
	"errors"
	"io"

	"github.com/polyvox-ai/polyvox/pkg/types"
)

// Sentinel errors forming the adapter-level error vocabulary. Adapters wrap
// these with provider and operation context; callers branch with errors.Is.
var (
	// ErrInvalidLanguage reports a language tag outside the provider's
	// allow-list (after primary-subtag fallback).
	ErrInvalidLanguage = errors.New("stt: invalid language")

	// ErrUnsupportedCapability reports an operation the adapter does not
	// implement (e.g. streaming on a batch-only adapter).
	ErrUnsupportedCapability = errors.New("stt: unsupported capability")

	// ErrNotReady reports audio sent before the upstream handshake finished
	// and the ready wait failed.
	ErrNotReady = errors.New("stt: adapter not ready")

	// ErrConnect reports a definitive failure to establish the upstream
	// connection.
	ErrConnect = errors.New("stt: connect failed")

	// ErrTransport reports a definitive failure on an established connection.
	ErrTransport = errors.New("stt: transport failed")

	// ErrClosed reports an operation on a session that has ended.
	ErrClosed = errors.New("stt: session closed")

	// ErrTimeout reports an operation that exceeded its deadline.
	ErrTimeout = errors.New("stt: timeout")

	// ErrRateLimited reports an upstream 429; batch mode retries it with
	// backoff, streaming mode surfaces it.
	ErrRateLimited = errors.New("stt: rate limited")
)

// State enumerates the lifecycle of a streaming session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Capabilities describes what an adapter supports. The availability cache
// merges this with runtime probe results for admission control.
type Capabilities struct {
	Streaming         bool
	Batch             bool
	DictionaryPhrases bool
	ContextPhrases    bool
	Diarization       bool
	PunctuationPolicy bool
}

// StreamConfig describes the audio format and recognition hints for a new
// session. Immutable once the session starts.
type StreamConfig struct {
	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider auto-detect, where supported.
	Language string

	// SampleRate is the PCM sample rate in Hz of the audio the caller will
	// send. Adapters that need a fixed rate (e.g. 24 kHz realtime sessions)
	// expect the caller to resample first; see Provider documentation.
	SampleRate int

	// InterimResults requests low-latency revisable hypotheses in addition to
	// finals.
	InterimResults bool

	// Diarization requests speaker labels where supported.
	Diarization bool

	// Punctuation selects the provider's punctuation behaviour.
	Punctuation types.PunctuationPolicy

	// DictionaryPhrases boosts recognition of up to 100 vocabulary entries.
	DictionaryPhrases []string

	// ContextPhrases primes the recognizer with up to 100 context strings.
	ContextPhrases []string

	// VADEnabled asks the provider to run its own endpointing.
	VADEnabled bool

	// Channel records whether audio comes from a live microphone or a file.
	Channel types.Channel
}

// FrameMeta carries per-chunk correlation data alongside the PCM bytes.
type FrameMeta struct {
	// CaptureTs is the capture time in ms since the Unix epoch.
	CaptureTs float64

	// Seq is the advisory client frame sequence number.
	Seq uint32
}

// SessionHandle represents an open streaming session.
//
// The caller must serialize SendAudio calls; chunks reach the upstream in call
// order. Callers must call Close when the session is no longer needed, and
// must drain Transcripts and Errors to avoid blocking the adapter's internal
// goroutines. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio queues one PCM chunk for delivery. The first call may block
	// until the upstream handshake completes. Returns an error wrapping
	// ErrNotReady or ErrTransport on definitive failure, and ErrClosed after
	// End or Close.
	SendAudio(chunk []byte, meta FrameMeta) error

	// End politely signals end-of-audio upstream, flushing any buffered
	// samples. Calling SendAudio after End is a programmer error and returns
	// ErrClosed.
	End() error

	// Close aborts the session immediately. Safe to call repeatedly and from
	// any state; a Close issued while connecting is deferred until the
	// handshake resolves, then applied.
	Close() error

	// Transcripts emits interim and final transcripts in upstream arrival
	// order. Closed when the session ends.
	Transcripts() <-chan types.PartialTranscript

	// Errors emits session-fatal errors. At most one error is delivered
	// before the session closes. Closed when the session ends.
	Errors() <-chan error

	// Done is closed when all session goroutines have finished and both
	// output channels are closed.
	Done() <-chan struct{}
}

// BatchResult is the outcome of a whole-file transcription.
type BatchResult struct {
	// Text is the concatenated transcript.
	Text string

	// Words is the first alternative's word list, when the provider reports
	// word timings. May be nil.
	Words []types.WordDetail
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously (one per provider per compare session).
type Provider interface {
	// Name returns the provider identifier used in transcripts, logs, and
	// client messages (e.g. "deepgram").
	Name() string

	// Capabilities reports what this adapter supports.
	Capabilities() Capabilities

	// StartStream opens a streaming session. Returns an error wrapping
	// ErrConnect if the upstream connection cannot be established,
	// ErrInvalidLanguage for unknown languages, or ErrUnsupportedCapability
	// for batch-only adapters.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// TranscribeBatch buffers the full PCM stream and submits it in one
	// request, retrying transient failures with bounded backoff. Returns
	// ErrUnsupportedCapability for streaming-only adapters.
	TranscribeBatch(ctx context.Context, pcm io.Reader, cfg StreamConfig) (*BatchResult, error)
}
