// Package mock provides a deterministic stt.Provider used by tests and as a
// safe fallback when no real provider is configured.
//
// Each audio chunk produces an interim transcript whose text is the chunk's
// byte length; End emits a fixed final. Call records are kept so tests can
// assert what the session layer delivered.
package mock

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

// FinalText is the transcript every mock session emits on End.
const FinalText = "mock transcript complete"

// Compile-time assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a deterministic stt.Provider.
type Provider struct {
	mu sync.Mutex

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// New returns an empty mock Provider.
func New() *Provider { return &Provider{} }

// Name returns "mock".
func (p *Provider) Name() string { return "mock" }

// Capabilities reports streaming and batch support so the mock is admitted
// everywhere.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{Streaming: true, Batch: true}
}

// StartStream records the call and returns a fresh Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	return NewSession(cfg.Channel), nil
}

// TranscribeBatch reads the full stream and reports its byte count.
func (p *Provider) TranscribeBatch(_ context.Context, pcm io.Reader, _ stt.StreamConfig) (*stt.BatchResult, error) {
	data, err := io.ReadAll(pcm)
	if err != nil {
		return nil, fmt.Errorf("mock: read pcm: %w", err)
	}
	return &stt.BatchResult{Text: fmt.Sprintf("mock batch transcript (%d bytes)", len(data))}, nil
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	Chunk []byte
	Meta  stt.FrameMeta
}

// Session is a deterministic stt.SessionHandle. Each SendAudio emits an
// interim transcript carrying the chunk's byte length; End emits FinalText.
type Session struct {
	mu sync.Mutex

	transcripts chan types.PartialTranscript
	errs        chan error
	done        chan struct{}
	channel     types.Channel
	ended       bool
	closed      bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession creates a ready mock session.
func NewSession(channel types.Channel) *Session {
	return &Session{
		transcripts: make(chan types.PartialTranscript, 64),
		errs:        make(chan error, 1),
		done:        make(chan struct{}),
		channel:     channel,
	}
}

// SendAudio records the call and emits an interim transcript whose text is
// the chunk byte length.
func (s *Session) SendAudio(chunk []byte, meta stt.FrameMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return fmt.Errorf("mock: send after end: %w", stt.ErrClosed)
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp, Meta: meta})
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}

	t := types.PartialTranscript{
		Provider:        "mock",
		IsFinal:         false,
		Text:            strconv.Itoa(len(chunk)),
		Timestamp:       float64(time.Now().UnixMilli()),
		OriginCaptureTs: meta.CaptureTs,
		Channel:         s.channel,
		Seq:             meta.Seq,
	}
	select {
	case s.transcripts <- t:
	default:
	}
	return nil
}

// End emits the fixed final transcript and closes the output channels.
func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return nil
	}
	s.ended = true

	final := types.PartialTranscript{
		Provider:  "mock",
		IsFinal:   true,
		Text:      FinalText,
		Timestamp: float64(time.Now().UnixMilli()),
		Channel:   s.channel,
	}
	if len(s.SendAudioCalls) > 0 {
		final.OriginCaptureTs = s.SendAudioCalls[len(s.SendAudioCalls)-1].Meta.CaptureTs
	}
	select {
	case s.transcripts <- final:
	default:
	}
	s.finish()
	return nil
}

// Close aborts the session without emitting a final.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.ended {
		s.ended = true
		s.finish()
	}
	return nil
}

// finish closes the output channels. Caller holds s.mu and must ensure this
// runs at most once.
func (s *Session) finish() {
	close(s.transcripts)
	close(s.errs)
	close(s.done)
}

// Transcripts returns the transcript output channel.
func (s *Session) Transcripts() <-chan types.PartialTranscript { return s.transcripts }

// Errors returns the error channel. The mock never emits errors unless a test
// injects one via FailWith.
func (s *Session) Errors() <-chan error { return s.errs }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// FailWith injects a session-fatal error, as a real adapter would on
// transport failure.
func (s *Session) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// SendAudioCallCount returns the number of SendAudio calls.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}
