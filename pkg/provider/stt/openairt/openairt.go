// Package openairt implements the stt.Provider interface over OpenAI's
// Realtime transcription API.
//
// A WebSocket session is configured with a transcription_session.update event
// before any audio; PCM is then transmitted as base64-encoded
// input_audio_buffer.append events. Interim hypotheses arrive as
// conversation.item.input_audio_transcription.delta events and finals as
// .completed events.
//
// The Realtime API expects 24 kHz PCM16 input. Callers feeding audio at other
// rates must resample before SendAudio.
package openairt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/polyvox-ai/polyvox/pkg/audio"
	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

// Compile-time assertions.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*session)(nil)
)

const (
	// SampleRate is the only input rate the Realtime transcription API accepts.
	SampleRate = 24000

	defaultModel      = "gpt-4o-transcribe"
	defaultBatchModel = "whisper-1"
	defaultBaseURL    = "wss://api.openai.com/v1/realtime"
	defaultBatchURL   = "https://api.openai.com/v1/audio/transcriptions"

	// readyTimeout bounds the wait for the transcription_session.updated
	// acknowledgement before SendAudio gives up.
	readyTimeout = 10 * time.Second
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the realtime transcription model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBatchModel sets the model used for batch transcription.
func WithBatchModel(model string) Option {
	return func(p *Provider) { p.batchModel = model }
}

// WithBaseURL overrides the realtime WebSocket URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithBatchURL overrides the batch transcription endpoint.
func WithBatchURL(url string) Option {
	return func(p *Provider) { p.batchURL = url }
}

// WithHTTPClient overrides the HTTP client used for batch requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider for OpenAI's Realtime transcription API.
type Provider struct {
	apiKey     string
	model      string
	batchModel string
	baseURL    string
	batchURL   string
	httpClient *http.Client
}

// New creates an OpenAI realtime Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openairt: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		batchModel: defaultBatchModel,
		baseURL:    defaultBaseURL,
		batchURL:   defaultBatchURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "openai-realtime".
func (p *Provider) Name() string { return "openai-realtime" }

// RequiredSampleRate returns the fixed 24 kHz input rate of the Realtime
// API. The gateway resamples client audio for this adapter before sending.
func (p *Provider) RequiredSampleRate() int { return SampleRate }

// Capabilities reports streaming plus HTTP batch support.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming: true,
		Batch:     true,
	}
}

// primaryISO reduces a BCP-47 tag to its primary subtag. Empty stays empty
// (auto-detect); malformed tags fail with stt.ErrInvalidLanguage.
func primaryISO(tag string) (string, error) {
	if tag == "" {
		return "", nil
	}
	primary, _, _ := strings.Cut(tag, "-")
	primary = strings.ToLower(primary)
	if len(primary) < 2 || len(primary) > 3 {
		return "", fmt.Errorf("%w: %q", stt.ErrInvalidLanguage, tag)
	}
	for _, r := range primary {
		if r < 'a' || r > 'z' {
			return "", fmt.Errorf("%w: %q", stt.ErrInvalidLanguage, tag)
		}
	}
	return primary, nil
}

// ─── protocol messages ───────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat     string              `json:"input_audio_format"`
	InputAudioSampleRate int                 `json:"input_audio_sample_rate"`
	InputTranscription   transcriptionParams `json:"input_audio_transcription"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StartStream opens a realtime transcription session. cfg.SampleRate must be
// 0 or 24000; the caller is responsible for resampling.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.SampleRate != 0 && cfg.SampleRate != SampleRate {
		return nil, fmt.Errorf("openairt: requires %d Hz input, got %d: %w", SampleRate, cfg.SampleRate, stt.ErrUnsupportedCapability)
	}
	lang, err := primaryISO(cfg.Language)
	if err != nil {
		return nil, fmt.Errorf("openairt: %w", err)
	}

	wsURL := p.baseURL + "?intent=transcription"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openairt: dial: %w: %w", stt.ErrConnect, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:        conn,
		ctx:         sessCtx,
		cancel:      sessCancel,
		transcripts: make(chan types.PartialTranscript, 64),
		errs:        make(chan error, 1),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		channel:     cfg.Channel,

		readyDeadline: readyTimeout,
	}
	sess.state.Store(int32(stt.StateConnecting))

	update := sessionUpdateMessage{
		Type: "transcription_session.update",
		Session: sessionParams{
			InputAudioFormat:     "pcm16",
			InputAudioSampleRate: SampleRate,
			InputTranscription: transcriptionParams{
				Model:    p.model,
				Language: lang,
			},
		},
	}
	if err := sess.writeJSON(update); err != nil {
		sessCancel()
		_ = conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openairt: session update: %w: %w", stt.ErrConnect, err)
	}

	sess.wg.Add(1)
	go sess.receiveLoop()
	go func() {
		sess.wg.Wait()
		close(sess.transcripts)
		close(sess.errs)
		close(sess.done)
	}()
	return sess, nil
}

// TranscribeBatch uploads the PCM as a WAV file to the audio transcription
// endpoint, retrying transient failures under the shared batch policy.
func (p *Provider) TranscribeBatch(ctx context.Context, pcm io.Reader, cfg stt.StreamConfig) (*stt.BatchResult, error) {
	lang, err := primaryISO(cfg.Language)
	if err != nil {
		return nil, fmt.Errorf("openairt: %w", err)
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = SampleRate
	}
	data, err := io.ReadAll(pcm)
	if err != nil {
		return nil, fmt.Errorf("openairt: read pcm: %w", err)
	}
	wav := audio.EncodeWAV(data, sr, 1)

	return stt.RetryBatch(ctx, func(ctx context.Context) (*stt.BatchResult, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("file", "audio.wav")
		if err != nil {
			return nil, fmt.Errorf("openairt: create form file: %w", err)
		}
		if _, err := fw.Write(wav); err != nil {
			return nil, fmt.Errorf("openairt: write wav: %w", err)
		}
		if err := mw.WriteField("model", p.batchModel); err != nil {
			return nil, fmt.Errorf("openairt: write model field: %w", err)
		}
		if lang != "" {
			if err := mw.WriteField("language", lang); err != nil {
				return nil, fmt.Errorf("openairt: write language field: %w", err)
			}
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("openairt: close multipart writer: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.batchURL, &body)
		if err != nil {
			return nil, fmt.Errorf("openairt: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("openairt: batch request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("openairt: read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &stt.HTTPStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw[:min(len(raw), 200)]))}
		}
		var result struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("openairt: parse response: %w", err)
		}
		return &stt.BatchResult{Text: strings.TrimSpace(result.Text)}, nil
	})
}

// ─── session ─────────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	transcripts chan types.PartialTranscript
	errs        chan error
	ready       chan struct{} // closed once transcription_session.updated arrives
	done        chan struct{}
	channel     types.Channel

	// readyDeadline bounds how long a deferred Close waits for the
	// acknowledgement before forcing teardown.
	readyDeadline time.Duration

	state atomic.Int32

	mu            sync.Mutex
	ended         bool
	deferredClose bool // Close was requested while still connecting
	writeMu       sync.Mutex

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openairt: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// SendAudio base64-encodes the chunk and appends it to the input buffer. The
// first call blocks until the session acknowledgement arrives.
func (s *session) SendAudio(chunk []byte, _ stt.FrameMeta) error {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended || stt.State(s.state.Load()) >= stt.StateClosing {
		return fmt.Errorf("openairt: send after end: %w", stt.ErrClosed)
	}

	select {
	case <-s.ready:
	case <-s.done:
		return fmt.Errorf("openairt: session ended: %w", stt.ErrClosed)
	case <-time.After(readyTimeout):
		return fmt.Errorf("openairt: handshake not acknowledged within %s: %w", readyTimeout, stt.ErrNotReady)
	}

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("openairt: append audio: %w: %w", stt.ErrTransport, err)
	}
	return nil
}

// End commits the input buffer so any audio below the provider's minimum
// duration is still flushed and transcribed.
func (s *session) End() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()
	if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return fmt.Errorf("openairt: commit: %w: %w", stt.ErrTransport, err)
	}
	return nil
}

// Close aborts the session. A Close issued while the handshake is pending is
// deferred until the acknowledgement resolves, then applied; a server that
// never acknowledges gets the socket torn down after readyDeadline anyway.
func (s *session) Close() error {
	if stt.State(s.state.Load()) == stt.StateConnecting {
		s.mu.Lock()
		if stt.State(s.state.Load()) == stt.StateConnecting {
			s.deferredClose = true
			s.mu.Unlock()
			go func() {
				select {
				case <-s.ready:
				case <-s.done:
				case <-time.After(s.readyDeadline):
					s.closeNow()
				}
			}()
			return nil
		}
		s.mu.Unlock()
	}
	s.closeNow()
	return nil
}

func (s *session) closeNow() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stt.StateClosing))
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.state.Store(int32(stt.StateClosed))
	})
}

func (s *session) Transcripts() <-chan types.PartialTranscript { return s.transcripts }
func (s *session) Errors() <-chan error                        { return s.errs }
func (s *session) Done() <-chan struct{}                       { return s.done }

// receiveLoop reads server events and dispatches transcripts in receive order.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.mu.Lock()
			expected := s.ended
			s.mu.Unlock()
			if !expected && s.ctx.Err() == nil {
				s.reportError(fmt.Errorf("openairt: read: %w: %w", stt.ErrTransport, err))
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "transcription_session.updated", "transcription_session.created":
			if stt.State(s.state.Load()) == stt.StateConnecting {
				s.state.Store(int32(stt.StateOpen))
				close(s.ready)
				s.mu.Lock()
				wantClose := s.deferredClose
				s.mu.Unlock()
				if wantClose {
					s.closeNow()
					return
				}
			}

		case "conversation.item.input_audio_transcription.delta":
			if ev.Delta != "" {
				s.emit(ev.Delta, false)
			}

		case "conversation.item.input_audio_transcription.completed":
			s.emit(ev.Transcript, true)

		case "error":
			msg := "unknown error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			s.reportError(fmt.Errorf("openairt: server error: %s: %w", msg, stt.ErrTransport))
		}
	}
}

func (s *session) emit(text string, final bool) {
	t := types.PartialTranscript{
		Provider:  "openai-realtime",
		IsFinal:   final,
		Text:      text,
		Timestamp: float64(time.Now().UnixMilli()),
		Channel:   s.channel,
	}
	select {
	case s.transcripts <- t:
	case <-s.ctx.Done():
	}
}

func (s *session) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
