package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/polyvox-ai/polyvox/pkg/audio"
	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

// Compile-time assertion that Stream implements stt.Provider.
var _ stt.Provider = (*Stream)(nil)

const streamHandshakeTimeout = 5 * time.Second

// StreamOption is a functional option for configuring a Stream provider.
type StreamOption func(*Stream)

// WithStreamLanguage sets the default language when the stream config leaves
// it empty.
func WithStreamLanguage(lang string) StreamOption {
	return func(p *Stream) { p.language = lang }
}

// WithInferenceURL sets the server's HTTP inference endpoint, enabling batch
// transcription. Without it TranscribeBatch fails with ErrUnsupportedCapability.
func WithInferenceURL(httpURL string) StreamOption {
	return func(p *Stream) { p.inferenceURL = httpURL }
}

// WithStreamHTTPClient overrides the HTTP client used for batch inference.
func WithStreamHTTPClient(c *http.Client) StreamOption {
	return func(p *Stream) { p.httpClient = c }
}

// Stream is a streaming adapter backed by a whisper streaming server. PCM is
// sent as binary WebSocket frames; the server replies with JSON hypothesis
// messages as decoding advances.
type Stream struct {
	wsURL        string
	inferenceURL string
	language     string
	httpClient   *http.Client
}

// NewStream creates a Stream provider connecting to the whisper streaming
// server at wsURL (e.g. "ws://localhost:9090/stream").
func NewStream(wsURL string, opts ...StreamOption) (*Stream, error) {
	if wsURL == "" {
		return nil, errors.New("whisper: wsURL must not be empty")
	}
	p := &Stream{
		wsURL:      wsURL,
		language:   defaultLanguage,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "whisper-stream".
func (p *Stream) Name() string { return "whisper-stream" }

// Capabilities reports streaming support, plus batch when an inference
// endpoint is configured.
func (p *Stream) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming: true,
		Batch:     p.inferenceURL != "",
	}
}

// startMessage is the first text frame of a streaming session.
type startMessage struct {
	Type       string `json:"type"`
	Language   string `json:"language"`
	SampleRate int    `json:"sampleRate"`
	Interim    bool   `json:"interim"`
}

// hypothesisMessage is a server→client hypothesis frame.
type hypothesisMessage struct {
	Type  string  `json:"type"` // "partial" or "final"
	Text  string  `json:"text"`
	Start float64 `json:"start"` // ms offset from stream start
}

// StartStream dials the streaming server and sends the start message.
func (p *Stream) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	normLang, err := NormalizeLanguage(lang)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	dialCtx, cancel := context.WithTimeout(ctx, streamHandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, p.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("whisper: dial: %w: %w", stt.ErrConnect, err)
	}

	start, _ := json.Marshal(startMessage{
		Type:       "start",
		Language:   normLang,
		SampleRate: sr,
		Interim:    cfg.InterimResults,
	})
	if err := conn.Write(dialCtx, websocket.MessageText, start); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "start failed")
		return nil, fmt.Errorf("whisper: send start: %w: %w", stt.ErrConnect, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &streamSession{
		conn:        conn,
		cancel:      sessCancel,
		transcripts: make(chan types.PartialTranscript, 64),
		errs:        make(chan error, 1),
		audio:       make(chan streamChunk, 256),
		done:        make(chan struct{}),
		channel:     cfg.Channel,
	}
	sess.wg.Add(2)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)
	go func() {
		sess.wg.Wait()
		close(sess.transcripts)
		close(sess.errs)
		close(sess.done)
	}()
	return sess, nil
}

// TranscribeBatch posts the PCM as a WAV upload to the server's inference
// endpoint, retrying transient failures under the shared batch policy.
func (p *Stream) TranscribeBatch(ctx context.Context, pcm io.Reader, cfg stt.StreamConfig) (*stt.BatchResult, error) {
	if p.inferenceURL == "" {
		return nil, fmt.Errorf("whisper: no inference endpoint configured: %w", stt.ErrUnsupportedCapability)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	normLang, err := NormalizeLanguage(lang)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	data, err := io.ReadAll(pcm)
	if err != nil {
		return nil, fmt.Errorf("whisper: read pcm: %w", err)
	}
	wav := audio.EncodeWAV(data, sr, 1)

	return stt.RetryBatch(ctx, func(ctx context.Context) (*stt.BatchResult, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("file", "audio.wav")
		if err != nil {
			return nil, fmt.Errorf("whisper: create form file: %w", err)
		}
		if _, err := fw.Write(wav); err != nil {
			return nil, fmt.Errorf("whisper: write wav: %w", err)
		}
		if normLang != "auto" {
			if err := mw.WriteField("language", normLang); err != nil {
				return nil, fmt.Errorf("whisper: write language field: %w", err)
			}
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.inferenceURL, &body)
		if err != nil {
			return nil, fmt.Errorf("whisper: build request: %w", err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("whisper: inference request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("whisper: read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &stt.HTTPStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw[:min(len(raw), 200)]))}
		}
		text, err := parseResult(raw)
		if err != nil {
			return nil, err
		}
		return &stt.BatchResult{Text: text}, nil
	})
}

// ─── streaming session ───────────────────────────────────────────────────────

type streamChunk struct {
	data []byte
	meta stt.FrameMeta
}

type streamSession struct {
	conn        *websocket.Conn
	cancel      context.CancelFunc
	transcripts chan types.PartialTranscript
	errs        chan error
	audio       chan streamChunk
	done        chan struct{}
	channel     types.Channel

	mu            sync.Mutex
	ended         bool
	closed        bool
	baseCaptureTs float64

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery.
func (s *streamSession) SendAudio(chunk []byte, meta stt.FrameMeta) error {
	s.mu.Lock()
	if s.ended || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("whisper: send after end: %w", stt.ErrClosed)
	}
	if s.baseCaptureTs == 0 && meta.CaptureTs > 0 {
		s.baseCaptureTs = meta.CaptureTs
	}
	s.mu.Unlock()

	select {
	case s.audio <- streamChunk{data: chunk, meta: meta}:
		return nil
	case <-s.done:
		return fmt.Errorf("whisper: session ended: %w", stt.ErrClosed)
	}
}

// End flushes queued audio and signals end-of-stream to the server.
func (s *streamSession) End() error {
	s.mu.Lock()
	if s.ended || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()
	close(s.audio)
	return nil
}

// Close aborts the session.
func (s *streamSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		alreadyEnded := s.ended
		s.ended = true
		s.closed = true
		s.mu.Unlock()
		if !alreadyEnded {
			close(s.audio)
		}
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *streamSession) Transcripts() <-chan types.PartialTranscript { return s.transcripts }
func (s *streamSession) Errors() <-chan error                        { return s.errs }
func (s *streamSession) Done() <-chan struct{}                       { return s.done }

func (s *streamSession) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for chunk := range s.audio {
		if err := s.conn.Write(ctx, websocket.MessageBinary, chunk.data); err != nil {
			s.reportError(fmt.Errorf("whisper: write audio: %w: %w", stt.ErrTransport, err))
			return
		}
	}
	_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"eof"}`))
}

func (s *streamSession) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.cancel()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			expected := s.ended || s.closed
			s.mu.Unlock()
			if !expected && ctx.Err() == nil {
				s.reportError(fmt.Errorf("whisper: read: %w: %w", stt.ErrTransport, err))
			}
			return
		}

		var hyp hypothesisMessage
		if err := json.Unmarshal(msg, &hyp); err != nil {
			continue
		}
		if hyp.Type != "partial" && hyp.Type != "final" {
			continue
		}
		if hyp.Text == "" && hyp.Type == "partial" {
			continue
		}

		s.mu.Lock()
		base := s.baseCaptureTs
		s.mu.Unlock()
		var originTs float64
		if base > 0 {
			originTs = base + hyp.Start
		}

		t := types.PartialTranscript{
			Provider:        "whisper-stream",
			IsFinal:         hyp.Type == "final",
			Text:            hyp.Text,
			Timestamp:       float64(time.Now().UnixMilli()),
			OriginCaptureTs: originTs,
			Channel:         s.channel,
		}
		select {
		case s.transcripts <- t:
		case <-ctx.Done():
			return
		}
	}
}

func (s *streamSession) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
