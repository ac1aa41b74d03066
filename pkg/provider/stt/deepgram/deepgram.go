// Package deepgram provides a Deepgram-backed STT adapter using the Deepgram
// streaming WebSocket API and the pre-recorded HTTP API. It implements the
// stt.Provider interface for both streaming and batch transcription.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

const (
	streamEndpoint = "wss://api.deepgram.com/v1/listen"
	batchEndpoint  = "https://api.deepgram.com/v1/listen"

	defaultModel      = "nova-3"
	defaultSampleRate = 16000

	// DefaultEndpointingMs is the silence window Deepgram uses to finalise an
	// utterance when VAD-driven endpointing is enabled.
	DefaultEndpointingMs = 400

	// handshakeTimeout bounds the WebSocket dial.
	handshakeTimeout = 5 * time.Second
)

// supportedLanguages is the fixed allow-list of language tags the adapter
// accepts. Full tags are checked first, then the primary subtag.
var supportedLanguages = map[string]bool{
	"en": true, "en-US": true, "en-GB": true, "en-AU": true, "en-IN": true,
	"de": true, "es": true, "es-419": true, "fr": true, "fr-CA": true,
	"it": true, "ja": true, "ko": true, "nl": true, "pl": true,
	"pt": true, "pt-BR": true, "ru": true, "sv": true, "tr": true,
	"uk": true, "zh": true, "zh-CN": true, "zh-TW": true, "hi": true,
}

// NormalizeLanguage validates tag against the allow-list, falling back to the
// primary subtag ("de-AT" → "de"). An empty tag normalizes to "en". Unknown
// languages fail with stt.ErrInvalidLanguage.
func NormalizeLanguage(tag string) (string, error) {
	if tag == "" {
		return "en", nil
	}
	if supportedLanguages[tag] {
		return tag, nil
	}
	if primary, _, found := strings.Cut(tag, "-"); found && supportedLanguages[primary] {
		return primary, nil
	}
	return "", fmt.Errorf("%w: %q", stt.ErrInvalidLanguage, tag)
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithTier sets the optional pricing tier query parameter.
func WithTier(tier string) Option {
	return func(p *Provider) { p.tier = tier }
}

// WithSmartFormat enables Deepgram's smart formatting.
func WithSmartFormat(enabled bool) Option {
	return func(p *Provider) { p.smartFormat = enabled }
}

// WithEndpoints overrides the streaming and batch endpoints. Used by tests
// and self-hosted deployments.
func WithEndpoints(streamURL, batchURL string) Option {
	return func(p *Provider) {
		p.streamURL = streamURL
		p.batchURL = batchURL
	}
}

// WithHTTPClient overrides the HTTP client used for batch requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by the Deepgram APIs.
type Provider struct {
	apiKey      string
	model       string
	tier        string
	smartFormat bool
	streamURL   string
	batchURL    string
	httpClient  *http.Client
}

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		streamURL:  streamEndpoint,
		batchURL:   batchEndpoint,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "deepgram".
func (p *Provider) Name() string { return "deepgram" }

// Capabilities reports full streaming and batch support.
func (p *Provider) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		Streaming:         true,
		Batch:             true,
		DictionaryPhrases: true,
		ContextPhrases:    true,
		Diarization:       true,
		PunctuationPolicy: true,
	}
}

// StartStream opens a streaming transcription session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildQuery(p.streamURL, cfg, true)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w: %w", stt.ErrConnect, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:        conn,
		cancel:      sessCancel,
		transcripts: make(chan types.PartialTranscript, 64),
		errs:        make(chan error, 1),
		audio:       make(chan audioChunk, 256),
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

// buildQuery constructs the endpoint URL with the recognition parameters.
func (p *Provider) buildQuery(endpoint string, cfg stt.StreamConfig, streaming bool) (string, error) {
	lang, err := NormalizeLanguage(cfg.Language)
	if err != nil {
		return "", fmt.Errorf("deepgram: %w", err)
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("deepgram: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuation != types.PunctuationNone))
	if p.tier != "" {
		q.Set("tier", p.tier)
	}
	if p.smartFormat {
		q.Set("smart_format", "true")
	}
	if cfg.Diarization {
		q.Set("diarize", "true")
	}
	if kw := joinPhrases(cfg.DictionaryPhrases); kw != "" {
		q.Set("keywords", kw)
	}
	if cx := joinPhrases(cfg.ContextPhrases); cx != "" {
		q.Set("context", cx)
	}
	if streaming {
		q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
		if cfg.VADEnabled {
			q.Set("endpointing", strconv.Itoa(DefaultEndpointingMs))
			q.Set("vad_events", "true")
		} else {
			q.Set("endpointing", "false")
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// joinPhrases trims entries, drops empties, and comma-joins the rest.
func joinPhrases(phrases []string) string {
	cleaned := make([]string, 0, len(phrases))
	for _, ph := range phrases {
		if t := strings.TrimSpace(ph); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return strings.Join(cleaned, ",")
}

// TranscribeBatch submits the whole PCM stream to the pre-recorded API,
// retrying transient failures under the shared batch policy.
func (p *Provider) TranscribeBatch(ctx context.Context, pcm io.Reader, cfg stt.StreamConfig) (*stt.BatchResult, error) {
	reqURL, err := p.buildQuery(p.batchURL, cfg, false)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(pcm)
	if err != nil {
		return nil, fmt.Errorf("deepgram: read pcm: %w", err)
	}

	return stt.RetryBatch(ctx, func(ctx context.Context) (*stt.BatchResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("deepgram: build request: %w", err)
		}
		req.Header.Set("Authorization", "Token "+p.apiKey)
		req.Header.Set("Content-Type", "audio/raw")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("deepgram: batch request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("deepgram: read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &stt.HTTPStatusError{Status: resp.StatusCode, Body: truncate(string(raw), 200)}
		}

		text, words := stt.ExtractTranscript(raw)
		return &stt.BatchResult{Text: text, Words: words}, nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// ─── session ─────────────────────────────────────────────────────────────────

// audioChunk pairs PCM bytes with their frame correlation metadata.
type audioChunk struct {
	data []byte
	meta stt.FrameMeta
}

// response is the JSON structure Deepgram sends for a Results event.
type response struct {
	Type    string  `json:"type"`
	IsFinal bool    `json:"is_final"`
	Start   float64 `json:"start"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
				Speaker    *int    `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session implementing stt.SessionHandle.
type session struct {
	conn        *websocket.Conn
	cancel      context.CancelFunc
	transcripts chan types.PartialTranscript
	errs        chan error
	audio       chan audioChunk
	done        chan struct{}
	channel     types.Channel

	mu            sync.Mutex
	ended         bool
	closed        bool
	baseCaptureTs float64 // captureTs of the first frame; anchors Deepgram's relative times

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte, meta stt.FrameMeta) error {
	s.mu.Lock()
	if s.ended || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("deepgram: send after end: %w", stt.ErrClosed)
	}
	if s.baseCaptureTs == 0 && meta.CaptureTs > 0 {
		s.baseCaptureTs = meta.CaptureTs
	}
	s.mu.Unlock()

	select {
	case s.audio <- audioChunk{data: chunk, meta: meta}:
		return nil
	case <-s.done:
		return fmt.Errorf("deepgram: session ended: %w", stt.ErrClosed)
	}
}

// End signals end-of-audio. The write loop flushes queued chunks and then
// sends Deepgram's CloseStream message so pending finals are delivered.
func (s *session) End() error {
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

// Close aborts the session. Safe to call repeatedly and from any state.
func (s *session) Close() error {
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

// Transcripts returns the transcript output channel.
func (s *session) Transcripts() <-chan types.PartialTranscript { return s.transcripts }

// Errors returns the session-fatal error channel.
func (s *session) Errors() <-chan error { return s.errs }

// Done is closed when all session goroutines have finished.
func (s *session) Done() <-chan struct{} { return s.done }

// writeLoop forwards queued audio as binary messages, then signals
// end-of-audio upstream when the queue closes.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for chunk := range s.audio {
		if err := s.conn.Write(ctx, websocket.MessageBinary, chunk.data); err != nil {
			s.reportError(fmt.Errorf("deepgram: write audio: %w: %w", stt.ErrTransport, err))
			return
		}
	}
	// Queue closed by End/Close: ask Deepgram to flush pending results.
	_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

// readLoop receives Deepgram messages and dispatches transcripts in arrival
// order.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.cancel()

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			expected := s.ended || s.closed
			s.mu.Unlock()
			if !expected && ctx.Err() == nil {
				s.reportError(fmt.Errorf("deepgram: read: %w: %w", stt.ErrTransport, err))
			}
			return
		}

		t, ok := s.parseResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.transcripts <- t:
		case <-ctx.Done():
			return
		}
	}
}

// reportError delivers at most one fatal error.
func (s *session) reportError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// parseResponse converts a raw Deepgram message into a PartialTranscript.
// Returns false for non-Results messages and empty alternatives.
func (s *session) parseResponse(data []byte) (types.PartialTranscript, bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.PartialTranscript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return types.PartialTranscript{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" && !resp.IsFinal {
		return types.PartialTranscript{}, false
	}

	words := make([]types.WordDetail, 0, len(alt.Words))
	speakerID := ""
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
		if w.Speaker != nil && speakerID == "" {
			speakerID = strconv.Itoa(*w.Speaker)
		}
	}

	s.mu.Lock()
	base := s.baseCaptureTs
	s.mu.Unlock()
	var originTs float64
	if base > 0 {
		originTs = base + resp.Start*1000
	}

	return types.PartialTranscript{
		Provider:        "deepgram",
		IsFinal:         resp.IsFinal,
		Text:            alt.Transcript,
		Words:           words,
		Confidence:      alt.Confidence,
		Timestamp:       float64(time.Now().UnixMilli()),
		OriginCaptureTs: originTs,
		Channel:         s.channel,
		SpeakerID:       speakerID,
	}, true
}
