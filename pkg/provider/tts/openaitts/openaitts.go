// Package openaitts provides a TTS provider backed by the OpenAI speech API.
//
// The speech endpoint is batch per utterance, so SynthesizeStream accumulates
// incoming text fragments into complete sentences and dispatches one HTTP
// request per sentence, with a small lookahead of in-flight requests to hide
// latency while preserving output order. Responses use the raw PCM response
// format, which is 16-bit little-endian mono at 24 kHz, and are re-chunked
// into fixed-duration frames before being emitted.
package openaitts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/polyvox-ai/polyvox/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	// pcmSampleRate is the fixed output rate of the speech API's pcm format.
	pcmSampleRate = 24000

	defaultModel   = "gpt-4o-mini-tts"
	defaultVoice   = "alloy"
	defaultFrameMs = 40
	minFrameMs     = 10
	maxFrameMs     = 500

	// sentenceLookahead is how many synthesis requests may be in flight at
	// once. Higher values hide latency at the cost of wasted synthesis when
	// the turn is barged in.
	sentenceLookahead = 2

	audioChanBuf = 256
)

// Option is a functional option for configuring the Provider.
type Option func(*config)

type config struct {
	model   string
	voice   string
	frameMs int
	timeout time.Duration
	baseURL string
}

// WithModel sets the speech model (e.g. "gpt-4o-mini-tts", "tts-1").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithVoice sets the default voice used when the VoiceProfile has no ID.
func WithVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithFrameDuration sets the duration of each emitted PCM frame in
// milliseconds. Values are clamped to [10, 500]. Defaults to 40 ms.
func WithFrameDuration(ms int) Option {
	return func(c *config) {
		c.frameMs = ms
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// Provider implements tts.Provider using the OpenAI speech API. It is safe
// for concurrent use.
type Provider struct {
	client     oai.Client
	model      string
	voice      string
	frameBytes int
}

// New constructs a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openaitts: apiKey must not be empty")
	}

	cfg := &config{
		model:   defaultModel,
		voice:   defaultVoice,
		frameMs: defaultFrameMs,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.frameMs < minFrameMs {
		cfg.frameMs = minFrameMs
	}
	if cfg.frameMs > maxFrameMs {
		cfg.frameMs = maxFrameMs
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      cfg.model,
		voice:      cfg.voice,
		frameBytes: pcmSampleRate * 2 * cfg.frameMs / 1000,
	}, nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	return pcmSampleRate
}

// audioResult carries the PCM of one synthesised sentence from a worker.
type audioResult struct {
	pcm []byte
	err error
}

// SynthesizeStream implements tts.Provider. Text fragments are accumulated
// into sentences, synthesised with bounded lookahead, and emitted as
// fixed-duration PCM frames in sentence order. The final frame of a turn may
// be shorter than the configured frame duration.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		sentences := make(chan string, sentenceLookahead)
		resultQueue := make(chan chan audioResult, sentenceLookahead)

		// Accumulator: buffer fragments and emit complete sentences.
		go func() {
			defer close(sentences)
			var buf strings.Builder
			for {
				select {
				case fragment, ok := <-text:
					if !ok {
						if remaining := strings.TrimSpace(buf.String()); remaining != "" {
							select {
							case sentences <- remaining:
							case <-ctx.Done():
							}
						}
						return
					}
					buf.WriteString(fragment)
					for {
						s := buf.String()
						idx := sentenceBoundary(s)
						if idx < 0 {
							break
						}
						sentence := strings.TrimSpace(s[:idx+1])
						buf.Reset()
						buf.WriteString(s[idx+1:])
						if sentence == "" {
							continue
						}
						select {
						case sentences <- sentence:
						case <-ctx.Done():
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// Dispatcher: one HTTP request per sentence, ordered result channels.
		go func() {
			defer close(resultQueue)
			for {
				select {
				case sentence, ok := <-sentences:
					if !ok {
						return
					}
					ch := make(chan audioResult, 1)
					select {
					case resultQueue <- ch:
					case <-ctx.Done():
						return
					}
					go func(s string, out chan<- audioResult) {
						pcm, err := p.synthesize(ctx, s, voice)
						out <- audioResult{pcm: pcm, err: err}
					}(sentence, ch)
				case <-ctx.Done():
					return
				}
			}
		}()

		// Collector: drain results in order, carving into fixed frames. carry
		// holds the partial frame spanning sentence boundaries.
		var carry []byte
		emit := func(frame []byte) bool {
			select {
			case audioCh <- frame:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for ch := range resultQueue {
			select {
			case result := <-ch:
				if result.err != nil {
					return
				}
				carry = append(carry, result.pcm...)
				for len(carry) >= p.frameBytes {
					frame := make([]byte, p.frameBytes)
					copy(frame, carry[:p.frameBytes])
					carry = carry[p.frameBytes:]
					if !emit(frame) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
		if len(carry) > 0 {
			emit(carry)
		}
	}()

	return audioCh, nil
}

// synthesize performs a single speech request and returns raw PCM.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.voice
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          sentence,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		params.Speed = param.NewOpt(voice.SpeedFactor)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openaitts: speech request: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openaitts: read speech response: %w", err)
	}
	return pcm, nil
}

// speechVoices is the published voice catalogue. The speech API has no list
// endpoint, so ListVoices returns this fixed set.
var speechVoices = []string{
	"alloy", "ash", "ballad", "coral", "echo",
	"fable", "nova", "onyx", "sage", "shimmer", "verse",
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	profiles := make([]tts.VoiceProfile, 0, len(speechVoices))
	for _, v := range speechVoices {
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v,
			Name:     v,
			Provider: "openai",
			Metadata: map[string]string{"model": p.model},
		})
	}
	return profiles, nil
}

// sentenceBoundary returns the index of the first sentence-ending character
// ('.', '!', '?') that is at the end of s or followed by whitespace, so that
// abbreviations and decimals are not split. Returns -1 if none is found.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
