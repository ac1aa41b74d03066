package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Canonical OpenAI endpoints. Overrides pointing anywhere else are rejected
// at startup so API keys cannot be exfiltrated through a config typo.
const (
	openAIChatURL      = "https://api.openai.com/v1/chat/completions"
	openAIResponsesURL = "https://api.openai.com/v1/responses"
	openAIHost         = "api.openai.com"
)

// Environment variable defaults.
const (
	defaultOpenAITimeout       = 60 * time.Second
	defaultTTSFrameMs          = 40
	minTTSFrameMs              = 10
	maxTTSFrameMs              = 500
	defaultHistoryMaxTurns     = 50
	defaultWhisperReadyTimeout = 90 * time.Second
	defaultWhisperReadyPoll    = time.Second
)

// Env is the environment overlay captured once at startup. Changing the
// process environment afterwards has no effect on a loaded Env.
type Env struct {
	// API keys. An empty key marks the provider unavailable rather than
	// failing startup.
	OpenAIAPIKey     string
	DeepgramAPIKey   string
	ElevenLabsAPIKey string

	// Validated OpenAI endpoint overrides. Empty means SDK default.
	OpenAIChatURL      string
	OpenAIResponsesURL string

	OpenAIChatTimeout time.Duration
	OpenAITTSTimeout  time.Duration
	OpenAITTSModel    string
	OpenAITTSVoice    string
	OpenAITTSFrameMs  int

	// VoiceHistoryMaxTurns bounds the user/assistant pair count kept in the
	// voice conversation history.
	VoiceHistoryMaxTurns int

	// Local whisper deployment endpoints.
	WhisperWSURL    string
	WhisperHTTPURL  string
	WhisperReadyURL string

	WhisperReadyTimeout  time.Duration
	WhisperReadyInterval time.Duration
}

// FromOSEnv captures the overlay from the process environment.
func FromOSEnv() (*Env, error) {
	return FromEnv(os.LookupEnv)
}

// FromEnv captures the overlay using the given lookup function. It returns an
// error for values that must never be silently wrong: malformed numbers and
// OpenAI endpoint overrides outside the allow-list.
func FromEnv(lookup func(string) (string, bool)) (*Env, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	e := &Env{
		OpenAIAPIKey:     get("OPENAI_API_KEY"),
		DeepgramAPIKey:   get("DEEPGRAM_API_KEY"),
		ElevenLabsAPIKey: get("ELEVENLABS_API_KEY"),
		OpenAITTSModel:   get("OPENAI_TTS_MODEL"),
		OpenAITTSVoice:   get("OPENAI_TTS_VOICE"),
		WhisperWSURL:     get("WHISPER_WS_URL"),
		WhisperHTTPURL:   get("WHISPER_HTTP_URL"),
		WhisperReadyURL:  get("WHISPER_STREAMING_READY_URL"),
	}

	var err error
	if e.OpenAIChatURL, err = validateOpenAIURL(get("OPENAI_CHAT_URL"), openAIChatURL); err != nil {
		return nil, fmt.Errorf("config: OPENAI_CHAT_URL: %w", err)
	}
	if e.OpenAIResponsesURL, err = validateOpenAIURL(get("OPENAI_RESPONSES_URL"), openAIResponsesURL); err != nil {
		return nil, fmt.Errorf("config: OPENAI_RESPONSES_URL: %w", err)
	}

	if e.OpenAIChatTimeout, err = durationMs(get("OPENAI_CHAT_TIMEOUT_MS"), defaultOpenAITimeout); err != nil {
		return nil, fmt.Errorf("config: OPENAI_CHAT_TIMEOUT_MS: %w", err)
	}
	if e.OpenAITTSTimeout, err = durationMs(get("OPENAI_TTS_TIMEOUT_MS"), defaultOpenAITimeout); err != nil {
		return nil, fmt.Errorf("config: OPENAI_TTS_TIMEOUT_MS: %w", err)
	}
	if e.WhisperReadyTimeout, err = durationMs(get("WHISPER_READY_TIMEOUT_MS"), defaultWhisperReadyTimeout); err != nil {
		return nil, fmt.Errorf("config: WHISPER_READY_TIMEOUT_MS: %w", err)
	}
	if e.WhisperReadyInterval, err = durationMs(get("WHISPER_READY_INTERVAL_MS"), defaultWhisperReadyPoll); err != nil {
		return nil, fmt.Errorf("config: WHISPER_READY_INTERVAL_MS: %w", err)
	}

	if e.OpenAITTSFrameMs, err = intOrDefault(get("OPENAI_TTS_FRAME_MS"), defaultTTSFrameMs); err != nil {
		return nil, fmt.Errorf("config: OPENAI_TTS_FRAME_MS: %w", err)
	}
	if e.OpenAITTSFrameMs < minTTSFrameMs {
		e.OpenAITTSFrameMs = minTTSFrameMs
	}
	if e.OpenAITTSFrameMs > maxTTSFrameMs {
		e.OpenAITTSFrameMs = maxTTSFrameMs
	}

	if e.VoiceHistoryMaxTurns, err = intOrDefault(get("VOICE_HISTORY_MAX_TURNS"), defaultHistoryMaxTurns); err != nil {
		return nil, fmt.Errorf("config: VOICE_HISTORY_MAX_TURNS: %w", err)
	}
	if e.VoiceHistoryMaxTurns < 1 {
		e.VoiceHistoryMaxTurns = 1
	}

	return e, nil
}

// validateOpenAIURL enforces the endpoint allow-list: https scheme, the
// canonical host, and exactly the expected path. Empty input is allowed and
// returns empty (use the SDK default).
func validateOpenAIURL(raw, canonical string) (string, error) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("%q: scheme must be https", raw)
	}
	if u.Host != openAIHost {
		return "", fmt.Errorf("%q: host must be %s", raw, openAIHost)
	}
	want, _ := url.Parse(canonical)
	if u.Path != want.Path {
		return "", fmt.Errorf("%q: path must be %s", raw, want.Path)
	}
	return raw, nil
}

// durationMs parses a millisecond count, falling back to def when unset.
func durationMs(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%q is not a positive millisecond count", raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// intOrDefault parses an integer, falling back to def when unset.
func intOrDefault(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	return n, nil
}
