package config

import (
	"testing"
	"time"
)

// mapLookup builds a lookup function over a fixed map.
func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	t.Parallel()

	e, err := FromEnv(mapLookup(nil))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if e.OpenAIChatTimeout != 60*time.Second || e.OpenAITTSTimeout != 60*time.Second {
		t.Errorf("timeouts = %v, %v, want 60s", e.OpenAIChatTimeout, e.OpenAITTSTimeout)
	}
	if e.OpenAITTSFrameMs != 40 {
		t.Errorf("frame ms = %d, want 40", e.OpenAITTSFrameMs)
	}
	if e.VoiceHistoryMaxTurns != 50 {
		t.Errorf("history turns = %d, want 50", e.VoiceHistoryMaxTurns)
	}
	if e.WhisperReadyTimeout != 90*time.Second || e.WhisperReadyInterval != time.Second {
		t.Errorf("whisper readiness = %v, %v", e.WhisperReadyTimeout, e.WhisperReadyInterval)
	}
	if e.OpenAIChatURL != "" || e.OpenAIResponsesURL != "" {
		t.Errorf("unset URLs should stay empty: %q, %q", e.OpenAIChatURL, e.OpenAIResponsesURL)
	}
}

func TestFromEnv_Values(t *testing.T) {
	t.Parallel()

	e, err := FromEnv(mapLookup(map[string]string{
		"OPENAI_API_KEY":         "sk-1",
		"DEEPGRAM_API_KEY":       "dg-1",
		"OPENAI_CHAT_URL":        "https://api.openai.com/v1/chat/completions",
		"OPENAI_RESPONSES_URL":   "https://api.openai.com/v1/responses",
		"OPENAI_CHAT_TIMEOUT_MS": "15000",
		"OPENAI_TTS_FRAME_MS":    "120",
		"VOICE_HISTORY_MAX_TURNS": "8",
		"WHISPER_WS_URL":          "ws://localhost:9000/stream",
		"WHISPER_READY_TIMEOUT_MS": "30000",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if e.OpenAIAPIKey != "sk-1" || e.DeepgramAPIKey != "dg-1" {
		t.Errorf("keys = %q, %q", e.OpenAIAPIKey, e.DeepgramAPIKey)
	}
	if e.OpenAIChatURL != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("chat URL = %q", e.OpenAIChatURL)
	}
	if e.OpenAIChatTimeout != 15*time.Second {
		t.Errorf("chat timeout = %v", e.OpenAIChatTimeout)
	}
	if e.OpenAITTSFrameMs != 120 {
		t.Errorf("frame ms = %d", e.OpenAITTSFrameMs)
	}
	if e.VoiceHistoryMaxTurns != 8 {
		t.Errorf("history turns = %d", e.VoiceHistoryMaxTurns)
	}
	if e.WhisperWSURL != "ws://localhost:9000/stream" || e.WhisperReadyTimeout != 30*time.Second {
		t.Errorf("whisper = %q, %v", e.WhisperWSURL, e.WhisperReadyTimeout)
	}
}

func TestFromEnv_OpenAIURLAllowList(t *testing.T) {
	t.Parallel()

	bad := []string{
		"http://api.openai.com/v1/chat/completions",    // not https
		"https://api.evil.example/v1/chat/completions", // wrong host
		"https://api.openai.com/v1/other",              // wrong path
		"https://api.openai.com/",                      // wrong path
		"://bad",                                       // unparseable
	}
	for _, u := range bad {
		_, err := FromEnv(mapLookup(map[string]string{"OPENAI_CHAT_URL": u}))
		if err == nil {
			t.Errorf("OPENAI_CHAT_URL=%q: expected startup error", u)
		}
	}

	// The responses URL has its own path.
	if _, err := FromEnv(mapLookup(map[string]string{
		"OPENAI_RESPONSES_URL": "https://api.openai.com/v1/chat/completions",
	})); err == nil {
		t.Error("chat path on OPENAI_RESPONSES_URL: expected error")
	}
	if _, err := FromEnv(mapLookup(map[string]string{
		"OPENAI_RESPONSES_URL": "https://api.openai.com/v1/responses",
	})); err != nil {
		t.Errorf("canonical responses URL rejected: %v", err)
	}
}

func TestFromEnv_FrameMsClamped(t *testing.T) {
	t.Parallel()

	e, err := FromEnv(mapLookup(map[string]string{"OPENAI_TTS_FRAME_MS": "2"}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if e.OpenAITTSFrameMs != 10 {
		t.Errorf("frame ms = %d, want clamp to 10", e.OpenAITTSFrameMs)
	}

	e, err = FromEnv(mapLookup(map[string]string{"OPENAI_TTS_FRAME_MS": "10000"}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if e.OpenAITTSFrameMs != 500 {
		t.Errorf("frame ms = %d, want clamp to 500", e.OpenAITTSFrameMs)
	}
}

func TestFromEnv_MalformedNumbers(t *testing.T) {
	t.Parallel()

	bad := map[string]string{
		"OPENAI_CHAT_TIMEOUT_MS":  "soon",
		"OPENAI_TTS_TIMEOUT_MS":   "-5",
		"OPENAI_TTS_FRAME_MS":     "forty",
		"VOICE_HISTORY_MAX_TURNS": "many",
	}
	for key, val := range bad {
		if _, err := FromEnv(mapLookup(map[string]string{key: val})); err == nil {
			t.Errorf("%s=%q: expected error", key, val)
		}
	}
}
