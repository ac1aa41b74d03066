package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/polyvox-ai/polyvox/pkg/provider/llm"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a voice assistant.",
		Messages: []types.Message{
			{Role: "user", Content: "Hello!"},
			{Role: "assistant", Content: "Hi there!"},
		},
	})

	if params.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want 3 (system + 2 history)", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if params.Messages[1].Role != "user" || params.Messages[1].ContentString() != "Hello!" {
		t.Errorf("second message = %+v", params.Messages[1])
	}
}

func TestBuildParams_TemperatureAndMaxTokens(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: "Hi"}},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", params.MaxTokens)
	}

	// Zero values stay unset so provider defaults apply.
	params = p.buildParams(llm.CompletionRequest{Messages: []types.Message{{Role: "user", Content: "Hi"}}})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Errorf("zero values should leave params unset: %v, %v", params.Temperature, params.MaxTokens)
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	cases := []struct {
		model       string
		wantWindow  int
		wantMaxOut  int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"claude-3-5-sonnet-latest", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"o3-mini", 200_000, 100_000},
		{"totally-unknown", 128_000, 4_096},
	}
	for _, c := range cases {
		caps := modelCapabilities(c.model)
		if caps.ContextWindow != c.wantWindow || caps.MaxOutputTokens != c.wantMaxOut {
			t.Errorf("modelCapabilities(%q) = %+v, want window %d, maxOut %d", c.model, caps, c.wantWindow, c.wantMaxOut)
		}
		if !caps.SupportsStreaming {
			t.Errorf("modelCapabilities(%q): SupportsStreaming should be true", c.model)
		}
	}
}

// ── constructors ──────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("smoke-signals", "gpt-4o"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_OllamaBackend(t *testing.T) {
	t.Parallel()

	// Ollama needs no API key, so backend construction succeeds offline.
	p, err := NewOllama("llama3.2")
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	if p.model != "llama3.2" {
		t.Errorf("model = %q, want llama3.2", p.model)
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens([]types.Message{
		{Role: "user", Content: "Hello world"},
		{Role: "assistant", Content: "Hey"},
	})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count <= 0 {
		t.Errorf("count = %d, want > 0", count)
	}
}
