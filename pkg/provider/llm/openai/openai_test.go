package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/polyvox-ai/polyvox/pkg/provider/llm"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

// TestConvertMessage covers each supported role plus the unknown-role error.
func TestConvertMessage(t *testing.T) {
	t.Parallel()

	p, err := convertMessage(types.Message{Role: "system", Content: "You are helpful."})
	if err != nil || p.OfSystem == nil {
		t.Errorf("system: OfSystem not set (err %v)", err)
	}
	p, err = convertMessage(types.Message{Role: "user", Content: "Hello!"})
	if err != nil || p.OfUser == nil {
		t.Errorf("user: OfUser not set (err %v)", err)
	}
	p, err = convertMessage(types.Message{Role: "assistant", Content: "Hi there!"})
	if err != nil || p.OfAssistant == nil {
		t.Errorf("assistant: OfAssistant not set (err %v)", err)
	}
	if _, err = convertMessage(types.Message{Role: "tool", Content: "x"}); err == nil {
		t.Error("expected error for unsupported role")
	}
}

// TestModelCapabilities checks the per-model capability table.
func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	if caps := modelCapabilities("gpt-4o-mini"); caps.ContextWindow != 128_000 || caps.MaxOutputTokens != 16_384 {
		t.Errorf("gpt-4o-mini: %+v", caps)
	}
	if caps := modelCapabilities("gpt-3.5-turbo"); caps.ContextWindow != 16_385 {
		t.Errorf("gpt-3.5-turbo: %+v", caps)
	}
	if caps := modelCapabilities("gpt-4"); caps.ContextWindow != 8_192 {
		t.Errorf("gpt-4: %+v", caps)
	}
	if caps := modelCapabilities("o3-mini"); caps.ContextWindow != 200_000 {
		t.Errorf("o3-mini: %+v", caps)
	}
	caps := modelCapabilities("my-custom-model")
	if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 || !caps.SupportsStreaming {
		t.Errorf("unknown model should get sensible defaults: %+v", caps)
	}
}

// TestCountTokens_Estimation checks the rough character-based estimate.
func TestCountTokens_Estimation(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens([]types.Message{{Role: "user", Content: "Hello world"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count <= 0 {
		t.Errorf("count = %d, want > 0", count)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("https://custom.example.com"), WithOrganization("org-123")); err != nil {
		t.Errorf("valid options: %v", err)
	}
}

// TestComplete_RoundTrip runs a completion against a fake chat endpoint.
func TestComplete_RoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		msgs, _ := req["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("messages = %d, want 2 (system + user)", len(msgs))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "pong"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6},
		})
	}))
	t.Cleanup(srv.Close)

	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are a voice assistant.",
		Messages:     []types.Message{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "pong" {
		t.Errorf("Content = %q, want pong", resp.Content)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("TotalTokens = %d, want 6", resp.Usage.TotalTokens)
	}
}
