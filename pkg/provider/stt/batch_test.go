package stt_test

import (
	"context"
	"errors"
	"testing"

	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
)

// TestRetryBatch_SucceedsAfterTransient verifies that transient statuses are
// retried and the first success wins.
func TestRetryBatch_SucceedsAfterTransient(t *testing.T) {
	t.Parallel()

	calls := 0
	res, err := stt.RetryBatch(context.Background(), func(context.Context) (*stt.BatchResult, error) {
		calls++
		if calls < 3 {
			return nil, &stt.HTTPStatusError{Status: 503}
		}
		return &stt.BatchResult{Text: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("RetryBatch: %v", err)
	}
	if res.Text != "ok" {
		t.Errorf("Text = %q, want ok", res.Text)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestRetryBatch_StopsOnPermanentError verifies that a 4xx (other than
// 408/429) aborts immediately without further attempts.
func TestRetryBatch_StopsOnPermanentError(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := stt.RetryBatch(context.Background(), func(context.Context) (*stt.BatchResult, error) {
		calls++
		return nil, &stt.HTTPStatusError{Status: 400}
	})
	var statusErr *stt.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.Status != 400 {
		t.Fatalf("err = %v, want status 400", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestRetryBatch_AttemptCap verifies the three-attempt cap.
func TestRetryBatch_AttemptCap(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := stt.RetryBatch(context.Background(), func(context.Context) (*stt.BatchResult, error) {
		calls++
		return nil, &stt.HTTPStatusError{Status: 429}
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != stt.MaxBatchAttempts {
		t.Errorf("calls = %d, want %d", calls, stt.MaxBatchAttempts)
	}
}

// TestRetryBatch_CancelledDuringBackoff verifies context cancellation aborts
// the retry loop.
func TestRetryBatch_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := stt.RetryBatch(ctx, func(context.Context) (*stt.BatchResult, error) {
		calls++
		cancel()
		return nil, &stt.HTTPStatusError{Status: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{&stt.HTTPStatusError{Status: 408}, true},
		{&stt.HTTPStatusError{Status: 429}, true},
		{&stt.HTTPStatusError{Status: 500}, true},
		{&stt.HTTPStatusError{Status: 503}, true},
		{&stt.HTTPStatusError{Status: 400}, false},
		{&stt.HTTPStatusError{Status: 401}, false},
		{stt.ErrRateLimited, true},
		{stt.ErrTimeout, true},
		{context.Canceled, false},
		{nil, false},
	}
	for _, c := range cases {
		if got := stt.IsRetryable(c.err); got != c.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

// TestExtractTranscript_WalkOrder exercises the fixed extraction order over a
// response mixing every supported shape.
func TestExtractTranscript_WalkOrder(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"results": [
			{
				"channels": [
					{"alternatives": [{"transcript": " hello ", "words": [
						{"word": "hello", "start": 0.1, "end": 0.5, "confidence": 0.9}
					]}]}
				],
				"alternatives": [{"transcript": "there"}],
				"utterances": [{"transcript": "general"}],
				"transcript": "kenobi"
			}
		],
		"utterances": [{"transcript": "indeed"}]
	}`)

	text, words := stt.ExtractTranscript(raw)
	want := "hello there general kenobi indeed"
	if text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
	if len(words) != 1 || words[0].Word != "hello" {
		t.Errorf("words = %v, want the first alternative's word list", words)
	}
}

// TestExtractTranscript_SkipsEmpty verifies empty and whitespace-only
// transcripts do not produce stray separators.
func TestExtractTranscript_SkipsEmpty(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"results": [
		{"transcript": "  "},
		{"transcript": "only this"}
	]}`)
	text, _ := stt.ExtractTranscript(raw)
	if text != "only this" {
		t.Errorf("text = %q, want %q", text, "only this")
	}
}

// TestExtractTranscript_Garbage verifies malformed JSON yields an empty
// result rather than an error.
func TestExtractTranscript_Garbage(t *testing.T) {
	t.Parallel()

	if text, words := stt.ExtractTranscript([]byte("not json")); text != "" || words != nil {
		t.Errorf("got %q, %v; want empty", text, words)
	}
}
