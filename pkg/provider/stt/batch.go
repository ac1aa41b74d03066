package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/polyvox-ai/polyvox/pkg/types"
)

// Batch retry policy, shared by every adapter's batch path.
const (
	// MaxBatchAttempts caps the number of request attempts per batch job.
	MaxBatchAttempts = 3

	// BatchHardTimeout bounds the whole batch job, all retries included.
	BatchHardTimeout = 5 * time.Minute

	// BatchIdleTimeout bounds a single request attempt.
	BatchIdleTimeout = 30 * time.Second

	// batchBackoffBase is the delay before the first retry; each further
	// retry doubles it, with ±25% jitter.
	batchBackoffBase = 500 * time.Millisecond
)

// HTTPStatusError reports a non-2xx upstream response from a batch request.
type HTTPStatusError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stt: upstream status %d", e.Status)
	}
	return fmt.Sprintf("stt: upstream status %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether err warrants another batch attempt: transient
// HTTP statuses (408, 429, 5xx), timeouts, and network-level failures.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		s := statusErr.Status
		return s == http.StatusRequestTimeout || s == http.StatusTooManyRequests || s >= 500
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) {
		return true
	}
	// Plain network errors from the http client are retryable.
	var netLike interface{ Timeout() bool }
	return errors.As(err, &netLike)
}

// RetryBatch runs attempt under the batch retry policy: at most
// MaxBatchAttempts tries, bounded exponential backoff with jitter between
// them, BatchIdleTimeout per attempt, and BatchHardTimeout overall.
// Non-retryable errors abort immediately.
func RetryBatch(ctx context.Context, attempt func(ctx context.Context) (*BatchResult, error)) (*BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, BatchHardTimeout)
	defer cancel()

	var lastErr error
	for try := 1; try <= MaxBatchAttempts; try++ {
		attemptCtx, attemptCancel := context.WithTimeout(ctx, BatchIdleTimeout)
		res, err := attempt(attemptCtx)
		attemptCancel()
		if err == nil {
			return res, nil
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: batch attempt %d idle for %s", ErrTimeout, try, BatchIdleTimeout)
		}
		lastErr = err

		if !IsRetryable(err) || try == MaxBatchAttempts {
			break
		}

		delay := batchBackoffBase << (try - 1)
		// ±25% jitter so synchronised clients do not retry in lockstep.
		jittered := time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return nil, fmt.Errorf("stt: batch aborted during backoff: %w", ctx.Err())
		}
	}
	return nil, lastErr
}

// ExtractTranscript walks a weakly-typed batch response and assembles the
// transcript text. Providers disagree wildly on response shape, so the walk
// order is fixed:
//
//  1. results[i].channels[*].alternatives[*].transcript
//  2. results[i].alternatives[*].transcript
//  3. results[i].utterances[*].transcript
//  4. results[i].transcript
//  5. top-level utterances[*].transcript
//
// Non-empty trimmed strings are concatenated with single spaces. The word
// list of the first alternative encountered (if any) is returned alongside.
func ExtractTranscript(raw []byte) (string, []types.WordDetail) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil
	}

	var parts []string
	var words []types.WordDetail

	appendText := func(v any) {
		if s, ok := v.(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
	}
	visitAlternative := func(alt map[string]any) {
		appendText(alt["transcript"])
		if words == nil {
			words = extractWords(alt["words"])
		}
	}

	if results, ok := doc["results"].([]any); ok {
		for _, r := range results {
			result, ok := r.(map[string]any)
			if !ok {
				continue
			}
			if channels, ok := result["channels"].([]any); ok {
				for _, c := range channels {
					channel, ok := c.(map[string]any)
					if !ok {
						continue
					}
					for _, a := range asMapSlice(channel["alternatives"]) {
						visitAlternative(a)
					}
				}
			}
			for _, a := range asMapSlice(result["alternatives"]) {
				visitAlternative(a)
			}
			for _, u := range asMapSlice(result["utterances"]) {
				appendText(u["transcript"])
			}
			appendText(result["transcript"])
		}
	}
	for _, u := range asMapSlice(doc["utterances"]) {
		appendText(u["transcript"])
	}

	return strings.Join(parts, " "), words
}

// asMapSlice coerces a decoded JSON value into a slice of objects, dropping
// anything else.
func asMapSlice(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, el := range arr {
		if m, ok := el.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// extractWords converts a decoded word list into WordDetail values.
func extractWords(v any) []types.WordDetail {
	entries := asMapSlice(v)
	if len(entries) == 0 {
		return nil
	}
	out := make([]types.WordDetail, 0, len(entries))
	for _, w := range entries {
		word, _ := w["word"].(string)
		if word == "" {
			word, _ = w["text"].(string)
		}
		start, _ := w["start"].(float64)
		end, _ := w["end"].(float64)
		conf, _ := w["confidence"].(float64)
		out = append(out, types.WordDetail{
			Word:       word,
			Start:      time.Duration(start * float64(time.Second)),
			End:        time.Duration(end * float64(time.Second)),
			Confidence: conf,
		})
	}
	return out
}
