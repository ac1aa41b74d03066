// Package whisper provides STT adapters backed by locally hosted whisper.cpp.
//
// Two distinct adapter kinds live here:
//
//   - Local: a batch-only adapter that shells out to a whisper.cpp CLI binary.
//     Streaming is unsupported; the batch path writes PCM to a temporary WAV
//     file, runs the subprocess, and parses its JSON output.
//
//   - Stream: a streaming adapter that connects to a whisper streaming server
//     over WebSocket. PCM goes up as binary frames; partial and final
//     hypotheses come back as JSON text frames. When the server also exposes
//     an HTTP inference endpoint the adapter supports batch transcription
//     through it.
//
// Both kinds share language normalization and result parsing. They are kept
// separate because their readiness strategies differ: the subprocess is ready
// when the binary and model exist on disk, the server only after its warm-up
// endpoint reports ready.
package whisper

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// NormalizeLanguage reduces a BCP-47 tag to the primary ISO 639 subtag that
// whisper.cpp understands ("de-AT" → "de"). Empty means auto-detect. Tags
// whose primary subtag is not 2 or 3 letters fail with stt.ErrInvalidLanguage.
func NormalizeLanguage(tag string) (string, error) {
	if tag == "" {
		return "auto", nil
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

// inferenceResult covers the two JSON shapes whisper.cpp produces: the
// server's flat {"text": ...} and the CLI's segment list.
type inferenceResult struct {
	Text          string `json:"text"`
	Transcription []struct {
		Text    string `json:"text"`
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
	} `json:"transcription"`
}

// parseResult extracts the transcript text from a whisper.cpp JSON result.
// Segment texts are trimmed and joined with single spaces.
func parseResult(raw []byte) (string, error) {
	var res inferenceResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("whisper: parse result: %w", err)
	}
	if len(res.Transcription) > 0 {
		parts := make([]string, 0, len(res.Transcription))
		for _, seg := range res.Transcription {
			if t := strings.TrimSpace(seg.Text); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, " "), nil
	}
	return strings.TrimSpace(res.Text), nil
}
