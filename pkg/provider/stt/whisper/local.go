package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/polyvox-ai/polyvox/pkg/audio"
	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
)

// Compile-time assertion that Local implements stt.Provider.
var _ stt.Provider = (*Local)(nil)

// LocalOption is a functional option for configuring a Local provider.
type LocalOption func(*Local)

// WithLocalLanguage sets the default language when the stream config leaves it
// empty. Defaults to "en".
func WithLocalLanguage(lang string) LocalOption {
	return func(p *Local) { p.language = lang }
}

// WithLocalTimeout caps a single subprocess run. Defaults to the shared batch
// hard timeout.
func WithLocalTimeout(d time.Duration) LocalOption {
	return func(p *Local) { p.timeout = d }
}

// Local is a batch-only adapter that runs a whisper.cpp CLI binary per
// request. The model is loaded by the subprocess on each invocation, so this
// adapter trades latency for zero resident memory between requests.
type Local struct {
	binPath   string
	modelPath string
	language  string
	timeout   time.Duration
}

// NewLocal creates a Local provider. binPath is the whisper.cpp CLI binary
// and modelPath the GGML model file; both must exist.
func NewLocal(binPath, modelPath string, opts ...LocalOption) (*Local, error) {
	if binPath == "" || modelPath == "" {
		return nil, errors.New("whisper: binPath and modelPath must not be empty")
	}
	if _, err := os.Stat(binPath); err != nil {
		return nil, fmt.Errorf("whisper: binary: %w", err)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper: model: %w", err)
	}
	p := &Local{
		binPath:   binPath,
		modelPath: modelPath,
		language:  defaultLanguage,
		timeout:   stt.BatchHardTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "whisper-local".
func (p *Local) Name() string { return "whisper-local" }

// Capabilities reports batch-only support.
func (p *Local) Capabilities() stt.Capabilities {
	return stt.Capabilities{Batch: true}
}

// StartStream always fails: whisper.cpp batch inference has no streaming mode.
func (p *Local) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, fmt.Errorf("whisper: local adapter has no streaming mode: %w", stt.ErrUnsupportedCapability)
}

// TranscribeBatch writes the PCM to a temporary WAV file, runs the subprocess
// with JSON output, and parses the result. The subprocess is not retried;
// a failing binary fails the same way on every attempt.
func (p *Local) TranscribeBatch(ctx context.Context, pcm io.Reader, cfg stt.StreamConfig) (*stt.BatchResult, error) {
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

	dir, err := os.MkdirTemp("", "whisper-batch-*")
	if err != nil {
		return nil, fmt.Errorf("whisper: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "audio.wav")
	if err := os.WriteFile(wavPath, audio.EncodeWAV(data, sr, 1), 0o600); err != nil {
		return nil, fmt.Errorf("whisper: write wav: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	outPrefix := filepath.Join(dir, "out")
	cmd := exec.CommandContext(ctx, p.binPath,
		"-m", p.modelPath,
		"-f", wavPath,
		"-l", normLang,
		"-oj",
		"-of", outPrefix,
		"--no-prints",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("whisper: subprocess exceeded %s: %w", p.timeout, stt.ErrTimeout)
		}
		return nil, fmt.Errorf("whisper: subprocess: %w (output: %.200s)", err, string(out))
	}

	raw, err := os.ReadFile(outPrefix + ".json")
	if err != nil {
		return nil, fmt.Errorf("whisper: read result: %w", err)
	}
	text, err := parseResult(raw)
	if err != nil {
		return nil, err
	}
	return &stt.BatchResult{Text: text}, nil
}
