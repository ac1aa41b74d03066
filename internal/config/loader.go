package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "openai-realtime", "whisper-local", "whisper-stream", "mock"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown YAML fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Compare.DefaultBucketMs == 0 {
		cfg.Compare.DefaultBucketMs = 1000
	}
	if cfg.Compare.QueueSoftLimit == 0 {
		cfg.Compare.QueueSoftLimit = 64
	}
	if cfg.Compare.QueueHardLimit == 0 {
		cfg.Compare.QueueHardLimit = 2 * cfg.Compare.QueueSoftLimit
	}
	if cfg.Store.JSONLPath == "" && cfg.Store.PostgresDSN == "" {
		cfg.Store.JSONLPath = "./sessions"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// STT providers: required for compare sessions, unique names.
	sttSeen := make(map[string]int, len(cfg.Providers.STT))
	for i, entry := range cfg.Providers.STT {
		prefix := fmt.Sprintf("providers.stt[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := sttSeen[entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.stt[%d]", prefix, entry.Name, prev))
		}
		sttSeen[entry.Name] = i
		warnUnknownProvider("stt", entry.Name)
	}
	warnUnknownProvider("llm", cfg.Providers.LLM.Name)
	warnUnknownProvider("tts", cfg.Providers.TTS.Name)

	// Voice mode needs the full cascade.
	if cfg.Providers.LLM.Name == "" || cfg.Providers.TTS.Name == "" {
		slog.Warn("voice sessions disabled: both providers.llm and providers.tts must be configured",
			"llm", cfg.Providers.LLM.Name,
			"tts", cfg.Providers.TTS.Name,
		)
	}

	if sf := cfg.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	if cfg.Compare.QueueSoftLimit < 0 || cfg.Compare.QueueHardLimit < 0 {
		errs = append(errs, errors.New("compare queue limits must not be negative"))
	}
	if cfg.Compare.QueueHardLimit < cfg.Compare.QueueSoftLimit {
		errs = append(errs, fmt.Errorf("compare.queue_hard_limit %d must be >= compare.queue_soft_limit %d",
			cfg.Compare.QueueHardLimit, cfg.Compare.QueueSoftLimit))
	}
	if cfg.Compare.DefaultBucketMs < 0 {
		errs = append(errs, fmt.Errorf("compare.default_bucket_ms %d must not be negative", cfg.Compare.DefaultBucketMs))
	}

	return errors.Join(errs...)
}

// warnUnknownProvider logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func warnUnknownProvider(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// loadFromBytes parses an in-memory config. Used by the watcher.
func loadFromBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}
