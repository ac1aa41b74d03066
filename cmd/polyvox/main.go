// Command polyvox is the main entry point for the Polyvox transcription
// gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/polyvox-ai/polyvox/internal/avail"
	"github.com/polyvox-ai/polyvox/internal/config"
	"github.com/polyvox-ai/polyvox/internal/gateway"
	"github.com/polyvox-ai/polyvox/internal/observe"
	"github.com/polyvox-ai/polyvox/internal/store"
	"github.com/polyvox-ai/polyvox/pkg/provider/llm"
	"github.com/polyvox-ai/polyvox/pkg/provider/llm/anyllm"
	openaillm "github.com/polyvox-ai/polyvox/pkg/provider/llm/openai"
	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
	"github.com/polyvox-ai/polyvox/pkg/provider/stt/deepgram"
	sttmock "github.com/polyvox-ai/polyvox/pkg/provider/stt/mock"
	"github.com/polyvox-ai/polyvox/pkg/provider/stt/openairt"
	"github.com/polyvox-ai/polyvox/pkg/provider/stt/whisper"
	"github.com/polyvox-ai/polyvox/pkg/provider/tts"
	"github.com/polyvox-ai/polyvox/pkg/provider/tts/coqui"
	"github.com/polyvox-ai/polyvox/pkg/provider/tts/elevenlabs"
	"github.com/polyvox-ai/polyvox/pkg/provider/tts/openaitts"
)

func main() {
	os.Exit(run())
}

// logLevel is the process-wide log level, adjustable by the config watcher
// without a restart.
var logLevel slog.LevelVar

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; the process environment always wins.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "polyvox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "polyvox: %v\n", err)
		}
		return 1
	}

	// The environment overlay validates endpoint overrides; a bad OpenAI URL
	// is fatal rather than silently sending keys elsewhere.
	env, err := config.FromOSEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "polyvox: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger)

	slog.Info("polyvox starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, env)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Availability cache ────────────────────────────────────────────────────
	cache := avail.New(buildProbes(cfg, env))

	// ── Result sink ───────────────────────────────────────────────────────────
	sink, err := buildSink(ctx, cfg)
	if err != nil {
		slog.Error("failed to open result sink", "err", err)
		return 1
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Warn("sink close error", "err", err)
		}
	}()

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, newCfg *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			logLevel.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.ProvidersChanged {
			cache.SetProbes(buildProbes(newCfg, env))
			slog.Info("provider configuration changed, availability cache invalidated",
				"stt_changes", len(diff.STTChanges))
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg)

	// ── HTTP server ───────────────────────────────────────────────────────────
	gw := gateway.NewServer(cfg, env, gateway.Deps{
		STT:     providers.stt,
		LLM:     providers.llm,
		TTS:     providers.tts,
		Avail:   cache,
		Metrics: metrics,
		Sink:    sink,
		Logger:  logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg := cfg.Server.TLS; tlsCfg != nil {
			err = httpSrv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providerSet holds the instantiated providers consumed by the gateway.
type providerSet struct {
	stt []stt.Provider
	llm llm.Provider
	tts tts.Provider
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// API keys come from the config entry when set and the environment overlay
// otherwise.
func registerBuiltinProviders(reg *config.Registry, env *config.Env) {
	key := func(entryKey, envKey string) string {
		if entryKey != "" {
			return entryKey
		}
		return envKey
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if tier := optString(entry.Options, "tier"); tier != "" {
			opts = append(opts, deepgram.WithTier(tier))
		}
		return deepgram.New(key(entry.APIKey, env.DeepgramAPIKey), opts...)
	})

	reg.RegisterSTT("openai-realtime", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openairt.Option
		if entry.Model != "" {
			opts = append(opts, openairt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(entry.BaseURL))
		}
		return openairt.New(key(entry.APIKey, env.OpenAIAPIKey), opts...)
	})

	reg.RegisterSTT("whisper-local", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.LocalOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithLocalLanguage(entry.Language))
		}
		return whisper.NewLocal(
			optString(entry.Options, "bin_path"),
			optString(entry.Options, "model_path"),
			opts...,
		)
	})

	reg.RegisterSTT("whisper-stream", func(entry config.ProviderEntry) (stt.Provider, error) {
		wsURL := entry.BaseURL
		if wsURL == "" {
			wsURL = env.WhisperWSURL
		}
		var opts []whisper.StreamOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithStreamLanguage(entry.Language))
		}
		if env.WhisperHTTPURL != "" {
			opts = append(opts, whisper.WithInferenceURL(env.WhisperHTTPURL))
		}
		return whisper.NewStream(wsURL, opts...)
	})

	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return sttmock.New(), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []openaillm.Option{openaillm.WithTimeout(env.OpenAIChatTimeout)}
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		return openaillm.New(key(entry.APIKey, env.OpenAIAPIKey), entry.Model, opts...)
	})

	// The any-llm backends share one pattern: optional APIKey plus optional
	// BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not a key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.NewOllama(entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []openaitts.Option{
			openaitts.WithFrameDuration(env.OpenAITTSFrameMs),
			openaitts.WithTimeout(env.OpenAITTSTimeout),
		}
		if model := key(entry.Model, env.OpenAITTSModel); model != "" {
			opts = append(opts, openaitts.WithModel(model))
		}
		if env.OpenAITTSVoice != "" {
			opts = append(opts, openaitts.WithVoice(env.OpenAITTSVoice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openaitts.WithBaseURL(entry.BaseURL))
		}
		return openaitts.New(key(entry.APIKey, env.OpenAIAPIKey), opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(key(entry.APIKey, env.ElevenLabsAPIKey), opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if entry.Language != "" {
			opts = append(opts, coqui.WithLanguage(entry.Language))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})
}

// buildProviders instantiates every provider named in cfg using the registry.
// Unregistered names are skipped with a log line rather than failing startup;
// the availability cache reports them as not implemented.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}

	for _, entry := range cfg.Providers.STT {
		p, err := reg.CreateSTT(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown stt provider — skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		ps.stt = append(ps.stt, p)
		slog.Info("provider created", "kind", "stt", "name", entry.Name)
	}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown llm provider — skipping", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.llm = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown tts provider — skipping", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.tts = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}

	return ps, nil
}

// buildProbes derives an availability probe per configured STT provider.
// Cloud providers are probed by secret presence; local whisper deployments
// additionally get readiness polling and a WebSocket handshake.
func buildProbes(cfg *config.Config, env *config.Env) []avail.Probe {
	probes := make([]avail.Probe, 0, len(cfg.Providers.STT))

	for _, entry := range cfg.Providers.STT {
		p := avail.Probe{Provider: entry.Name}
		switch entry.Name {
		case "deepgram":
			apiKey := entry.APIKey
			if apiKey == "" {
				apiKey = env.DeepgramAPIKey
			}
			p.Checks = append(p.Checks, avail.SecretCheck("DEEPGRAM_API_KEY", apiKey))

		case "openai-realtime":
			apiKey := entry.APIKey
			if apiKey == "" {
				apiKey = env.OpenAIAPIKey
			}
			p.Checks = append(p.Checks, avail.SecretCheck("OPENAI_API_KEY", apiKey))

		case "whisper-local":
			binPath := optString(entry.Options, "bin_path")
			modelPath := optString(entry.Options, "model_path")
			p.Checks = append(p.Checks, fileCheck("whisper binary", binPath), fileCheck("whisper model", modelPath))

		case "whisper-stream":
			if env.WhisperReadyURL != "" {
				p.Checks = append(p.Checks, avail.ReadinessCheck(
					http.DefaultClient, env.WhisperReadyURL,
					env.WhisperReadyTimeout, env.WhisperReadyInterval,
				))
			}
			wsURL := entry.BaseURL
			if wsURL == "" {
				wsURL = env.WhisperWSURL
			}
			p.Checks = append(p.Checks, avail.HandshakeCheck(wsURL))

		case "mock":
			// Always available.

		default:
			p.Checks = append(p.Checks, avail.NotImplemented(entry.Name))
		}
		probes = append(probes, p)
	}
	return probes
}

// fileCheck reports whether a required local file exists.
func fileCheck(what, path string) avail.CheckFunc {
	return func(context.Context) error {
		if path == "" {
			return fmt.Errorf("%s path not configured", what)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		return nil
	}
}

// buildSink selects Postgres when a DSN is configured and the JSONL append
// sink otherwise.
func buildSink(ctx context.Context, cfg *config.Config) (store.Sink, error) {
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		sink, err := store.NewPostgresSink(ctx, dsn)
		if err != nil {
			return nil, err
		}
		slog.Info("result sink", "kind", "postgres")
		return sink, nil
	}
	dir := cfg.Store.JSONLPath
	if dir == "" {
		dir = "./sessions"
	}
	sink, err := store.NewJSONLSink(dir)
	if err != nil {
		return nil, err
	}
	slog.Info("result sink", "kind", "jsonl", "dir", dir)
	return sink, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Polyvox — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, entry := range cfg.Providers.STT {
		printProvider("STT", entry.Name, entry.Model)
	}
	if len(cfg.Providers.STT) == 0 {
		printProvider("STT", "", "")
	}
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	if cfg.Store.PostgresDSN != "" {
		fmt.Printf("║  Store           : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Store           : %-19s ║\n", "jsonl")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a
// string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
