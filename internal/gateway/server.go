package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polyvox-ai/polyvox/internal/avail"
	"github.com/polyvox-ai/polyvox/internal/config"
	"github.com/polyvox-ai/polyvox/internal/health"
	"github.com/polyvox-ai/polyvox/internal/observe"
	"github.com/polyvox-ai/polyvox/internal/store"
	"github.com/polyvox-ai/polyvox/pkg/provider/llm"
	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
	"github.com/polyvox-ai/polyvox/pkg/provider/tts"
)

// configReadTimeout bounds how long a freshly accepted socket may take to
// send its config message.
const configReadTimeout = 10 * time.Second

// Deps bundles the constructed dependencies a Server needs. All fields are
// required except TLS-related config, which lives in cfg.
type Deps struct {
	STT     []stt.Provider
	LLM     llm.Provider
	TTS     tts.Provider
	Avail   *avail.Cache
	Metrics *observe.Metrics
	Sink    store.Sink
	Logger  *slog.Logger
}

// Server owns the HTTP and WebSocket surface: the compare and voice
// endpoints, provider availability, health, and metrics.
type Server struct {
	cfg *config.Config
	env *config.Env

	stt       []stt.Provider
	languages map[string]string
	llm       llm.Provider
	tts       tts.Provider

	avail   *avail.Cache
	metrics *observe.Metrics
	sink    store.Sink
	log     *slog.Logger
}

// NewServer assembles the gateway from configuration and constructed
// dependencies.
func NewServer(cfg *config.Config, env *config.Env, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if env == nil {
		env = &config.Env{VoiceHistoryMaxTurns: 50}
	}
	languages := make(map[string]string, len(cfg.Providers.STT))
	for _, e := range cfg.Providers.STT {
		if e.Language != "" {
			languages[e.Name] = e.Language
		}
	}
	return &Server{
		cfg:       cfg,
		env:       env,
		stt:       deps.STT,
		languages: languages,
		llm:       deps.LLM,
		tts:       deps.TTS,
		avail:     deps.Avail,
		metrics:   deps.Metrics,
		sink:      deps.Sink,
		log:       logger,
	}
}

// Handler returns the full HTTP handler with observability middleware
// applied.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.metrics)(s.Routes())
}

// Routes builds the route table without middleware, for tests that assert on
// raw handler behaviour.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	health.New(health.ProvidersChecker(s.avail)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /providers", s.handleProviders)
	mux.HandleFunc("GET /ws/compare", s.handleCompare)
	mux.HandleFunc("GET /ws/voice", s.handleVoice)
	return mux
}

// handleProviders serves the availability snapshot. ?refresh=1 forces a
// re-probe instead of the cached result.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "1"
	snapshot := s.avail.Get(r.Context(), force)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		s.log.Warn("providers response write failed", "err", err)
	}
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	conn, cfg, ok := s.acceptSession(w, r)
	if !ok {
		return
	}
	newCompareSession(conn, cfg, s).Run(r.Context())
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, cfg, ok := s.acceptSession(w, r)
	if !ok {
		return
	}
	newVoiceSession(conn, cfg, s).Run(r.Context())
}

// acceptSession upgrades the connection and consumes the mandatory config
// frame. A malformed first frame gets one error event before the socket
// closes with a policy violation.
func (s *Server) acceptSession(w http.ResponseWriter, r *http.Request) (*websocket.Conn, *ConfigMessage, bool) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return nil, nil, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), configReadTimeout)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "config message required")
		return nil, nil, false
	}
	if typ != websocket.MessageText {
		_ = writeJSON(ctx, conn, ErrorEvent{Type: "error", Code: "protocol", Message: "first message must be a config text frame"})
		conn.Close(websocket.StatusPolicyViolation, "config message required")
		return nil, nil, false
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		_ = writeJSON(ctx, conn, ErrorEvent{Type: "error", Code: "protocol", Message: err.Error()})
		conn.Close(websocket.StatusPolicyViolation, "invalid config")
		return nil, nil, false
	}
	return conn, cfg, true
}

// sttProviders returns the adapters a compare session should run. parallel
// caps the count when positive; zero means all configured adapters.
func (s *Server) sttProviders(parallel int) []stt.Provider {
	out := make([]stt.Provider, len(s.stt))
	copy(out, s.stt)
	if parallel > 0 && parallel < len(out) {
		out = out[:parallel]
	}
	return out
}

// sttLanguages maps provider names to their configured default language.
func (s *Server) sttLanguages() map[string]string {
	return s.languages
}

// voiceSTT picks the recognizer for a voice session: the first configured
// adapter that currently probes available, falling back to the first
// configured one.
func (s *Server) voiceSTT() stt.Provider {
	if len(s.stt) == 0 {
		return nil
	}
	if s.avail != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, p := range s.stt {
			if a, ok := s.avail.Provider(ctx, p.Name()); ok && a.Available {
				return p
			}
		}
	}
	return s.stt[0]
}

// availability returns the cached provider availability snapshot, or nil
// when no cache is wired (tests).
func (s *Server) availability(ctx context.Context) []avail.Availability {
	if s.avail == nil {
		return nil
	}
	return s.avail.Get(ctx, false)
}

// writeJSON writes one JSON event frame.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	return wsjson.Write(ctx, conn, v)
}
