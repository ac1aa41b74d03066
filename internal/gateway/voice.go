package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/polyvox-ai/polyvox/internal/config"
	"github.com/polyvox-ai/polyvox/internal/observe"
	"github.com/polyvox-ai/polyvox/internal/store"
	"github.com/polyvox-ai/polyvox/pkg/audio"
	"github.com/polyvox-ai/polyvox/pkg/pcm"
	"github.com/polyvox-ai/polyvox/pkg/provider/llm"
	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
	"github.com/polyvox-ai/polyvox/pkg/provider/tts"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

type voicePhase int

const (
	phaseListening voicePhase = iota
	phaseThinking
	phaseSpeaking
)

func (p voicePhase) String() string {
	switch p {
	case phaseThinking:
		return "thinking"
	case phaseSpeaking:
		return "speaking"
	default:
		return "listening"
	}
}

// fallbackReply is spoken as text when the language model fails mid-turn.
const fallbackReply = "Sorry, I ran into a problem answering that."

// defaultFinalizeDelay coalesces consecutive finals into one user turn when
// the client does not configure its own delay.
const defaultFinalizeDelay = 300 * time.Millisecond

// outFrame is one serialized unit for the socket writer: either a JSON event
// or a binary audio chunk.
type outFrame struct {
	event any
	audio []byte
}

// VoiceSession drives one /ws/voice client through the listen, think, speak
// turn cycle: user speech is transcribed, the reply model answers, and the
// answer is synthesised back as PCM. Commands from the client can cut a turn
// short at any phase.
type VoiceSession struct {
	id   string
	conn *websocket.Conn
	cfg  *ConfigMessage

	sttProvider stt.Provider
	llmProvider llm.Provider
	ttsProvider tts.Provider
	voiceCfg    config.VoiceConfig
	historyMax  int

	metrics *observe.Metrics
	sink    store.Sink
	log     *slog.Logger

	gate     *audio.Gate
	outgoing chan outFrame

	// mu guards the turn state below. Every mutation made by a turn
	// goroutine first re-checks currentTurnID, so a cancelled turn that is
	// still winding down cannot disturb its successor.
	mu            sync.Mutex
	phase         voicePhase
	currentTurnID string
	turnCancel    context.CancelFunc
	history       []types.Message

	// pendingFinal accumulates final transcripts during the finalize delay.
	pendingFinal []string
	finalizeTmr  *time.Timer

	rec          *latencyRecorder
	interimCount int
	finalCount   int

	startedAt time.Time
}

// newVoiceSession wires a session from an accepted socket and its parsed
// config message.
func newVoiceSession(conn *websocket.Conn, cfg *ConfigMessage, s *Server) *VoiceSession {
	id := uuid.NewString()
	sess := &VoiceSession{
		id:          id,
		conn:        conn,
		cfg:         cfg,
		sttProvider: s.voiceSTT(),
		llmProvider: s.llm,
		ttsProvider: s.tts,
		voiceCfg:    s.cfg.Voice,
		historyMax:  s.env.VoiceHistoryMaxTurns,
		metrics:     s.metrics,
		sink:        s.sink,
		log:         s.log.With("session_id", id, "mode", "voice"),
		outgoing:    make(chan outFrame, 256),
		rec:         &latencyRecorder{},
		startedAt:   time.Now(),
	}
	if cfg.Options.MeetingMode {
		sess.gate = audio.NewGate(audio.GateConfig{
			Enabled:    true,
			VADEnabled: cfg.Options.EnableVAD,
			SampleRate: cfg.ClientSampleRate,
		})
	}
	return sess
}

// Run drives the session until the client disconnects. A summary is persisted
// on the way out.
func (s *VoiceSession) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.metrics.SessionStarted(ctx, "voice")
	defer s.metrics.SessionEnded(context.WithoutCancel(ctx), "voice")

	if s.sttProvider == nil || s.llmProvider == nil || s.ttsProvider == nil {
		_ = writeJSON(ctx, s.conn, ErrorEvent{Type: "error", Code: "no_adapters", Message: "voice pipeline is not fully configured"})
		s.conn.Close(websocket.StatusInternalError, "voice pipeline unavailable")
		return
	}

	handle, err := s.sttProvider.StartStream(ctx, stt.StreamConfig{
		SampleRate:     s.cfg.ClientSampleRate,
		InterimResults: s.cfg.InterimEnabled(),
		Punctuation:    types.PunctuationPolicy(s.cfg.Options.PunctuationPolicy),
		ContextPhrases: s.cfg.ContextPhrases,
		VADEnabled:     s.cfg.Options.EnableVAD,
		Channel:        types.ChannelMic,
	})
	if err != nil {
		s.metrics.RecordProviderError(ctx, s.sttProvider.Name(), "stt")
		_ = writeJSON(ctx, s.conn, ErrorEvent{
			Type: "error", Code: "adapter_connect",
			Message: err.Error(), Provider: s.sttProvider.Name(),
		})
		s.conn.Close(websocket.StatusInternalError, "stt unavailable")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { s.sttFanIn(gctx, handle); return nil })
	g.Go(func() error { return s.readLoop(gctx, handle) })

	s.writeEvent(ctx, VoiceSessionEvent{
		Type:             "voice_session",
		SessionID:        s.id,
		Provider:         s.sttProvider.Name(),
		OutputSampleRate: s.ttsProvider.SampleRate(),
	})
	s.writeEvent(ctx, VoiceStateEvent{Type: "voice_state", State: phaseListening.String()})
	s.log.Info("voice session started", "stt", s.sttProvider.Name())

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("voice session ended with error", "err", err)
	}
	s.teardown(handle)
}

// readLoop consumes the client socket. Binary frames feed the recognizer,
// text frames must be commands.
func (s *VoiceSession) readLoop(ctx context.Context, handle stt.SessionHandle) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}

		if typ == websocket.MessageText {
			cmd, err := ParseCommand(data)
			if err != nil {
				s.writeEvent(ctx, ErrorEvent{Type: "error", Code: "protocol", Message: err.Error()})
				continue
			}
			s.handleCommand(ctx, cmd)
			continue
		}

		frame, err := pcm.Decode(data)
		if err != nil {
			s.writeEvent(ctx, ErrorEvent{Type: "error", Code: "protocol", Message: err.Error()})
			return ErrProtocol
		}
		if s.gate != nil {
			d := s.gate.Process(frame.PCM, frame.CaptureTs, s.speaking())
			if !d.Allow {
				continue
			}
		}
		err = handle.SendAudio(frame.PCM, stt.FrameMeta{CaptureTs: frame.CaptureTs, Seq: frame.Seq})
		if err != nil && !errors.Is(err, stt.ErrClosed) {
			s.log.Warn("audio forward failed", "err", err)
		}
	}
}

func (s *VoiceSession) speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseSpeaking
}

// sttFanIn relays recognizer output: interims go straight to the client,
// finals arm the finalize delay that starts a turn.
func (s *VoiceSession) sttFanIn(ctx context.Context, handle stt.SessionHandle) {
	transcripts := handle.Transcripts()
	errs := handle.Errors()

	for transcripts != nil || errs != nil {
		select {
		case <-ctx.Done():
			return

		case t, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			s.rec.record(t.LatencyMs)
			if !t.IsFinal {
				s.mu.Lock()
				s.interimCount++
				s.mu.Unlock()
				s.writeEvent(ctx, VoiceUserTranscriptEvent{
					Type: "voice_user_transcript", Text: t.Text, IsFinal: false,
				})
				continue
			}
			s.mu.Lock()
			s.finalCount++
			s.mu.Unlock()
			s.onFinal(ctx, t.Text)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			s.metrics.RecordProviderError(ctx, s.sttProvider.Name(), "stt")
			s.writeEvent(ctx, ErrorEvent{
				Type: "error", Code: "adapter_transport",
				Message: err.Error(), Provider: s.sttProvider.Name(),
			})
		}
	}
}

// onFinal buffers one final transcript and (re)arms the finalize timer.
// Consecutive finals inside the delay window merge into a single turn. A
// final arriving while a turn is thinking or speaking supersedes that turn:
// it is cancelled without waiting, and when audio was already playing the
// client gets a barge_in audio end before the new turn begins.
func (s *VoiceSession) onFinal(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if s.cfg.Options.MeetingRequireWakeWord && !s.matchesWakeWord(text) {
		s.writeEvent(ctx, VoiceUserTranscriptEvent{
			Type: "voice_user_transcript", Text: text, IsFinal: true,
		})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseListening {
		turnID := s.currentTurnID
		cancel := s.turnCancel
		wasSpeaking := s.phase == phaseSpeaking
		s.phase = phaseListening
		s.currentTurnID = ""
		s.turnCancel = nil

		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.log.Info("turn superseded by new user speech", "turn_id", turnID)
		if wasSpeaking {
			s.metrics.RecordBargeIn(ctx)
			s.writeEvent(ctx, VoiceAudioEndEvent{Type: "voice_assistant_audio_end", TurnID: turnID, Reason: ReasonBargeIn})
		}
		s.mu.Lock()
	}
	s.pendingFinal = append(s.pendingFinal, text)

	delay := defaultFinalizeDelay
	if s.cfg.Options.FinalizeDelayMs > 0 {
		delay = time.Duration(s.cfg.Options.FinalizeDelayMs) * time.Millisecond
	}
	if s.finalizeTmr != nil {
		s.finalizeTmr.Stop()
	}
	s.finalizeTmr = time.AfterFunc(delay, func() { s.startTurn(ctx) })
}

func (s *VoiceSession) matchesWakeWord(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range s.cfg.Options.WakeWords {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// startTurn promotes the buffered finals into a new turn. No-op when another
// turn won the race.
func (s *VoiceSession) startTurn(ctx context.Context) {
	s.mu.Lock()
	if s.phase != phaseListening || len(s.pendingFinal) == 0 {
		s.mu.Unlock()
		return
	}
	userText := strings.Join(s.pendingFinal, " ")
	s.pendingFinal = nil

	turnID := uuid.NewString()
	turnCtx, cancel := context.WithCancel(ctx)
	s.phase = phaseThinking
	s.currentTurnID = turnID
	s.turnCancel = cancel
	s.history = append(s.history, types.Message{Role: "user", Content: userText})
	s.mu.Unlock()

	go s.runTurn(turnCtx, turnID, userText)
}

// isCurrent reports whether turnID still owns the session's turn state.
func (s *VoiceSession) isCurrent(turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTurnID == turnID
}

// finishTurn releases the turn state back to listening. Returns false when
// the turn had already been superseded or aborted.
func (s *VoiceSession) finishTurn(turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentTurnID != turnID {
		return false
	}
	s.phase = phaseListening
	s.currentTurnID = ""
	s.turnCancel = nil
	return true
}

// runTurn executes one full think-and-speak cycle for a finalized user
// utterance.
func (s *VoiceSession) runTurn(ctx context.Context, turnID, userText string) {
	turnStart := time.Now()

	s.writeEvent(ctx, VoiceStateEvent{Type: "voice_state", State: phaseThinking.String()})
	s.writeEvent(ctx, VoiceUserTranscriptEvent{
		Type: "voice_user_transcript", TurnID: turnID, Text: userText, IsFinal: true,
	})

	reply, llmDur, ok := s.generateReply(ctx, turnID)
	if !ok {
		return
	}

	// Record the assistant reply before synthesis; barge-in during playback
	// still counts the text as said.
	s.mu.Lock()
	if s.currentTurnID == turnID {
		s.history = append(s.history, types.Message{Role: "assistant", Content: reply})
		s.trimHistoryLocked()
		s.phase = phaseSpeaking
	}
	current := s.currentTurnID == turnID
	s.mu.Unlock()
	if !current {
		return
	}

	s.writeEvent(ctx, VoiceAssistantTextEvent{
		Type: "voice_assistant_text", TurnID: turnID, Text: reply, IsFinal: true,
	})
	s.writeEvent(ctx, VoiceStateEvent{Type: "voice_state", State: phaseSpeaking.String()})

	s.speakReply(ctx, turnID, reply, llmDur, turnStart)
}

// generateReply streams the model completion, forwarding incremental text to
// the client. Returns ok=false when the turn failed or was superseded; the
// failure path has already notified the client and reset the phase.
func (s *VoiceSession) generateReply(ctx context.Context, turnID string) (reply string, llmDur time.Duration, ok bool) {
	llmStart := time.Now()

	snapshot := s.historySnapshot()
	stream, err := s.llmProvider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     snapshot,
		SystemPrompt: s.voiceCfg.SystemPrompt,
	})
	if err != nil {
		s.failTurn(ctx, turnID, "llm", err)
		return "", 0, false
	}

	var b strings.Builder
	for chunk := range stream {
		if !s.isCurrent(turnID) {
			return "", 0, false
		}
		if chunk.FinishReason == "error" {
			s.failTurn(ctx, turnID, "llm", errors.New(chunk.Text))
			return "", 0, false
		}
		if chunk.Text == "" {
			continue
		}
		b.WriteString(chunk.Text)
		s.writeEvent(ctx, VoiceAssistantTextEvent{
			Type: "voice_assistant_text", TurnID: turnID, Text: chunk.Text, IsFinal: false,
		})
	}
	if ctx.Err() != nil || !s.isCurrent(turnID) {
		return "", 0, false
	}

	llmDur = time.Since(llmStart)
	s.metrics.LLMDuration.Record(ctx, llmDur.Seconds(),
		metric.WithAttributes(observe.Attr("provider", "llm")))

	reply = strings.TrimSpace(b.String())
	if reply == "" {
		s.failTurn(ctx, turnID, "llm", errors.New("empty completion"))
		return "", 0, false
	}
	return reply, llmDur, true
}

// speakReply synthesises the reply and streams PCM to the client.
func (s *VoiceSession) speakReply(ctx context.Context, turnID, reply string, llmDur time.Duration, turnStart time.Time) {
	ttsStart := time.Now()

	textCh := make(chan string, 1)
	textCh <- reply
	close(textCh)

	audioCh, err := s.ttsProvider.SynthesizeStream(ctx, textCh, tts.VoiceProfile{
		ID:          s.voiceCfg.VoiceID,
		SpeedFactor: s.voiceCfg.SpeedFactor,
	})
	if err != nil {
		s.failTurn(ctx, turnID, "tts", err)
		return
	}

	first := true
	for chunk := range audioCh {
		if !s.isCurrent(turnID) {
			// Drain so the provider's goroutine can exit; ctx is cancelled.
			continue
		}
		if first {
			first = false
			ttfb := time.Since(ttsStart)
			s.metrics.TTSFirstByte.Record(ctx, ttfb.Seconds(),
				metric.WithAttributes(observe.Attr("provider", "tts")))
			s.writeEvent(ctx, VoiceAudioStartEvent{
				Type:      "voice_assistant_audio_start",
				TurnID:    turnID,
				LLMMs:     float64(llmDur) / float64(time.Millisecond),
				TTSTtfbMs: float64(ttfb) / float64(time.Millisecond),
			})
		}
		s.writeAudio(ctx, chunk)
	}

	// A cancelled turn was already closed out (with its end reason) by the
	// command that cancelled it.
	if ctx.Err() != nil || !s.finishTurn(turnID) {
		return
	}
	if first {
		s.failTurn(ctx, turnID, "tts", errors.New("no audio synthesized"))
		return
	}
	s.writeEvent(ctx, VoiceAudioEndEvent{Type: "voice_assistant_audio_end", TurnID: turnID, Reason: ReasonCompleted})
	s.writeEvent(ctx, VoiceStateEvent{Type: "voice_state", State: phaseListening.String()})
	s.metrics.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
}

// failTurn reports a provider failure, sends the fallback reply as text, and
// returns the session to listening.
func (s *VoiceSession) failTurn(ctx context.Context, turnID, kind string, err error) {
	if !s.finishTurn(turnID) {
		return
	}
	s.log.Warn("turn failed", "turn_id", turnID, "kind", kind, "err", err)
	s.metrics.RecordProviderError(ctx, kind, kind)
	s.writeEvent(ctx, VoiceAssistantTextEvent{
		Type: "voice_assistant_text", TurnID: turnID, Text: fallbackReply, IsFinal: true,
	})
	s.writeEvent(ctx, ErrorEvent{Type: "error", Code: kind, Message: err.Error()})
	s.writeEvent(ctx, VoiceStateEvent{Type: "voice_state", State: phaseListening.String()})
}

// handleCommand applies one client command to the turn state.
func (s *VoiceSession) handleCommand(ctx context.Context, cmd *CommandMessage) {
	switch cmd.Name {
	case CmdResetHistory:
		s.mu.Lock()
		s.history = nil
		s.mu.Unlock()
		s.log.Info("history reset")
		return

	case CmdBargeIn, CmdStopSpeaking:
	default:
		return
	}

	s.mu.Lock()
	phase := s.phase
	turnID := s.currentTurnID
	cancel := s.turnCancel
	if phase == phaseListening {
		s.mu.Unlock()
		return
	}
	s.phase = phaseListening
	s.currentTurnID = ""
	s.turnCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Interrupting playback is a barge-in; anything else is a plain stop.
	reason := ReasonStopped
	if cmd.Name == CmdBargeIn && phase == phaseSpeaking {
		reason = ReasonBargeIn
		s.metrics.RecordBargeIn(ctx)
	}
	s.log.Info("turn interrupted",
		"turn_id", turnID, "command", cmd.Name, "played_ms", cmd.PlayedMs)
	s.writeEvent(ctx, VoiceAudioEndEvent{Type: "voice_assistant_audio_end", TurnID: turnID, Reason: reason})
	s.writeEvent(ctx, VoiceStateEvent{Type: "voice_state", State: phaseListening.String()})
}

// historySnapshot copies the conversation for a model request.
func (s *VoiceSession) historySnapshot() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.history))
	copy(out, s.history)
	return out
}

// trimHistoryLocked bounds the history to the configured number of
// user/assistant pairs. Caller holds mu.
func (s *VoiceSession) trimHistoryLocked() {
	maxMsgs := 2 * s.historyMax
	if maxMsgs > 0 && len(s.history) > maxMsgs {
		s.history = append([]types.Message(nil), s.history[len(s.history)-maxMsgs:]...)
	}
}

// writeLoop is the single socket writer, serializing JSON events and binary
// audio chunks.
func (s *VoiceSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-s.outgoing:
			if !ok {
				return nil
			}
			var err error
			if f.audio != nil {
				err = s.conn.Write(ctx, websocket.MessageBinary, f.audio)
			} else {
				err = writeJSON(ctx, s.conn, f.event)
			}
			if err != nil {
				return err
			}
		}
	}
}

func (s *VoiceSession) writeEvent(ctx context.Context, ev any) {
	select {
	case s.outgoing <- outFrame{event: ev}:
	case <-ctx.Done():
	}
}

func (s *VoiceSession) writeAudio(ctx context.Context, chunk []byte) {
	select {
	case s.outgoing <- outFrame{audio: chunk}:
	case <-ctx.Done():
	}
}

// teardown cancels any in-flight turn, closes the recognizer, and persists
// the session summary.
func (s *VoiceSession) teardown(handle stt.SessionHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	if s.finalizeTmr != nil {
		s.finalizeTmr.Stop()
	}
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.currentTurnID = ""
	interim, final := s.interimCount, s.finalCount
	s.mu.Unlock()

	if err := handle.End(); err != nil && !errors.Is(err, stt.ErrClosed) {
		s.log.Debug("adapter end", "err", err)
	}
	if err := handle.Close(); err != nil {
		s.log.Debug("adapter close", "err", err)
	}
	select {
	case <-handle.Done():
	case <-ctx.Done():
	}

	summary := store.SessionSummary{
		SessionID: s.id,
		Mode:      "voice",
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Providers: []store.ProviderSummary{{
			Provider:     s.sttProvider.Name(),
			InterimCount: interim,
			FinalCount:   final,
			Latency:      s.rec.summary(),
		}},
	}
	didTimeout, err := withTimeout(context.Background(), 5*time.Second, func(wctx context.Context) error {
		return s.sink.WriteSummary(wctx, summary)
	})
	switch {
	case didTimeout:
		s.log.Warn("summary write timed out")
	case err != nil:
		s.log.Warn("summary write failed", "err", err)
	}

	s.conn.Close(websocket.StatusNormalClosure, "session end")
	s.log.Info("voice session ended", "duration", time.Since(s.startedAt))
}
