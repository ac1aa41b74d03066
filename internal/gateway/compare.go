package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/polyvox-ai/polyvox/internal/avail"
	"github.com/polyvox-ai/polyvox/internal/observe"
	"github.com/polyvox-ai/polyvox/internal/store"
	"github.com/polyvox-ai/polyvox/pkg/audio"
	"github.com/polyvox-ai/polyvox/pkg/normalize"
	"github.com/polyvox-ai/polyvox/pkg/pcm"
	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

// fixedRateProvider is implemented by adapters that only accept one input
// sample rate; the session resamples client audio for them.
type fixedRateProvider interface {
	RequiredSampleRate() int
}

// adapterRun is the per-adapter state of a compare session: the upstream
// handle, the bounded audio queue feeding it, and the counters that end up
// in the session summary.
type adapterRun struct {
	provider stt.Provider
	handle   stt.SessionHandle
	queue    *frameQueue
	rec      *latencyRecorder

	// sampleRate the adapter expects; 0 means the client rate is fine.
	sampleRate int

	mu           sync.Mutex
	interimCount int
	finalCount   int
	degradedEver bool
	lastSentAt   time.Time
}

func (a *adapterRun) markSent(t time.Time) {
	a.mu.Lock()
	a.lastSentAt = t
	a.mu.Unlock()
}

// latencySince returns ms elapsed since the last audio byte was sent
// upstream, or 0 when no audio has been sent yet.
func (a *adapterRun) latencySince(now time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastSentAt.IsZero() {
		return 0
	}
	return float64(now.Sub(a.lastSentAt)) / float64(time.Millisecond)
}

func (a *adapterRun) count(isFinal bool) {
	a.mu.Lock()
	if isFinal {
		a.finalCount++
	} else {
		a.interimCount++
	}
	a.mu.Unlock()
}

func (a *adapterRun) summary() store.ProviderSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return store.ProviderSummary{
		Provider:     a.provider.Name(),
		InterimCount: a.interimCount,
		FinalCount:   a.finalCount,
		Degraded:     a.degradedEver,
		Latency:      a.rec.summary(),
	}
}

// CompareSession orchestrates one /ws/compare client: N adapters run in
// parallel, audio fans in, raw and normalized transcripts fan out.
type CompareSession struct {
	id           string
	conn         *websocket.Conn
	cfg          *ConfigMessage
	providers    []stt.Provider
	languages    map[string]string // provider name → configured language
	availability []avail.Availability

	bucketMs  int
	softLimit int
	hardLimit int

	metrics *observe.Metrics
	sink    store.Sink
	log     *slog.Logger

	norm   *normalize.Normalizer
	normMu sync.Mutex
	gate   *audio.Gate

	outgoing chan any

	startedAt time.Time
}

// newCompareSession wires a session from an accepted socket and its parsed
// config message.
func newCompareSession(conn *websocket.Conn, cfg *ConfigMessage, s *Server) *CompareSession {
	id := uuid.NewString()
	sess := &CompareSession{
		id:           id,
		conn:         conn,
		cfg:          cfg,
		providers:    s.sttProviders(cfg.Options.Parallel),
		languages:    s.sttLanguages(),
		availability: s.availability(context.Background()),
		bucketMs:     s.cfg.Compare.DefaultBucketMs,
		softLimit:    s.cfg.Compare.QueueSoftLimit * 1024,
		hardLimit:    s.cfg.Compare.QueueHardLimit * 1024,
		metrics:      s.metrics,
		sink:         s.sink,
		log:          s.log.With("session_id", id, "mode", "compare"),
		norm:         normalize.New(id, s.cfg.Compare.DefaultBucketMs, normalize.PresetByName(cfg.NormalizePreset)),
		outgoing:     make(chan any, 256),
		startedAt:    time.Now(),
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

// Run drives the session until the client disconnects or a fatal error
// occurs. It always persists a summary and sends session_end before
// returning.
func (s *CompareSession) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.metrics.SessionStarted(ctx, "compare")
	defer s.metrics.SessionEnded(context.WithoutCancel(ctx), "compare")

	// No goroutines are running yet, so start failures are written directly.
	adapters, startErrs := s.startAdapters(ctx)
	for _, ev := range startErrs {
		_ = writeJSON(ctx, s.conn, ev)
	}
	if len(adapters) == 0 {
		_ = writeJSON(ctx, s.conn, ErrorEvent{Type: "error", Code: "no_adapters", Message: "no provider could be started"})
		s.conn.Close(websocket.StatusInternalError, "no adapters")
		return
	}

	g, gctx := errgroup.WithContext(ctx)

	// Single client writer serializes all JSON frames.
	g.Go(func() error { return s.writeLoop(gctx) })

	for _, a := range adapters {
		g.Go(func() error { return s.sendLoop(gctx, a) })
		g.Go(func() error { s.fanIn(gctx, a); return nil })
	}

	// Unblock queue consumers once the session winds down; pop has no
	// context of its own.
	g.Go(func() error {
		<-gctx.Done()
		for _, a := range adapters {
			a.queue.close()
		}
		return nil
	})

	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = a.provider.Name()
	}
	s.writeEvent(ctx, SessionEvent{Type: "session", SessionID: s.id, Providers: names, Availability: s.availability})
	s.log.Info("session started", "providers", names)

	// Reader runs on the group so a read failure tears everything down.
	g.Go(func() error { return s.readLoop(gctx, adapters) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("session ended with error", "err", err)
	}

	s.teardown(adapters)
}

// startAdapters opens all provider streams in parallel. Failures are returned
// as per-provider error events; the session only aborts when every start
// fails.
func (s *CompareSession) startAdapters(ctx context.Context) ([]*adapterRun, []ErrorEvent) {
	streamCfg := stt.StreamConfig{
		SampleRate:        s.cfg.ClientSampleRate,
		InterimResults:    s.cfg.InterimEnabled(),
		Diarization:       s.cfg.Options.EnableDiarization,
		Punctuation:       types.PunctuationPolicy(s.cfg.Options.PunctuationPolicy),
		DictionaryPhrases: s.cfg.Options.DictionaryPhrases,
		ContextPhrases:    s.cfg.ContextPhrases,
		VADEnabled:        s.cfg.Options.EnableVAD,
		Channel:           types.ChannelMic,
	}

	var mu sync.Mutex
	var adapters []*adapterRun
	var startErrs []ErrorEvent
	var wg sync.WaitGroup

	for _, p := range s.providers {
		// Admission first: providers the availability cache marks down are
		// reported and skipped without an upstream connection attempt.
		if reason, unavailable := s.unavailableReason(p.Name()); unavailable {
			s.log.Warn("adapter not admitted", "provider", p.Name(), "reason", reason)
			startErrs = append(startErrs, ErrorEvent{
				Type: "error", Code: "provider_unavailable",
				Message: reason, Provider: p.Name(),
			})
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()

			cfg := streamCfg
			cfg.Language = s.languages[p.Name()]
			rate := 0
			if fr, ok := p.(fixedRateProvider); ok && fr.RequiredSampleRate() != s.cfg.ClientSampleRate {
				rate = fr.RequiredSampleRate()
				cfg.SampleRate = rate
			}

			handle, err := p.StartStream(ctx, cfg)
			if err != nil {
				s.metrics.RecordProviderError(ctx, p.Name(), "stt")
				s.log.Warn("adapter start failed", "provider", p.Name(), "err", err)
				mu.Lock()
				startErrs = append(startErrs, ErrorEvent{
					Type: "error", Code: "adapter_connect",
					Message: err.Error(), Provider: p.Name(),
				})
				mu.Unlock()
				return
			}
			mu.Lock()
			adapters = append(adapters, &adapterRun{
				provider:   p,
				handle:     handle,
				queue:      newFrameQueue(s.softLimit, s.hardLimit),
				rec:        &latencyRecorder{},
				sampleRate: rate,
			})
			mu.Unlock()
		}()
	}
	wg.Wait()
	return adapters, startErrs
}

// unavailableReason looks a provider up in the availability snapshot taken at
// session start. Providers the snapshot does not cover are admitted; the
// stream start is the real test for those.
func (s *CompareSession) unavailableReason(name string) (string, bool) {
	for _, a := range s.availability {
		if a.Provider != name {
			continue
		}
		if a.Available {
			return "", false
		}
		reason := a.Reason
		if reason == "" {
			reason = "provider unavailable"
		}
		return reason, true
	}
	return "", false
}

// readLoop consumes the client socket: binary frames are decoded, gated, and
// fanned out; any further text frame is a protocol error in compare mode.
func (s *CompareSession) readLoop(ctx context.Context, adapters []*adapterRun) error {
	for {
		// Backpressure: pause client reads while any adapter queue is over
		// its soft limit.
		for _, a := range adapters {
			a.queue.waitBelowSoft()
		}

		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageBinary {
			s.writeEvent(ctx, ErrorEvent{Type: "error", Code: "protocol", Message: "unexpected message after config"})
			return ErrProtocol
		}

		frame, err := pcm.Decode(data)
		if err != nil {
			s.writeEvent(ctx, ErrorEvent{Type: "error", Code: "protocol", Message: err.Error()})
			return ErrProtocol
		}

		audioBytes := frame.PCM
		if s.gate != nil {
			d := s.gate.Process(audioBytes, frame.CaptureTs, false)
			if !d.Allow {
				continue
			}
		}

		// The wire buffer is reused by the next read; queued frames need
		// their own copy.
		owned := make([]byte, len(audioBytes))
		copy(owned, audioBytes)

		meta := stt.FrameMeta{CaptureTs: frame.CaptureTs, Seq: frame.Seq}
		for _, a := range adapters {
			if dropped := a.queue.push(queuedFrame{pcm: owned, meta: meta}); dropped > 0 {
				a.mu.Lock()
				a.degradedEver = true
				a.mu.Unlock()
				s.metrics.RecordQueueDrop(ctx, a.provider.Name())
			}
		}
	}
}

// sendLoop is the single consumer of one adapter queue. It resamples when
// the adapter demands a fixed rate and forwards frames in order.
func (s *CompareSession) sendLoop(ctx context.Context, a *adapterRun) error {
	defer a.queue.close()
	for {
		f, ok := a.queue.pop()
		if !ok {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		chunk := f.pcm
		if a.sampleRate != 0 {
			chunk = audio.ResampleMono16(chunk, s.cfg.ClientSampleRate, a.sampleRate)
		}
		if err := a.handle.SendAudio(chunk, f.meta); err != nil {
			if errors.Is(err, stt.ErrClosed) {
				return nil
			}
			// Transport failures surface on the adapter's error channel;
			// the send loop just stops feeding it.
			return nil
		}
		a.markSent(time.Now())
	}
}

// fanIn relays one adapter's transcripts and errors to the client. A failed
// adapter is dropped; the rest of the session keeps running.
func (s *CompareSession) fanIn(ctx context.Context, a *adapterRun) {
	name := a.provider.Name()
	transcripts := a.handle.Transcripts()
	errs := a.handle.Errors()

	for transcripts != nil || errs != nil {
		select {
		case <-ctx.Done():
			return

		case t, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			now := time.Now()
			if t.LatencyMs == 0 {
				t.LatencyMs = a.latencySince(now)
			}
			t.Provider = name
			t.Degraded = t.Degraded || a.queue.takeDegraded()
			a.count(t.IsFinal)
			a.rec.record(t.LatencyMs)

			kind := "interim"
			if t.IsFinal {
				kind = "final"
			}
			s.metrics.RecordTranscriptLatency(ctx, name, kind, t.LatencyMs/1000)
			s.writeEvent(ctx, TranscriptEvent{Type: "transcript", PartialTranscript: t})

			s.normMu.Lock()
			ev := s.norm.Ingest(t)
			s.normMu.Unlock()
			s.writeEvent(ctx, NormalizedEvent{Type: "normalized", Event: ev})

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			s.metrics.RecordProviderError(ctx, name, "stt")
			s.log.Warn("adapter failed", "provider", name, "err", err)
			s.writeEvent(ctx, ErrorEvent{
				Type: "error", Code: "adapter_transport",
				Message: err.Error(), Provider: name,
			})
		}
	}
}

// writeLoop is the single socket writer for JSON events.
func (s *CompareSession) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.outgoing:
			if !ok {
				return nil
			}
			if err := writeJSON(ctx, s.conn, ev); err != nil {
				return err
			}
		}
	}
}

// writeEvent queues one event for the client writer. A full buffer blocks
// until the writer drains or the session winds down; transcripts are never
// dropped for a slow but live client.
func (s *CompareSession) writeEvent(ctx context.Context, ev any) {
	select {
	case s.outgoing <- ev:
	case <-ctx.Done():
	}
}

// teardown ends every adapter best-effort, persists the summary, and sends
// session_end directly (the writer goroutine has exited by now).
func (s *CompareSession) teardown(adapters []*adapterRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, a := range adapters {
		a.queue.close()
		if err := a.handle.End(); err != nil && !errors.Is(err, stt.ErrClosed) {
			s.log.Debug("adapter end", "provider", a.provider.Name(), "err", err)
		}
		if err := a.handle.Close(); err != nil {
			s.log.Debug("adapter close", "provider", a.provider.Name(), "err", err)
		}
	}
	for _, a := range adapters {
		select {
		case <-a.handle.Done():
		case <-ctx.Done():
		}
	}

	summary := s.buildSummary(adapters)
	didTimeout, err := withTimeout(context.Background(), 5*time.Second, func(wctx context.Context) error {
		return s.sink.WriteSummary(wctx, summary)
	})
	switch {
	case didTimeout:
		s.log.Warn("summary write timed out")
	case err != nil:
		s.log.Warn("summary write failed", "err", err)
	}

	_ = writeJSON(ctx, s.conn, SessionEndEvent{Type: "session_end", Summary: &summary})
	s.conn.Close(websocket.StatusNormalClosure, "session end")
	s.log.Info("session ended",
		"duration", time.Since(s.startedAt),
		"providers", len(adapters),
	)
}

// buildSummary assembles the persisted record: per-provider counters plus
// cross-provider agreement over finalized windows.
func (s *CompareSession) buildSummary(adapters []*adapterRun) store.SessionSummary {
	sum := store.SessionSummary{
		SessionID: s.id,
		Mode:      "compare",
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
	}
	for _, a := range adapters {
		sum.Providers = append(sum.Providers, a.summary())
	}

	s.normMu.Lock()
	pairs := s.norm.PairScores()
	s.normMu.Unlock()
	for _, p := range pairs {
		sum.Agreement = append(sum.Agreement, store.AgreementScore{
			ProviderA: p.ProviderA,
			ProviderB: p.ProviderB,
			Score:     p.Score,
		})
	}
	return sum
}
