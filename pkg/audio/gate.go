package audio

import "math"

// GateConfig tunes the meeting-mode speech gate. The zero value is usable;
// NewGate clamps every field to a sane range and fills in defaults.
type GateConfig struct {
	// Enabled activates gating. A disabled gate admits every frame unchanged
	// and keeps no state.
	Enabled bool

	// MinRMS is the absolute floor for the dynamic open threshold. Default 0.01.
	MinRMS float64

	// NoiseAlpha is the EMA factor used to track the adaptive noise floor.
	// Default 0.03.
	NoiseAlpha float64

	// OpenFactor scales the noise floor into the open threshold while the gate
	// is closed. Default 3.0.
	OpenFactor float64

	// CloseFactor scales the noise floor into the sustain threshold while the
	// gate is open. Must be below OpenFactor for hysteresis. Default 1.8.
	CloseFactor float64

	// HangoverMs is the grace period the gate stays open after the last speech
	// detection, in capture-timestamp milliseconds. Default 250.
	HangoverMs float64

	// AssistantGuardFactor raises the threshold while the assistant is
	// speaking, so playback bleeding into the microphone does not reopen the
	// gate. Default 1.5.
	AssistantGuardFactor float64

	// VADEnabled switches from whole-frame RMS gating to per-sub-frame
	// analysis (energy, zero-crossing rate, tonality).
	VADEnabled bool

	// VADMode selects one of four detection profiles, 0 (permissive) to
	// 3 (aggressive). Values outside the range are clamped.
	VADMode int

	// SampleRate of the incoming mono PCM in Hz. Default 16000.
	SampleRate int
}

// vadProfile holds the per-mode detection thresholds. More aggressive
// profiles raise every threshold.
type vadProfile struct {
	snrThreshold    float64 // sub-frame RMS over noise floor
	zcrMin, zcrMax  float64 // zero-crossing rate band (crossings per sample)
	minSpeechFrames int     // sub-frames that must classify as speech
	speechRatio     float64 // fraction of sub-frames that must classify as speech
	toneStdRatio    float64 // minimum inter-crossing interval spread (std/mean)
}

// vadProfiles indexes the fixed detection profiles by VADMode.
var vadProfiles = [4]vadProfile{
	{snrThreshold: 1.5, zcrMin: 0.02, zcrMax: 0.35, minSpeechFrames: 2, speechRatio: 0.30, toneStdRatio: 0.10},
	{snrThreshold: 2.0, zcrMin: 0.03, zcrMax: 0.30, minSpeechFrames: 3, speechRatio: 0.40, toneStdRatio: 0.12},
	{snrThreshold: 2.5, zcrMin: 0.04, zcrMax: 0.28, minSpeechFrames: 4, speechRatio: 0.50, toneStdRatio: 0.15},
	{snrThreshold: 3.0, zcrMin: 0.05, zcrMax: 0.25, minSpeechFrames: 5, speechRatio: 0.60, toneStdRatio: 0.18},
}

// subFrameMs is the analysis granularity inside one processed frame.
const subFrameMs = 20

// Decision is the outcome of gating one audio frame.
type Decision struct {
	// Allow reports whether the frame may pass to the STT adapters.
	Allow bool

	// Opened is set on the frame that transitioned the gate from closed to open.
	Opened bool

	// Closed is set on the frame that transitioned the gate from open to closed.
	Closed bool

	// SpeechDetected reports whether this frame itself classified as speech,
	// independent of hangover.
	SpeechDetected bool
}

// Gate is the per-session meeting-mode speech detector. It suppresses room
// noise, hold music, and assistant playback echo before audio reaches any
// STT adapter.
//
// Gate is stateful and not safe for concurrent use; each session owns exactly
// one. Time is taken from the frames' capture timestamps, so replayed audio
// gates identically to live audio.
type Gate struct {
	cfg     GateConfig
	profile vadProfile

	open          bool
	noiseRMS      float64
	hangoverUntil float64
	lastCaptureTs float64
}

// NewGate creates a Gate with cfg clamped to sane ranges. Zero-value fields
// receive defaults.
func NewGate(cfg GateConfig) *Gate {
	if cfg.MinRMS <= 0 {
		cfg.MinRMS = 0.01
	}
	if cfg.NoiseAlpha <= 0 || cfg.NoiseAlpha > 1 {
		cfg.NoiseAlpha = 0.03
	}
	if cfg.OpenFactor <= 1 {
		cfg.OpenFactor = 3.0
	}
	if cfg.CloseFactor <= 0 || cfg.CloseFactor >= cfg.OpenFactor {
		cfg.CloseFactor = 1.8
	}
	if cfg.HangoverMs <= 0 {
		cfg.HangoverMs = 250
	}
	if cfg.AssistantGuardFactor < 1 {
		cfg.AssistantGuardFactor = 1.5
	}
	if cfg.VADMode < 0 {
		cfg.VADMode = 0
	}
	if cfg.VADMode > 3 {
		cfg.VADMode = 3
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Gate{
		cfg:      cfg,
		profile:  vadProfiles[cfg.VADMode],
		noiseRMS: cfg.MinRMS,
	}
}

// Process evaluates one mono PCM frame captured at captureTs (ms since the
// Unix epoch). assistantSpeaking raises the open threshold to guard against
// the assistant's own playback echo.
func (g *Gate) Process(pcm []byte, captureTs float64, assistantSpeaking bool) Decision {
	if !g.cfg.Enabled {
		return Decision{Allow: true}
	}

	rms := RMS(pcm)
	g.lastCaptureTs = captureTs

	factor := g.cfg.OpenFactor
	if g.open {
		factor = g.cfg.CloseFactor
	}
	threshold := math.Max(g.cfg.MinRMS, g.noiseRMS*factor)
	if assistantSpeaking {
		threshold *= g.cfg.AssistantGuardFactor
	}

	var speech bool
	if g.cfg.VADEnabled {
		speech = g.detectSpeech(pcm, threshold)
	} else {
		speech = rms >= threshold
	}

	// Track the noise floor while the gate is closed, or whenever the signal
	// dips below the current floor.
	if !g.open || rms < g.noiseRMS {
		g.noiseRMS += g.cfg.NoiseAlpha * (rms - g.noiseRMS)
	}

	d := Decision{SpeechDetected: speech}
	switch {
	case !g.open && speech:
		g.open = true
		g.hangoverUntil = captureTs + g.cfg.HangoverMs
		d.Opened = true
	case g.open && speech:
		g.hangoverUntil = captureTs + g.cfg.HangoverMs
	case g.open && captureTs >= g.hangoverUntil:
		g.open = false
		d.Closed = true
	}
	d.Allow = g.open
	return d
}

// Open reports whether the gate is currently open.
func (g *Gate) Open() bool { return g.open }

// NoiseRMS returns the current adaptive noise floor estimate.
func (g *Gate) NoiseRMS() float64 { return g.noiseRMS }

// detectSpeech runs the per-sub-frame VAD over ~20 ms slices of the frame.
// A sub-frame counts as speech when its energy clears the dynamic threshold
// and the configured SNR, its zero-crossing rate falls inside the profile
// band, and its inter-crossing intervals are irregular enough to rule out a
// pure tone. The whole frame is speech when both the absolute sub-frame count
// and the speech ratio clear the profile.
func (g *Gate) detectSpeech(pcm []byte, threshold float64) bool {
	subSamples := g.cfg.SampleRate * subFrameMs / 1000
	if subSamples == 0 {
		return false
	}
	subBytes := subSamples * 2

	total := 0
	speechFrames := 0
	for off := 0; off+subBytes <= len(pcm); off += subBytes {
		sub := pcm[off : off+subBytes]
		total++
		if g.isSpeechSubFrame(sub, threshold) {
			speechFrames++
		}
	}
	// Analyse a trailing partial sub-frame if it is at least half-sized, so
	// short frames are not silently ignored.
	if rem := len(pcm) % subBytes; rem >= subBytes/2 {
		total++
		if g.isSpeechSubFrame(pcm[len(pcm)-rem:], threshold) {
			speechFrames++
		}
	}
	if total == 0 {
		return false
	}

	ratio := float64(speechFrames) / float64(total)
	return speechFrames >= g.profile.minSpeechFrames && ratio > g.profile.speechRatio
}

// isSpeechSubFrame classifies a single ~20 ms slice.
func (g *Gate) isSpeechSubFrame(sub []byte, threshold float64) bool {
	rms := RMS(sub)
	if rms < threshold {
		return false
	}
	if g.noiseRMS > 0 && rms/g.noiseRMS < g.profile.snrThreshold {
		return false
	}

	samples := Samples(sub)
	crossings := zeroCrossings(samples)
	if len(samples) == 0 {
		return false
	}
	zcr := float64(len(crossings)) / float64(len(samples))
	if zcr < g.profile.zcrMin || zcr > g.profile.zcrMax {
		return false
	}

	// Pure tones cross zero at metronomic intervals; speech does not.
	spread := intervalSpread(crossings)
	return spread > g.profile.toneStdRatio
}

// zeroCrossings returns the sample indices where the signal changes sign.
// Zero samples classify as non-negative, so exact zeros do not hide crossings.
func zeroCrossings(samples []float64) []int {
	var out []int
	for i := 1; i < len(samples); i++ {
		a := samples[i-1] >= 0
		b := samples[i] >= 0
		if a != b {
			out = append(out, i)
		}
	}
	return out
}

// intervalSpread returns the coefficient of variation (stddev over mean) of
// the gaps between successive zero crossings. Returns 0 when there are fewer
// than three crossings.
func intervalSpread(crossings []int) float64 {
	if len(crossings) < 3 {
		return 0
	}
	intervals := make([]float64, len(crossings)-1)
	var mean float64
	for i := 1; i < len(crossings); i++ {
		intervals[i-1] = float64(crossings[i] - crossings[i-1])
		mean += intervals[i-1]
	}
	mean /= float64(len(intervals))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, iv := range intervals {
		d := iv - mean
		variance += d * d
	}
	variance /= float64(len(intervals))
	return math.Sqrt(variance) / mean
}
