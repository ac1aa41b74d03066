// Package normalize folds per-provider interim and final transcripts into
// fixed-width time windows so the UI can diff providers side by side.
//
// Each incoming transcript is keyed by its audio capture timestamp into a
// window of bucketMs width. Per (window, provider) the normalizer assigns
// strictly increasing revisions, computes an incremental text delta against
// the provider's previous full text, and applies the session's normalization
// preset. Ingest is strictly synchronous and performs no I/O; the caller
// serializes calls per session.
package normalize

import (
	"fmt"
	"sort"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/polyvox-ai/polyvox/pkg/types"
)

// DefaultBucketMs is the default time-window width.
const DefaultBucketMs = 250

// Event is the normalized view of one transcript, emitted once per ingest.
type Event struct {
	// NormalizedID uniquely identifies an emitted revision:
	// sessionId:provider:windowId:revision. Replaying the same input sequence
	// reproduces the same IDs.
	NormalizedID string `json:"normalizedId"`

	SessionID string `json:"sessionId"`
	Provider  string `json:"provider"`

	// WindowID is floor(captureTs / bucketMs).
	WindowID      int64 `json:"windowId"`
	WindowStartMs int64 `json:"windowStartMs"`
	WindowEndMs   int64 `json:"windowEndMs"`

	// TextRaw is the provider's full text for this event.
	TextRaw string `json:"textRaw"`

	// TextNorm is the preset-normalized incremental text (the delta against
	// the provider's previous full text, or the full text when there is no
	// delta).
	TextNorm string `json:"textNorm"`

	// TextDelta is the un-normalized suffix that TextNorm was derived from.
	// Empty when the event repeats previously published content.
	TextDelta string `json:"textDelta,omitempty"`

	IsFinal  bool `json:"isFinal"`
	Revision int  `json:"revision"`

	LatencyMs  float64 `json:"latencyMs,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	PunctuationApplied bool `json:"punctuationApplied,omitempty"`
	CasingApplied      bool `json:"casingApplied,omitempty"`
}

// windowKey identifies per-provider window state.
type windowKey struct {
	windowID int64
	provider string
}

// windowState is the retained state for one (window, provider) tuple.
// Invariant: revision strictly increases; once isFinal is set, interim
// updates no longer mutate the stored text.
type windowState struct {
	revision int
	isFinal  bool
	textRaw  string
	textNorm string
}

// Normalizer is the per-session transcript aligner. Not safe for concurrent
// use; the owning session serializes Ingest calls.
type Normalizer struct {
	sessionID string
	bucketMs  int64
	preset    Preset

	windows  map[windowKey]*windowState
	prevFull map[string]string // provider → last full raw text

	// finals records normalized final texts per window per provider for
	// cross-provider agreement scoring at session end.
	finals map[int64]map[string]string

	// now is the clock used for the captureTs fallback; overridable in tests.
	now func() time.Time
}

// New creates a Normalizer for one session. bucketMs ≤ 0 selects
// DefaultBucketMs.
func New(sessionID string, bucketMs int, preset Preset) *Normalizer {
	if bucketMs <= 0 {
		bucketMs = DefaultBucketMs
	}
	return &Normalizer{
		sessionID: sessionID,
		bucketMs:  int64(bucketMs),
		preset:    preset,
		windows:   make(map[windowKey]*windowState),
		prevFull:  make(map[string]string),
		finals:    make(map[int64]map[string]string),
		now:       time.Now,
	}
}

// Ingest folds one transcript into its time window and returns the event to
// publish. When a window already holds a final and an interim arrives late,
// the previous final content is re-emitted at its existing revision so the UI
// does not churn.
func (n *Normalizer) Ingest(t types.PartialTranscript) Event {
	captureTs := t.OriginCaptureTs
	if captureTs == 0 {
		captureTs = t.Timestamp
	}
	if captureTs == 0 {
		captureTs = float64(n.now().UnixMilli())
	}

	windowID := int64(captureTs) / n.bucketMs
	windowStart := windowID * n.bucketMs
	key := windowKey{windowID: windowID, provider: t.Provider}

	ev := Event{
		SessionID:     n.sessionID,
		Provider:      t.Provider,
		WindowID:      windowID,
		WindowStartMs: windowStart,
		WindowEndMs:   windowStart + n.bucketMs,
		LatencyMs:     t.LatencyMs,
		Confidence:    t.Confidence,
	}

	state := n.windows[key]

	// A late interim must not disturb a published final: repeat the final.
	if state != nil && state.isFinal && !t.IsFinal {
		ev.Revision = state.revision
		ev.IsFinal = true
		ev.TextRaw = state.textRaw
		ev.TextNorm = state.textNorm
		ev.NormalizedID = n.id(t.Provider, windowID, state.revision)
		return ev
	}

	// Incremental delta against the provider's previous full text.
	prev := n.prevFull[t.Provider]
	lcp := commonPrefixLen(prev, t.Text)
	delta := t.Text[lcp:]
	basis := delta
	if basis == "" {
		basis = t.Text
	}
	textNorm, punctApplied, caseApplied := n.preset.Apply(basis)

	if state == nil {
		state = &windowState{}
		n.windows[key] = state
	}
	state.revision++
	state.isFinal = t.IsFinal || state.isFinal
	state.textRaw = t.Text
	state.textNorm = textNorm
	n.prevFull[t.Provider] = t.Text

	if state.isFinal {
		n.recordFinal(windowID, t.Provider, textNorm)
	}

	ev.Revision = state.revision
	ev.IsFinal = state.isFinal
	ev.TextRaw = t.Text
	ev.TextNorm = textNorm
	ev.TextDelta = delta
	ev.PunctuationApplied = punctApplied
	ev.CasingApplied = caseApplied
	ev.NormalizedID = n.id(t.Provider, windowID, state.revision)
	return ev
}

// Agreement returns the mean cross-provider agreement over all windows where
// at least two providers published finals, and the number of such windows.
// Agreement of a pair is 1 − levenshtein/maxLen on the normalized texts.
func (n *Normalizer) Agreement() (score float64, windows int) {
	var sum float64
	for _, perProvider := range n.finals {
		if len(perProvider) < 2 {
			continue
		}
		texts := make([]string, 0, len(perProvider))
		for _, txt := range perProvider {
			texts = append(texts, txt)
		}
		var pairSum float64
		pairs := 0
		for i := range texts {
			for j := i + 1; j < len(texts); j++ {
				pairSum += pairAgreement(texts[i], texts[j])
				pairs++
			}
		}
		sum += pairSum / float64(pairs)
		windows++
	}
	if windows == 0 {
		return 0, 0
	}
	return sum / float64(windows), windows
}

// PairScore is the mean agreement between one pair of providers over the
// windows where both published finals.
type PairScore struct {
	ProviderA string
	ProviderB string
	Score     float64
	Windows   int
}

// PairScores returns per-pair agreement for every provider pair that shares
// at least one finalized window, ordered by (ProviderA, ProviderB) with
// ProviderA < ProviderB.
func (n *Normalizer) PairScores() []PairScore {
	type pairKey struct{ a, b string }
	sums := make(map[pairKey]*PairScore)

	for _, perProvider := range n.finals {
		if len(perProvider) < 2 {
			continue
		}
		providers := make([]string, 0, len(perProvider))
		for p := range perProvider {
			providers = append(providers, p)
		}
		sort.Strings(providers)
		for i := range providers {
			for j := i + 1; j < len(providers); j++ {
				k := pairKey{providers[i], providers[j]}
				ps := sums[k]
				if ps == nil {
					ps = &PairScore{ProviderA: k.a, ProviderB: k.b}
					sums[k] = ps
				}
				ps.Score += pairAgreement(perProvider[k.a], perProvider[k.b])
				ps.Windows++
			}
		}
	}

	out := make([]PairScore, 0, len(sums))
	for _, ps := range sums {
		ps.Score /= float64(ps.Windows)
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderA != out[j].ProviderA {
			return out[i].ProviderA < out[j].ProviderA
		}
		return out[i].ProviderB < out[j].ProviderB
	})
	return out
}

// pairAgreement scores two normalized texts in [0, 1].
func pairAgreement(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1
	}
	d := matchr.Levenshtein(a, b)
	if d > maxLen {
		d = maxLen
	}
	return 1 - float64(d)/float64(maxLen)
}

func (n *Normalizer) recordFinal(windowID int64, provider, textNorm string) {
	perProvider := n.finals[windowID]
	if perProvider == nil {
		perProvider = make(map[string]string)
		n.finals[windowID] = perProvider
	}
	perProvider[provider] = textNorm
}

func (n *Normalizer) id(provider string, windowID int64, revision int) string {
	return fmt.Sprintf("%s:%s:%d:%d", n.sessionID, provider, windowID, revision)
}

// commonPrefixLen returns the byte length of the longest common prefix of a
// and b, backed off to a rune boundary so deltas never split a UTF-8 sequence.
func commonPrefixLen(a, b string) int {
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	// Back off to a rune boundary.
	for i > 0 && i < len(b) && b[i]&0xC0 == 0x80 {
		i--
	}
	return i
}
