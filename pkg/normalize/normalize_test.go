package normalize_test

import (
	"fmt"
	"testing"

	"github.com/polyvox-ai/polyvox/pkg/normalize"
	"github.com/polyvox-ai/polyvox/pkg/types"
)

func transcript(provider, text string, final bool, captureTs float64) types.PartialTranscript {
	return types.PartialTranscript{
		Provider:        provider,
		Text:            text,
		IsFinal:         final,
		OriginCaptureTs: captureTs,
	}
}

// TestIngest_RevisionsAndDelta covers the interim→final revision sequence:
// an interim "hello" followed by a final "hello world" in the same window
// yields revisions 1 and 2, with the second event carrying only the delta.
func TestIngest_RevisionsAndDelta(t *testing.T) {
	t.Parallel()

	n := normalize.New("s", 250, normalize.Preset{})

	ev1 := n.Ingest(transcript("P", "hello", false, 1000))
	ev2 := n.Ingest(transcript("P", "hello world", true, 1020))

	if ev1.WindowID != 4 || ev2.WindowID != 4 {
		t.Fatalf("windowIDs = %d, %d; want 4, 4", ev1.WindowID, ev2.WindowID)
	}
	if ev1.Revision != 1 || ev2.Revision != 2 {
		t.Errorf("revisions = %d, %d; want 1, 2", ev1.Revision, ev2.Revision)
	}
	if ev1.IsFinal {
		t.Error("first event should be interim")
	}
	if !ev2.IsFinal {
		t.Error("second event should be final")
	}
	if ev2.TextNorm != "world" {
		t.Errorf("TextNorm = %q, want %q", ev2.TextNorm, "world")
	}
	if ev1.NormalizedID != "s:P:4:1" || ev2.NormalizedID != "s:P:4:2" {
		t.Errorf("ids = %q, %q; want s:P:4:1, s:P:4:2", ev1.NormalizedID, ev2.NormalizedID)
	}
	if ev1.WindowStartMs != 1000 || ev1.WindowEndMs != 1250 {
		t.Errorf("window = [%d, %d), want [1000, 1250)", ev1.WindowStartMs, ev1.WindowEndMs)
	}
}

// TestIngest_FinalShieldsInterim covers the late-interim case: once a window
// holds a final, a following interim repeats the final content at the
// existing revision and changes no state.
func TestIngest_FinalShieldsInterim(t *testing.T) {
	t.Parallel()

	n := normalize.New("s", 250, normalize.Preset{})

	ev1 := n.Ingest(transcript("P", "done", true, 1000))
	ev2 := n.Ingest(transcript("P", "ignored", false, 1020))

	if ev1.Revision != 1 {
		t.Fatalf("first revision = %d, want 1", ev1.Revision)
	}
	if ev2.Revision != 1 {
		t.Errorf("repeat revision = %d, want 1", ev2.Revision)
	}
	if !ev2.IsFinal {
		t.Error("repeat event should carry isFinal=true")
	}
	if ev2.TextNorm != "done" || ev2.TextRaw != "done" {
		t.Errorf("repeat text = %q/%q, want done/done", ev2.TextRaw, ev2.TextNorm)
	}
	if ev2.NormalizedID != ev1.NormalizedID {
		t.Errorf("repeat id = %q, want %q", ev2.NormalizedID, ev1.NormalizedID)
	}

	// A later final may still supersede, with the next revision.
	ev3 := n.Ingest(transcript("P", "done indeed", true, 1030))
	if ev3.Revision != 2 || !ev3.IsFinal {
		t.Errorf("superseding final: revision = %d, isFinal = %v; want 2, true", ev3.Revision, ev3.IsFinal)
	}
}

// TestIngest_WerPreset covers preset normalization: punctuation stripped,
// case folded, whitespace collapsed, with the applied flags set.
func TestIngest_WerPreset(t *testing.T) {
	t.Parallel()

	n := normalize.New("s", 250, normalize.PresetByName("wer"))

	ev := n.Ingest(transcript("P", "Hello, World! ", true, 500))
	if ev.TextNorm != "hello world" {
		t.Errorf("TextNorm = %q, want %q", ev.TextNorm, "hello world")
	}
	if !ev.PunctuationApplied {
		t.Error("PunctuationApplied = false, want true")
	}
	if !ev.CasingApplied {
		t.Error("CasingApplied = false, want true")
	}
}

// TestIngest_CerPresetKeepsCase verifies the cer preset strips punctuation
// but preserves casing.
func TestIngest_CerPresetKeepsCase(t *testing.T) {
	t.Parallel()

	n := normalize.New("s", 250, normalize.PresetByName("cer"))
	ev := n.Ingest(transcript("P", "Hello, World!", true, 500))
	if ev.TextNorm != "Hello World" {
		t.Errorf("TextNorm = %q, want %q", ev.TextNorm, "Hello World")
	}
	if ev.CasingApplied {
		t.Error("CasingApplied = true, want false")
	}
}

// TestIngest_RevisionsStrictlyIncrease feeds a mixed interim/final sequence
// across providers and windows and checks per-tuple revision monotonicity and
// global ID uniqueness.
func TestIngest_RevisionsStrictlyIncrease(t *testing.T) {
	t.Parallel()

	n := normalize.New("s", 250, normalize.Preset{})
	seen := map[string]bool{}
	last := map[string]int{} // "provider:window" → revision

	inputs := []types.PartialTranscript{
		transcript("A", "one", false, 100),
		transcript("B", "uno", false, 120),
		transcript("A", "one two", false, 140),
		transcript("A", "one two three", true, 180),
		transcript("B", "uno dos", true, 200),
		transcript("A", "four", false, 400),
		transcript("A", "four five", true, 420),
	}
	for i, in := range inputs {
		ev := n.Ingest(in)
		key := fmt.Sprintf("%s:%d", ev.Provider, ev.WindowID)
		if ev.Revision <= last[key] {
			t.Errorf("input %d: revision %d did not increase past %d for %s", i, ev.Revision, last[key], key)
		}
		last[key] = ev.Revision
		if seen[ev.NormalizedID] {
			t.Errorf("input %d: duplicate NormalizedID %q", i, ev.NormalizedID)
		}
		seen[ev.NormalizedID] = true
	}
}

// TestIngest_TimestampFallback verifies the captureTs fallback chain:
// originCaptureTs, then timestamp, then the clock.
func TestIngest_TimestampFallback(t *testing.T) {
	t.Parallel()

	n := normalize.New("s", 250, normalize.Preset{})

	ev := n.Ingest(types.PartialTranscript{Provider: "P", Text: "a", Timestamp: 750})
	if ev.WindowID != 3 {
		t.Errorf("WindowID = %d, want 3 (from Timestamp)", ev.WindowID)
	}

	ev = n.Ingest(types.PartialTranscript{Provider: "P", Text: "ab", OriginCaptureTs: 1250, Timestamp: 750})
	if ev.WindowID != 5 {
		t.Errorf("WindowID = %d, want 5 (OriginCaptureTs wins)", ev.WindowID)
	}
}

// TestAgreement verifies cross-provider scoring: identical finals score 1,
// disjoint finals score near 0, and single-provider windows are skipped.
func TestAgreement(t *testing.T) {
	t.Parallel()

	n := normalize.New("s", 250, normalize.PresetByName("wer"))

	// Window 0: both providers agree.
	n.Ingest(transcript("A", "good morning", true, 10))
	n.Ingest(transcript("B", "good morning", true, 20))
	// Window 4: only one provider → not scored.
	n.Ingest(transcript("A", "solo", true, 1000))

	score, windows := n.Agreement()
	if windows != 1 {
		t.Fatalf("windows = %d, want 1", windows)
	}
	if score != 1 {
		t.Errorf("score = %v, want 1", score)
	}
}

// TestAgreement_Empty verifies a session with no overlapping finals reports
// zero windows.
func TestAgreement_Empty(t *testing.T) {
	t.Parallel()

	n := normalize.New("s", 250, normalize.Preset{})
	if score, windows := n.Agreement(); score != 0 || windows != 0 {
		t.Errorf("Agreement() = %v, %d; want 0, 0", score, windows)
	}
}

// TestPairScores verifies per-pair agreement: pairs are averaged over their
// shared windows and returned in (ProviderA, ProviderB) order.
func TestPairScores(t *testing.T) {
	t.Parallel()

	n := normalize.New("s", 250, normalize.PresetByName("wer"))

	// Window 0: A and B agree exactly.
	n.Ingest(transcript("A", "hello world", true, 10))
	n.Ingest(transcript("B", "hello world", true, 20))
	// Window 4: A and C agree, B diverges.
	n.Ingest(transcript("A", "see you later", true, 1000))
	n.Ingest(transcript("B", "completely different words", true, 1010))
	n.Ingest(transcript("C", "see you later", true, 1020))

	scores := n.PairScores()
	if len(scores) != 3 {
		t.Fatalf("pair count = %d, want 3: %+v", len(scores), scores)
	}

	wantOrder := [][2]string{{"A", "B"}, {"A", "C"}, {"B", "C"}}
	for i, w := range wantOrder {
		if scores[i].ProviderA != w[0] || scores[i].ProviderB != w[1] {
			t.Fatalf("pair %d = %s-%s, want %s-%s", i, scores[i].ProviderA, scores[i].ProviderB, w[0], w[1])
		}
	}

	ab := scores[0]
	if ab.Windows != 2 {
		t.Errorf("A-B windows = %d, want 2", ab.Windows)
	}
	if ab.Score < 0.5 || ab.Score >= 1 {
		t.Errorf("A-B score = %v, want in [0.5, 1) (one exact window, one divergent)", ab.Score)
	}

	ac := scores[1]
	if ac.Windows != 1 || ac.Score != 1 {
		t.Errorf("A-C = %+v, want one window scoring 1", ac)
	}

	bc := scores[2]
	if bc.Windows != 1 || bc.Score >= 1 {
		t.Errorf("B-C = %+v, want one divergent window", bc)
	}
}

// TestPairScores_NoOverlap verifies that windows with a single provider
// produce no pairs.
func TestPairScores_NoOverlap(t *testing.T) {
	t.Parallel()

	n := normalize.New("s", 250, normalize.Preset{})
	n.Ingest(transcript("A", "alone here", true, 10))
	n.Ingest(transcript("B", "also alone", true, 1000))

	if scores := n.PairScores(); len(scores) != 0 {
		t.Errorf("PairScores = %+v, want empty", scores)
	}
}
