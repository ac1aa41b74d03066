package store

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func sampleSummary(id string) SessionSummary {
	return SessionSummary{
		SessionID: id,
		Mode:      "compare",
		Language:  "en-US",
		StartedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC),
		Providers: []ProviderSummary{
			{
				Provider:     "deepgram",
				InterimCount: 12,
				FinalCount:   4,
				Latency: &LatencySummary{
					Count: 16, AvgMs: 180, P50Ms: 150, P95Ms: 420, MinMs: 90, MaxMs: 510,
				},
			},
			{Provider: "whisper-local", FinalCount: 4},
		},
		Agreement: []AgreementScore{
			{ProviderA: "deepgram", ProviderB: "whisper-local", Score: 0.91},
		},
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return lines
}

func TestJSONLSink_AppendsOneLinePerSummary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewJSONLSink(dir)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer sink.Close()
	sink.now = func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	}

	ctx := context.Background()
	if err := sink.WriteSummary(ctx, sampleSummary("s1")); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	if err := sink.WriteSummary(ctx, sampleSummary("s2")); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}

	path := filepath.Join(dir, "summaries-20260824.jsonl")
	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var got SessionSummary
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if got.SessionID != "s1" || len(got.Providers) != 2 {
		t.Errorf("decoded summary = %+v", got)
	}
	if got.Providers[0].Latency == nil || got.Providers[0].Latency.Count != 16 {
		t.Errorf("latency = %+v, want count 16", got.Providers[0].Latency)
	}
}

func TestJSONLSink_OmitsEmptyLatency(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewJSONLSink(dir)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer sink.Close()

	sum := sampleSummary("s1")
	sum.Providers = []ProviderSummary{{Provider: "mock", FinalCount: 1}}
	sum.Agreement = nil
	if err := sink.WriteSummary(context.Background(), sum); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("dir entries = %v, err %v", entries, err)
	}
	lines := readLines(t, filepath.Join(dir, entries[0].Name()))
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	if strings.Contains(lines[0], "latency") {
		t.Errorf("line should omit latency key: %s", lines[0])
	}
	if strings.Contains(lines[0], "agreement") {
		t.Errorf("line should omit agreement key: %s", lines[0])
	}
}

func TestJSONLSink_ConcurrentWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := NewJSONLSink(dir)
	if err != nil {
		t.Fatalf("NewJSONLSink: %v", err)
	}
	defer sink.Close()
	sink.now = func() time.Time {
		return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sink.WriteSummary(context.Background(), sampleSummary(string(rune('a'+i))))
		}()
	}
	wg.Wait()

	lines := readLines(t, filepath.Join(dir, "summaries-20260824.jsonl"))
	if len(lines) != writers {
		t.Fatalf("lines = %d, want %d", len(lines), writers)
	}
	for _, line := range lines {
		var got SessionSummary
		if err := json.Unmarshal([]byte(line), &got); err != nil {
			t.Errorf("interleaved or corrupt line: %v", err)
		}
	}
}

func TestNewJSONLSink_EmptyDir(t *testing.T) {
	t.Parallel()

	if _, err := NewJSONLSink(""); err == nil {
		t.Error("expected error for empty directory")
	}
}
