package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Bump mtime explicitly; coarse filesystem clocks can otherwise hide
	// rapid successive writes from the watcher's mtime check.
	future := time.Now().Add(10 * time.Millisecond)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  listen_addr: \":7070\"\n")

	w, err := NewWatcher(path, nil, WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.ListenAddr; got != ":7070" {
		t.Errorf("listen_addr = %q, want :7070", got)
	}
}

func TestWatcher_InitialLoadFailure(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  log_level: loud\n")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Error("expected error for invalid initial config")
	}
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatcher_ReloadAndDiff(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "providers:\n  stt:\n    - name: deepgram\n")

	var mu sync.Mutex
	var gotDiff *ConfigDiff
	onChange := func(old, new *Config, diff ConfigDiff) {
		mu.Lock()
		defer mu.Unlock()
		gotDiff = &diff
	}

	w, err := NewWatcher(path, onChange, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "providers:\n  stt:\n    - name: deepgram\n    - name: mock\n")

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		d := gotDiff
		mu.Unlock()
		if d != nil {
			if !d.ProvidersChanged {
				t.Errorf("diff = %+v, want ProvidersChanged", d)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("onChange not called after file change")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := len(w.Current().Providers.STT); got != 2 {
		t.Errorf("current stt providers = %d, want 2", got)
	}
}

func TestWatcher_KeepsOldConfigOnInvalidReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server:\n  listen_addr: \":7070\"\n")

	var called sync.Once
	var invoked bool
	w, err := NewWatcher(path, func(_, _ *Config, _ ConfigDiff) {
		called.Do(func() { invoked = true })
	}, WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "server:\n  log_level: loud\n")
	time.Sleep(200 * time.Millisecond)

	if invoked {
		t.Error("onChange must not fire for an invalid config")
	}
	if got := w.Current().Server.ListenAddr; got != ":7070" {
		t.Errorf("listen_addr = %q, old config not retained", got)
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "server: {}\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
