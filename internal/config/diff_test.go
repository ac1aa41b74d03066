package config

import "testing"

func baseConfig() *Config {
	return &Config{
		Server: ServerConfig{LogLevel: LogInfo},
		Providers: ProvidersConfig{
			STT: []ProviderEntry{
				{Name: "deepgram", Model: "nova-2"},
				{Name: "whisper-local"},
			},
			LLM: ProviderEntry{Name: "openai", Model: "gpt-4o"},
			TTS: ProviderEntry{Name: "openai"},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := Diff(baseConfig(), baseConfig())
	if d.ProvidersChanged || d.LogLevelChanged || len(d.STTChanges) != 0 {
		t.Errorf("diff = %+v, want empty", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Server.LogLevel = LogDebug
	d := Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("diff = %+v", d)
	}
	if d.ProvidersChanged {
		t.Error("log level change should not flag providers")
	}
}

func TestDiff_STTAddRemoveModify(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Providers.STT = []ProviderEntry{
		{Name: "deepgram", Model: "nova-3"}, // modified
		{Name: "openai-realtime"},           // added
		// whisper-local removed
	}
	d := Diff(baseConfig(), newCfg)
	if !d.ProvidersChanged {
		t.Fatal("expected ProvidersChanged")
	}

	got := make(map[string]ProviderDiff, len(d.STTChanges))
	for _, c := range d.STTChanges {
		got[c.Name] = c
	}
	if !got["deepgram"].Modified {
		t.Errorf("deepgram = %+v, want Modified", got["deepgram"])
	}
	if !got["openai-realtime"].Added {
		t.Errorf("openai-realtime = %+v, want Added", got["openai-realtime"])
	}
	if !got["whisper-local"].Removed {
		t.Errorf("whisper-local = %+v, want Removed", got["whisper-local"])
	}
}

func TestDiff_LLMAndTTS(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Providers.LLM.Model = "gpt-4o-mini"
	d := Diff(baseConfig(), newCfg)
	if !d.LLMChanged || d.TTSChanged {
		t.Errorf("diff = %+v, want LLMChanged only", d)
	}

	newCfg = baseConfig()
	newCfg.Providers.TTS = ProviderEntry{Name: "elevenlabs"}
	d = Diff(baseConfig(), newCfg)
	if !d.TTSChanged || d.LLMChanged {
		t.Errorf("diff = %+v, want TTSChanged only", d)
	}
}

func TestDiff_OptionsCompared(t *testing.T) {
	t.Parallel()

	oldCfg := baseConfig()
	oldCfg.Providers.STT[1].Options = map[string]any{"bin_path": "/usr/bin/whisper"}
	newCfg := baseConfig()
	newCfg.Providers.STT[1].Options = map[string]any{"bin_path": "/opt/whisper"}

	d := Diff(oldCfg, newCfg)
	if !d.ProvidersChanged {
		t.Error("option change should flag providers")
	}
}
