package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only fields that can
// be hot-reloaded without a restart are tracked; the availability cache is
// invalidated whenever any provider entry changed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProvidersChanged is true when any provider entry was added, removed,
	// or modified.
	ProvidersChanged bool
	STTChanges       []ProviderDiff
	LLMChanged       bool
	TTSChanged       bool
}

// ProviderDiff describes the change to a single named STT provider entry.
type ProviderDiff struct {
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldSTT := make(map[string]*ProviderEntry, len(old.Providers.STT))
	for i := range old.Providers.STT {
		oldSTT[old.Providers.STT[i].Name] = &old.Providers.STT[i]
	}
	newSTT := make(map[string]*ProviderEntry, len(new.Providers.STT))
	for i := range new.Providers.STT {
		newSTT[new.Providers.STT[i].Name] = &new.Providers.STT[i]
	}

	for name, oldEntry := range oldSTT {
		newEntry, exists := newSTT[name]
		if !exists {
			d.STTChanges = append(d.STTChanges, ProviderDiff{Name: name, Removed: true})
			d.ProvidersChanged = true
			continue
		}
		if !entryEqual(oldEntry, newEntry) {
			d.STTChanges = append(d.STTChanges, ProviderDiff{Name: name, Modified: true})
			d.ProvidersChanged = true
		}
	}
	for name := range newSTT {
		if _, exists := oldSTT[name]; !exists {
			d.STTChanges = append(d.STTChanges, ProviderDiff{Name: name, Added: true})
			d.ProvidersChanged = true
		}
	}

	if !entryEqual(&old.Providers.LLM, &new.Providers.LLM) {
		d.LLMChanged = true
		d.ProvidersChanged = true
	}
	if !entryEqual(&old.Providers.TTS, &new.Providers.TTS) {
		d.TTSChanged = true
		d.ProvidersChanged = true
	}

	return d
}

// entryEqual compares two provider entries including their Options maps.
func entryEqual(a, b *ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Language != b.Language {
		return false
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
