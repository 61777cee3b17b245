package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if the voice or instructions changed. The new
	// values take effect on the next session start.
	SessionChanged  bool
	NewVoice        string
	NewInstructions string

	// RestartRequired lists the changed config keys that only take effect
	// after the process restarts.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.Voice != new.Session.Voice || old.Session.Instructions != new.Session.Instructions {
		d.SessionChanged = true
		d.NewVoice = new.Session.Voice
		d.NewInstructions = new.Session.Instructions
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !sameTLS(old.Server.TLS, new.Server.TLS))
	restart("providers.s2s", !sameEntry(old.Providers.S2S, new.Providers.S2S))
	restart("providers.audio", !sameEntry(old.Providers.Audio, new.Providers.Audio))
	restart("providers.s2s_fallbacks", !slices.EqualFunc(old.Providers.S2SFallbacks, new.Providers.S2SFallbacks, sameEntry))
	restart("session.block_size", old.Session.BlockSize != new.Session.BlockSize)
	restart("session.outbound_queue", old.Session.OutboundQueue != new.Session.OutboundQueue)
	restart("session.input_sample_rate", old.Session.InputSampleRate != new.Session.InputSampleRate)
	restart("session.output_sample_rate", old.Session.OutputSampleRate != new.Session.OutputSampleRate)
	restart("restart", old.Restart != new.Restart)
	restart("discord", old.Discord != new.Discord)

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
