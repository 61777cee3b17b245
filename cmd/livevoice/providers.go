package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/livevoice/internal/app"
	"github.com/MrWong99/livevoice/internal/config"
	discordbot "github.com/MrWong99/livevoice/internal/discord"
	"github.com/MrWong99/livevoice/internal/resilience"
	"github.com/MrWong99/livevoice/pkg/audio"
	discordaudio "github.com/MrWong99/livevoice/pkg/audio/discord"
	"github.com/MrWong99/livevoice/pkg/audio/portaudio"
	"github.com/MrWong99/livevoice/pkg/provider/s2s"
	geminilive "github.com/MrWong99/livevoice/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/livevoice/pkg/provider/s2s/openai"
)

// errNoDiscordBot is returned by the discord audio factory when no bot
// token is configured.
var errNoDiscordBot = errors.New("discord audio requires discord.token")

// registerBuiltinProviders wires all built-in provider factories into reg.
// Audio factories take their stream parameters from sess. bot may be nil, in
// which case the discord audio factory fails.
func registerBuiltinProviders(reg *config.Registry, sess config.SessionConfig, bot *discordbot.Bot) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, oais2s.WithSetupTimeout(d))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, geminilive.WithSetupTimeout(d))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("portaudio", func(config.ProviderEntry) (audio.Device, error) {
		var opts []portaudio.Option
		if sess.BlockSize > 0 {
			opts = append(opts, portaudio.WithBlockSize(sess.BlockSize))
		}
		if sess.InputSampleRate > 0 {
			opts = append(opts, portaudio.WithCaptureRate(sess.InputSampleRate))
		}
		if sess.OutputSampleRate > 0 {
			opts = append(opts, portaudio.WithPlaybackRate(sess.OutputSampleRate))
		}
		return portaudio.New(opts...), nil
	})

	reg.RegisterAudio("discord", func(config.ProviderEntry) (audio.Device, error) {
		if bot == nil {
			return nil, errNoDiscordBot
		}
		var opts []discordaudio.Option
		if sess.BlockSize > 0 {
			opts = append(opts, discordaudio.WithBlockSize(sess.BlockSize))
		}
		return bot.Device(opts...), nil
	})

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
	for _, name := range reg.AudioNames() {
		slog.Debug("registered provider", "kind", "audio", "name", name)
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Providers.S2S.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", cfg.Providers.S2S.Name)
	ps.S2S = p

	if len(cfg.Providers.S2SFallbacks) > 0 {
		fb := resilience.NewS2SFallback(p, cfg.Providers.S2S.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: 30 * time.Second},
		})
		for i, entry := range cfg.Providers.S2SFallbacks {
			name := fmt.Sprintf("%s#%d", entry.Name, i+1)
			alt, err := reg.CreateS2S(entry)
			if err != nil {
				return nil, fmt.Errorf("create s2s fallback %q: %w", name, err)
			}
			if err := fb.AddFallback(name, alt); err != nil {
				return nil, err
			}
		}
		slog.Info("s2s failover enabled", "order", fb.Names())
		ps.S2S = fb
	}

	d, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio provider %q: %w", cfg.Providers.Audio.Name, err)
	}
	ps.Audio = d
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optDuration parses a duration string such as "5s" from opts. Returns 0 when
// the value is absent or malformed.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring malformed provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
