package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live", "openai-realtime"},
	"audio": {"portaudio", "discord"},
}

// Block size bounds accepted by [Validate].
const (
	minBlockSize = 256
	maxBlockSize = 16384
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	for i, fb := range cfg.Providers.S2SFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.s2s_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("s2s", fb.Name)
	}
	if len(cfg.Providers.S2SFallbacks) > 0 && cfg.Providers.S2S.Name == "" {
		errs = append(errs, errors.New("providers.s2s_fallbacks requires providers.s2s"))
	}

	if cfg.Providers.S2S.Name != "" && cfg.Providers.S2S.APIKey == "" && cfg.Providers.S2S.BaseURL == "" {
		slog.Warn("providers.s2s.api_key is empty; the agent will likely reject the session",
			"name", cfg.Providers.S2S.Name,
		)
	}

	if cfg.Providers.Audio.Name == "discord" {
		if cfg.Discord.Token == "" {
			errs = append(errs, errors.New("providers.audio \"discord\" requires discord.token"))
		}
		if cfg.Discord.GuildID == "" {
			errs = append(errs, errors.New("providers.audio \"discord\" requires discord.guild_id"))
		}
		if cfg.Discord.ChannelID == "" {
			errs = append(errs, errors.New("providers.audio \"discord\" requires discord.channel_id"))
		}
	}

	// Session
	s := cfg.Session
	if s.BlockSize != 0 && (s.BlockSize < minBlockSize || s.BlockSize > maxBlockSize) {
		errs = append(errs, fmt.Errorf("session.block_size %d is out of range [%d, %d]", s.BlockSize, minBlockSize, maxBlockSize))
	}
	if s.OutboundQueue < 0 {
		errs = append(errs, fmt.Errorf("session.outbound_queue %d must not be negative", s.OutboundQueue))
	}
	if s.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("session.input_sample_rate %d must not be negative", s.InputSampleRate))
	}
	if s.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("session.output_sample_rate %d must not be negative", s.OutputSampleRate))
	}

	// Restart
	r := cfg.Restart
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("restart.max_retries %d must not be negative", r.MaxRetries))
	}
	if r.Backoff < 0 {
		errs = append(errs, fmt.Errorf("restart.backoff %s must not be negative", r.Backoff))
	}
	if r.MaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("restart.max_backoff %s must not be negative", r.MaxBackoff))
	}
	if r.Backoff > 0 && r.MaxBackoff > 0 && r.Backoff > r.MaxBackoff {
		errs = append(errs, fmt.Errorf("restart.backoff %s exceeds restart.max_backoff %s", r.Backoff, r.MaxBackoff))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
