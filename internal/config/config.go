// Package config provides the configuration schema, loader, and provider registry
// for a livevoice server.
package config

import "time"

// LogLevel controls log verbosity for the livevoice server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for livevoice.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Restart   RestartConfig   `yaml:"restart"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// ServerConfig holds network and logging settings for the livevoice server.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics endpoint
	// (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig selects the remote agent and the local audio device. Each
// field names a provider registered in the [Registry].
type ProvidersConfig struct {
	S2S   ProviderEntry `yaml:"s2s"`
	Audio ProviderEntry `yaml:"audio"`

	// S2SFallbacks are tried in order when the primary agent refuses a
	// connection. They must accept the same input format as S2S.
	S2SFallbacks []ProviderEntry `yaml:"s2s_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live", "portaudio").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds per-session settings. Voice and Instructions are sent to
// the agent on every connect; the remaining fields size the audio pipeline.
type SessionConfig struct {
	// Voice selects a provider-specific voice. Empty uses the provider default.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt for the agent.
	Instructions string `yaml:"instructions"`

	// BlockSize is the number of capture frames per block. 0 means 4096.
	BlockSize int `yaml:"block_size"`

	// OutboundQueue bounds the number of encoded packets waiting to be sent.
	// When full the oldest packet is dropped. 0 means 32.
	OutboundQueue int `yaml:"outbound_queue"`

	// InputSampleRate is the microphone rate in Hz. 0 uses the device default.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the speaker rate in Hz. 0 uses the device default.
	OutputSampleRate int `yaml:"output_sample_rate"`
}

// RestartConfig controls automatic restarts after a session ends in error.
type RestartConfig struct {
	// Enabled turns the restart supervisor on. When false a failed session
	// ends the process.
	Enabled bool `yaml:"enabled"`

	// MaxRetries is the number of consecutive restarts before giving up.
	// 0 means 10.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the initial delay between restarts (e.g., "1s"). 0 means 1s.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff caps the exponential backoff. 0 means 30s.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DiscordConfig holds the bot credentials and voice channel used by the
// "discord" audio provider.
type DiscordConfig struct {
	// Token is the Discord bot token, without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildID is the guild that owns the voice channel.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the voice channel the bot joins.
	ChannelID string `yaml:"channel_id"`

	// OperatorRoleID restricts the /voice slash commands to members holding
	// this role. Empty allows everyone.
	OperatorRoleID string `yaml:"operator_role_id"`
}
