package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/livevoice/internal/config"
)

func TestValidate_DiscordAudioRequiresCredentials(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  audio:
    name: discord
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for discord audio without credentials, got nil")
	}
	for _, key := range []string{"discord.token", "discord.guild_id", "discord.channel_id"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should mention %s, got: %v", key, err)
		}
	}
}

func TestValidate_PortaudioNeedsNoDiscord(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  s2s:
    name: openai-realtime
    api_key: sk-test
  audio:
    name: portaudio
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_SessionBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "block size too small",
			yaml:    "session:\n  block_size: 16\n",
			wantErr: "session.block_size",
		},
		{
			name:    "block size too large",
			yaml:    "session:\n  block_size: 1048576\n",
			wantErr: "session.block_size",
		},
		{
			name:    "negative queue",
			yaml:    "session:\n  outbound_queue: -1\n",
			wantErr: "session.outbound_queue",
		},
		{
			name:    "negative input rate",
			yaml:    "session:\n  input_sample_rate: -16000\n",
			wantErr: "session.input_sample_rate",
		},
		{
			name:    "negative output rate",
			yaml:    "session:\n  output_sample_rate: -1\n",
			wantErr: "session.output_sample_rate",
		},
		{
			name:    "negative retries",
			yaml:    "restart:\n  max_retries: -3\n",
			wantErr: "restart.max_retries",
		},
		{
			name:    "backoff above cap",
			yaml:    "restart:\n  backoff: 1m\n  max_backoff: 10s\n",
			wantErr: "exceeds restart.max_backoff",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
session:
  outbound_queue: -1
restart:
  max_retries: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, key := range []string{"server.log_level", "session.outbound_queue", "restart.max_retries"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should mention %s, got: %v", key, err)
		}
	}
}

func TestValidate_UnknownProviderNameIsWarningOnly(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  s2s:
    name: my-custom-agent
    base_url: wss://agent.internal/ws
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should not fail validation: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "missing.yaml") {
		t.Errorf("error should mention the path, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.Instructions != "You are a concise assistant." {
		t.Errorf("session.instructions: got %q", cfg.Session.Instructions)
	}
}

func TestValidate_S2SFallbacks(t *testing.T) {
	t.Parallel()

	valid := `
providers:
  s2s:
    name: gemini-live
    api_key: primary
  s2s_fallbacks:
    - name: gemini-live
      api_key: backup
      base_url: wss://backup.example/ws
`
	cfg, err := config.LoadFromReader(strings.NewReader(valid))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Providers.S2SFallbacks) != 1 || cfg.Providers.S2SFallbacks[0].APIKey != "backup" {
		t.Errorf("s2s_fallbacks = %+v", cfg.Providers.S2SFallbacks)
	}

	invalid := `
providers:
  s2s_fallbacks:
    - api_key: backup
`
	_, err = config.LoadFromReader(strings.NewReader(invalid))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"s2s_fallbacks[0].name", "requires providers.s2s"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}
