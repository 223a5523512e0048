package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "PORT", "GATEWAY", "ASSISTANT_TIMEOUT", "ASSISTANT_MAX_ATTEMPTS", "MAX_MESSAGE_LENGTH",
		"MAX_UPLOAD_BYTES", "PRESENCE_CHANNEL", "IMAGE_BUCKET", "MONITOR_INTERVAL", "ASSISTANT_BACKEND")

	cfg := Load()
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, GatewaySupabase, cfg.Gateway)
	assert.Equal(t, AssistantWebhook, cfg.AssistantBackend)
	assert.Equal(t, 30*time.Second, cfg.AssistantTimeout)
	assert.Equal(t, 3, cfg.AssistantMaxAttempts)
	assert.Equal(t, 5000, cfg.MaxMessageLength)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	assert.Equal(t, "online-users", cfg.PresenceChannel)
	assert.Equal(t, "chat-images", cfg.ImageBucket)
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY", "Postgres")
	t.Setenv("ASSISTANT_RETRY_DELAY", "500ms")
	t.Setenv("ASSISTANT_MAX_ATTEMPTS", "5")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("MAX_MESSAGE_LENGTH", "not-a-number")

	cfg := Load()
	assert.Equal(t, GatewayPostgres, cfg.Gateway)
	assert.Equal(t, 500*time.Millisecond, cfg.AssistantRetryDelay)
	assert.Equal(t, 5, cfg.AssistantMaxAttempts)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, 5000, cfg.MaxMessageLength)
}

func TestLoadFile_EnvWins(t *testing.T) {
	clearEnv(t, "SUPABASE_URL", "SUPABASE_ANON_KEY", "PORT", "ASSISTANT_TIMEOUT")
	t.Setenv("SUPABASE_ANON_KEY", "from-env")

	path := filepath.Join(t.TempDir(), "zrchat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
port = 9090

[supabase]
url = "https://demo.supabase.co"
anon_key = "from-file"

[assistant]
timeout = "45s"
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "https://demo.supabase.co", cfg.SupabaseURL)
	assert.Equal(t, "from-env", cfg.SupabaseAnonKey)
	assert.Equal(t, 45*time.Second, cfg.AssistantTimeout)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("port = = 1"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Gateway:              GatewaySupabase,
			SupabaseURL:          "https://demo.supabase.co",
			SupabaseAnonKey:      "anon",
			AssistantBackend:     AssistantWebhook,
			AssistantWebhookURL:  "https://hooks.example.com/iara",
			AssistantMaxAttempts: 3,
			MaxMessageLength:     5000,
			MaxUploadBytes:       10 << 20,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"supabase without key", func(c *Config) { c.SupabaseAnonKey = "" }, "SUPABASE_ANON_KEY"},
		{"postgres without database", func(c *Config) { c.Gateway = GatewayPostgres; c.NATSURL = "nats://x"; c.SelfUserID = "u" }, "DATABASE_URL"},
		{"memory without self", func(c *Config) { c.Gateway = GatewayMemory }, "SELF_USER_ID"},
		{"unknown gateway", func(c *Config) { c.Gateway = "firebase" }, "unknown GATEWAY"},
		{"openai without key", func(c *Config) { c.AssistantBackend = AssistantOpenAI }, "OPENAI_API_KEY"},
		{"no attempts", func(c *Config) { c.AssistantMaxAttempts = 0 }, "ASSISTANT_MAX_ATTEMPTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
