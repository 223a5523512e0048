// Package config provides configuration for the chat client daemon. Values
// come from environment variables, an optional .env file and an optional
// TOML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Gateway backends.
const (
	GatewaySupabase = "supabase"
	GatewayPostgres = "postgres"
	GatewayMemory   = "memory"
)

// Assistant backends.
const (
	AssistantWebhook   = "webhook"
	AssistantOpenAI    = "openai"
	AssistantAnthropic = "anthropic"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Gateway selection
	Gateway string

	// Supabase settings
	SupabaseURL         string
	SupabaseAnonKey     string
	SupabaseAccessToken string
	SupabaseJWTSecret   string

	// Self-hosted settings
	DatabaseURL   string
	NATSURL       string
	NATSCAFile    string
	NATSCertFile  string
	NATSKeyFile   string
	NATSToken     string
	SelfUserID    string
	SelfEmail     string
	BlobDir       string
	PublicBaseURL string

	// Assistant settings
	AssistantBackend     string
	AssistantWebhookURL  string
	AssistantModel       string
	AssistantAvatarURL   string
	AssistantTimeout     time.Duration
	AssistantMaxAttempts int
	AssistantRetryDelay  time.Duration
	AnthropicAPIKey      string
	OpenAIAPIKey         string

	// Limits
	MaxMessageLength int
	MaxUploadBytes   int64

	// Storage buckets
	ImageBucket string
	AudioBucket string
	VideoBucket string

	PresenceChannel string
	MonitorInterval time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// source resolves keys from the environment, falling back to file values.
type source map[string]string

// Load reads configuration from environment variables, after loading a .env
// file from the working directory when one exists.
func Load() *Config {
	_ = godotenv.Load()
	return build(nil)
}

// LoadFile is Load with the TOML file at path supplying values the
// environment does not set. Tables are flattened with underscores and keys
// are matched case-insensitively, so
//
//	[supabase]
//	url = "https://example.supabase.co"
//
// sets SUPABASE_URL.
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	file := make(source)
	flatten("", raw, file)
	return build(file), nil
}

func flatten(prefix string, in map[string]any, out source) {
	for k, v := range in {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = fmt.Sprint(v)
	}
}

func build(s source) *Config {
	return &Config{
		// Server
		ServerPort:         s.getEnv("PORT", "8080"),
		ServerReadTimeout:  s.getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: s.getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		Gateway: strings.ToLower(s.getEnv("GATEWAY", GatewaySupabase)),

		// Supabase
		SupabaseURL:         s.getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:     s.getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseAccessToken: s.getEnv("SUPABASE_ACCESS_TOKEN", ""),
		SupabaseJWTSecret:   s.getEnv("SUPABASE_JWT_SECRET", ""),

		// Self-hosted
		DatabaseURL:   s.getEnv("DATABASE_URL", ""),
		NATSURL:       s.getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:    s.getEnv("NATS_CA_FILE", ""),
		NATSCertFile:  s.getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:   s.getEnv("NATS_KEY_FILE", ""),
		NATSToken:     s.getEnv("NATS_TOKEN", ""),
		SelfUserID:    s.getEnv("SELF_USER_ID", ""),
		SelfEmail:     s.getEnv("SELF_EMAIL", ""),
		BlobDir:       s.getEnv("BLOB_DIR", "./data/blobs"),
		PublicBaseURL: s.getEnv("PUBLIC_BASE_URL", "http://localhost:8080/blobs"),

		// Assistant
		AssistantBackend:     strings.ToLower(s.getEnv("ASSISTANT_BACKEND", AssistantWebhook)),
		AssistantWebhookURL:  s.getEnv("ASSISTANT_WEBHOOK_URL", ""),
		AssistantModel:       s.getEnv("ASSISTANT_MODEL", ""),
		AssistantAvatarURL:   s.getEnv("ASSISTANT_AVATAR_URL", ""),
		AssistantTimeout:     s.getDurationEnv("ASSISTANT_TIMEOUT", 30*time.Second),
		AssistantMaxAttempts: s.getIntEnv("ASSISTANT_MAX_ATTEMPTS", 3),
		AssistantRetryDelay:  s.getDurationEnv("ASSISTANT_RETRY_DELAY", 2*time.Second),
		AnthropicAPIKey:      s.getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:         s.getEnv("OPENAI_API_KEY", ""),

		// Limits
		MaxMessageLength: s.getIntEnv("MAX_MESSAGE_LENGTH", 5000),
		MaxUploadBytes:   int64(s.getIntEnv("MAX_UPLOAD_BYTES", 10<<20)),

		// Buckets
		ImageBucket: s.getEnv("IMAGE_BUCKET", "chat-images"),
		AudioBucket: s.getEnv("AUDIO_BUCKET", "chat-audio"),
		VideoBucket: s.getEnv("VIDEO_BUCKET", "chat-videos"),

		PresenceChannel: s.getEnv("PRESENCE_CHANNEL", "online-users"),
		MonitorInterval: s.getDurationEnv("MONITOR_INTERVAL", 30*time.Second),

		// Rate limiting
		RateLimitRequests: s.getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   s.getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: s.getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: s.getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  s.getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.Gateway {
	case GatewaySupabase:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			errs = append(errs, errors.New("supabase gateway requires SUPABASE_URL and SUPABASE_ANON_KEY"))
		}
	case GatewayPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres gateway requires DATABASE_URL"))
		}
		if c.NATSURL == "" {
			errs = append(errs, errors.New("postgres gateway requires NATS_URL"))
		}
		if c.SelfUserID == "" {
			errs = append(errs, errors.New("postgres gateway requires SELF_USER_ID"))
		}
	case GatewayMemory:
		if c.SelfUserID == "" {
			errs = append(errs, errors.New("memory gateway requires SELF_USER_ID"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown GATEWAY %q", c.Gateway))
	}

	switch c.AssistantBackend {
	case AssistantWebhook:
		if c.AssistantWebhookURL == "" {
			errs = append(errs, errors.New("webhook assistant requires ASSISTANT_WEBHOOK_URL"))
		}
	case AssistantOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("openai assistant requires OPENAI_API_KEY"))
		}
	case AssistantAnthropic:
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("anthropic assistant requires ANTHROPIC_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ASSISTANT_BACKEND %q", c.AssistantBackend))
	}

	if c.AssistantMaxAttempts < 1 {
		errs = append(errs, errors.New("ASSISTANT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.MaxMessageLength < 1 || c.MaxUploadBytes < 1 {
		errs = append(errs, errors.New("message and upload limits must be positive"))
	}
	return errors.Join(errs...)
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s[key]
}

func (s source) getEnv(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) getIntEnv(key string, defaultValue int) int {
	if value := s.lookup(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func (s source) getBoolEnv(key string, defaultValue bool) bool {
	if value := s.lookup(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func (s source) getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := s.lookup(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
