package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/assistant"
	"github.com/zrchat/zrchat-client/internal/config"
	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/gateway/postgres"
	"github.com/zrchat/zrchat-client/internal/gateway/supabase"
	"github.com/zrchat/zrchat-client/internal/llm"
	"github.com/zrchat/zrchat-client/internal/model"
	natsclient "github.com/zrchat/zrchat-client/internal/nats"
	"github.com/zrchat/zrchat-client/internal/service"
	"github.com/zrchat/zrchat-client/internal/validation"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// app is a configured session and everything it holds open.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	gw      gateway.Gateway
	session *service.Session
	closers []func() error
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	var cfg *config.Config
	if flags.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(flags.configFile); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Load()
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	return cfg, nil
}

// newApp loads configuration and assembles the session. The session is not
// connected yet.
func newApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	logger.SetGlobal(log)

	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() error {
		_ = log.Sync()
		return nil
	})

	gw, err := buildGateway(ctx, cfg, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.gw = gw
	if c, ok := gw.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	responder, err := buildResponder(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	a.session = service.NewSession(service.Options{
		Gateway: gw,
		Assistant: assistant.Options{
			Responder:   responder,
			Timeout:     cfg.AssistantTimeout,
			MaxAttempts: cfg.AssistantMaxAttempts,
			RetryDelay:  cfg.AssistantRetryDelay,
		},
		Validator: validation.New(validation.Limits{
			MaxMessageLength: cfg.MaxMessageLength,
			MaxUploadBytes:   cfg.MaxUploadBytes,
		}),
		Buckets: service.Buckets{
			Image: cfg.ImageBucket,
			Audio: cfg.AudioBucket,
			Video: cfg.VideoBucket,
		},
		PresenceChannel:    cfg.PresenceChannel,
		AssistantAvatarURL: cfg.AssistantAvatarURL,
		Logger:             log,
	})
	return a, nil
}

// connect signs the session in and registers its teardown.
func (a *app) connect(ctx context.Context) error {
	if err := a.session.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.session.Disconnect()
		return nil
	})
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil && a.log != nil {
		a.log.Warn("shutdown errors", zap.Error(err))
	}
}

func buildGateway(ctx context.Context, cfg *config.Config, log *logger.Logger) (gateway.Gateway, error) {
	self := gateway.StaticIdentity{ID: cfg.SelfUserID, Email: cfg.SelfEmail}
	blobs := gateway.DirBlobs{Dir: cfg.BlobDir, BaseURL: cfg.PublicBaseURL}

	switch cfg.Gateway {
	case config.GatewaySupabase:
		client, err := supabase.New(supabase.Config{
			URL:         cfg.SupabaseURL,
			AnonKey:     cfg.SupabaseAnonKey,
			AccessToken: cfg.SupabaseAccessToken,
			Logger:      log.Named("supabase"),
		})
		if err != nil {
			return nil, err
		}
		return client, nil

	case config.GatewayMemory:
		mem := gateway.NewMemory(model.Identity(self))
		mem.Seed(model.TableUsers, model.Row{"id": self.ID, "name": displayName(self.Email), "email": self.Email})
		return gateway.Compose(mem, mem, blobs, self, mem), nil

	case config.GatewayPostgres:
		store, err := postgres.New(ctx, cfg.DatabaseURL, log.Named("postgres"))
		if err != nil {
			return nil, err
		}
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "zrchat-" + cfg.SelfUserID,
		}, log.Named("nats"))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		feed, err := natsclient.NewChangeFeed(ctx, nc, log.Named("changes"))
		if err != nil {
			_ = nc.Close()
			_ = store.Close()
			return nil, err
		}
		tables := natsclient.NewPublishingTables(store, feed, log.Named("tables"))
		gw := gateway.Compose(tables, feed, blobs, self, natsclient.NewPresence(nc, log.Named("presence")))
		gw.OnClose(store.Close)
		gw.OnClose(nc.Close)
		return gw, nil
	}
	return nil, fmt.Errorf("unknown gateway %q", cfg.Gateway)
}

func buildResponder(cfg *config.Config) (assistant.Responder, error) {
	switch cfg.AssistantBackend {
	case config.AssistantWebhook:
		return assistant.NewWebhookResponder(cfg.AssistantWebhookURL, nil), nil
	case config.AssistantOpenAI:
		client, err := llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		return assistant.NewLLMResponder(client, cfg.AssistantModel), nil
	case config.AssistantAnthropic:
		client, err := llm.NewClient(llm.ProviderAnthropic, cfg.AnthropicAPIKey)
		if err != nil {
			return nil, err
		}
		return assistant.NewLLMResponder(client, cfg.AssistantModel), nil
	}
	return nil, fmt.Errorf("unknown assistant backend %q", cfg.AssistantBackend)
}

func displayName(email string) string {
	name, _, _ := strings.Cut(email, "@")
	if name == "" {
		return "Eu"
	}
	return name
}
