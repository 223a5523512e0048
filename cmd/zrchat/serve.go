package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/config"
	"github.com/zrchat/zrchat-client/internal/handler"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/internal/monitor"
	"github.com/zrchat/zrchat-client/pkg/logger"
	"github.com/zrchat/zrchat-client/pkg/tracing"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session and expose it over HTTP for a local UI",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags, origins)
		},
	}
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "allowed CORS origin (repeatable); defaults to localhost")
	return cmd
}

func serve(parent context.Context, flags *rootFlags, origins []string) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.log

	log.Info("starting zrchat", zap.String("gateway", cfg.Gateway), zap.String("assistant", cfg.AssistantBackend))

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "zrchat-client", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	if err := a.connect(ctx); err != nil {
		return err
	}
	self := a.session.Self()
	log.Info("session connected", logger.UserID(self.ID))

	events := a.session.Events()
	mon := monitor.New(a.session, monitor.Options{
		Interval: cfg.MonitorInterval,
		OnChange: func(up bool) {
			events.Emit(model.Event{Type: model.EventConnectivity, Connected: &up})
		},
		Logger: log,
	})
	if err := mon.Start(); err != nil {
		return err
	}
	defer mon.Stop()

	api := handler.NewRouter(a.session, handler.RouterConfig{
		JWTSecret:         cfg.SupabaseJWTSecret,
		SelfID:            self.ID,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		AllowedOrigins:    origins,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		Monitor:           mon,
		Logger:            log.Named("http"),
	})

	r := chi.NewRouter()
	if cfg.Gateway != config.GatewaySupabase {
		// Local uploads are served from BLOB_DIR under PUBLIC_BASE_URL.
		r.Handle("/blobs/*", http.StripPrefix("/blobs/", http.FileServer(http.Dir(cfg.BlobDir))))
	}
	r.Mount("/", api)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
