package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/contentgen-gateway/internal/config"
	"github.com/tjfontaine/contentgen-gateway/internal/metrics"
	"github.com/tjfontaine/contentgen-gateway/internal/pipeline"
	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/registry"
	"github.com/tjfontaine/contentgen-gateway/internal/retryhttp"
	"github.com/tjfontaine/contentgen-gateway/internal/server"
	"github.com/tjfontaine/contentgen-gateway/internal/storage"
	"github.com/tjfontaine/contentgen-gateway/internal/storage/memory"
	"github.com/tjfontaine/contentgen-gateway/internal/storage/sqlite"
	"github.com/tjfontaine/contentgen-gateway/internal/telemetry"
	"github.com/tjfontaine/contentgen-gateway/internal/tokens"
	"github.com/tjfontaine/contentgen-gateway/internal/upstream"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != 0 {
				root.cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root.configPath, root.cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides server.port)")
	return cmd
}

func runServe(ctx context.Context, configPath string, cfg *config.Config) error {
	logger, err := newLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	rc := retryhttp.New(
		retryhttp.WithHTTPClient(retryhttp.NewHTTPClient(cfg.Upstream.ConnectTimeout)),
		retryhttp.WithMaxRetries(cfg.Upstream.MaxRetries),
		retryhttp.WithLogger(logger.With("component", "retryhttp")),
		retryhttp.WithMetrics(m),
	)
	defer rc.Close()

	if cfg.Upstream.APIKey == "" {
		logger.Warn("upstream.api_key is empty; model calls will fail with authentication errors")
	}
	completer := upstream.New(cfg.Upstream.BaseURL, upstream.StaticToken(cfg.Upstream.APIKey), rc,
		upstream.WithLogger(logger.With("component", "upstream")),
	)

	ops := registry.New(
		registry.WithTTL(cfg.Registry.TTL),
		registry.WithLogger(logger.With("component", "registry")),
		registry.WithGauge(m.ActiveOperations()),
	)
	defer ops.Close()

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(logger.With("component", "pipeline")),
		pipeline.WithMetrics(m),
		pipeline.WithHistoryBudget(historyCounter(cfg.Pipeline.Encoding, logger), cfg.Pipeline.HistoryTokenBudget),
	}
	if store != nil {
		pipeOpts = append(pipeOpts, pipeline.WithStore(store))
	}
	orch := pipeline.New(completer, ops, cfg.Upstream.Models(), pipeOpts...)

	var license atomic.Pointer[protocol.LicensePayload]
	lp := cfg.License.Payload()
	license.Store(&lp)

	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithLicense(func() protocol.LicensePayload { return *license.Load() }),
		server.WithSubprotocol(cfg.Server.Subprotocol),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		server.WithTimeouts(cfg.Server.IdleTimeout, cfg.Server.WriteTimeout),
	}
	if store != nil {
		srvOpts = append(srvOpts, server.WithStore(store))
	}
	srv := server.New(cfg.Server.Port, orch, srvOpts...)

	// Model parameters and the license follow config edits; the listener,
	// storage and upstream endpoint need a restart.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		err := config.Watch(watchCtx, configPath, logger, func(next *config.Config) {
			orch.SetModels(next.Upstream.Models())
			lp := next.License.Payload()
			license.Store(&lp)
			logger.Info("config reloaded",
				slog.String("analysis_model", next.Upstream.Analysis.Model),
				slog.String("generation_model", next.Upstream.Generation.Model),
			)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watch stopped", slog.String("error", err.Error()))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting gateway",
			slog.Int("port", cfg.Server.Port),
			slog.String("storage", cfg.Storage.Type),
			slog.String("subprotocol", cfg.Server.Subprotocol),
		)
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, stopping gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Gateway shutdown complete")
	return nil
}

// openStore returns the configured run store, or nil for "none".
func openStore(cfg config.StorageConfig) (storage.RunStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

// historyCounter prefers the exact tokenizer and falls back to the
// character estimate when the encoding is unknown.
func historyCounter(encoding string, logger *slog.Logger) tokens.Counter {
	tk, err := tokens.NewTiktoken(encoding)
	if err != nil {
		logger.Warn("falling back to estimated token counts", slog.String("error", err.Error()))
		return tokens.NewEstimator()
	}
	return tk
}
