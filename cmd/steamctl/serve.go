package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/steamctl/internal/broker"
	"github.com/basket/steamctl/internal/config"
	"github.com/basket/steamctl/internal/dispatcher"
	"github.com/basket/steamctl/internal/httpapi"
	"github.com/basket/steamctl/internal/metrics"
	ctlotel "github.com/basket/steamctl/internal/otel"
	"github.com/basket/steamctl/internal/registry"
	"github.com/basket/steamctl/internal/store"
	"github.com/basket/steamctl/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logDir := "."
	if cfg.DBPath != ":memory:" {
		logDir = filepath.Dir(cfg.DBPath)
	}
	logger, closer, err := telemetry.NewLogger(logDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := ctlotel.Init(ctx, ctlotel.Config{
		Enabled:     cfg.OTLPEndpoint != "",
		Exporter:    "otlp-http",
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "steamctl",
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	otelMetrics, err := ctlotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init otel metrics: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", slog.String("path", cfg.DBPath))

	b := broker.New(logger)
	reg := registry.New(logger)
	reg.SetMetrics(otelMetrics)
	m := metrics.New(b, reg, st)

	disp := dispatcher.New(dispatcher.Deps{
		Store:       st,
		Registry:    reg,
		Broker:      b,
		Metrics:     m,
		OtelMetrics: otelMetrics,
		Tracer:      otelProvider.Tracer,
		Logger:      logger,
	}, dispatcher.Config{
		TickInterval: time.Duration(cfg.DispatchTickMillis) * time.Millisecond,
		MaxPerRegion: cfg.DispatchMaxPerRegion,
		TaskLease:    time.Duration(cfg.TaskLeaseSeconds) * time.Second,
	})

	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		disp.Run(dispatcherCtx)
	}()

	srv := httpapi.New(httpapi.Deps{
		Store:       st,
		Registry:    reg,
		Broker:      b,
		Metrics:     m,
		OtelMetrics: otelMetrics,
		Tracer:      otelProvider.Tracer,
		Config:      cfg,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.String("error", err.Error()))
	}

	stopDispatcher()
	<-dispatcherDone

	return nil
}
