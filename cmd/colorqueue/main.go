// Package main implements the entry point for the colorqueue coordinator.
// The coordinator accepts color-mixing experiment submissions, serializes
// them onto the OT-2 workcell over NATS, and streams results back to the
// submitting clients.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/SissiFeng/ot2-piloting/config"
	"github.com/SissiFeng/ot2-piloting/gateway"
	"github.com/SissiFeng/ot2-piloting/metric"
	"github.com/SissiFeng/ot2-piloting/natsclient"
	"github.com/SissiFeng/ot2-piloting/quota"
	"github.com/SissiFeng/ot2-piloting/scheduler"
	"github.com/SissiFeng/ot2-piloting/storage"
	"github.com/SissiFeng/ot2-piloting/wellpool"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "colorqueue"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("coordinator failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	logger.Info("starting coordinator",
		"nats_url", cfg.NATS.URL, "http_addr", cfg.HTTP.Addr,
		"tick", cfg.Scheduler.TickInterval, "timeout_budget", cfg.Scheduler.TimeoutBudget)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewRegistry()

	natsClient, err := buildNATSClient(cfg, logger, registry.Metrics)
	if err != nil {
		return fmt.Errorf("create nats client: %w", err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := natsClient.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()

	wells, quotas, err := buildStateStores(ctx, cfg, natsClient)
	if err != nil {
		return err
	}

	recorder, historian, cleanup, err := buildRecorder(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	sched, err := scheduler.New(scheduler.Options{
		Config:    cfg.Scheduler,
		Topics:    cfg.Topics,
		Publisher: natsClient,
		Wells:     wells,
		Quota:     quotas,
		Recorder:  recorder,
		Metrics:   registry.Metrics,
		Logger:    logger.With("component", "scheduler"),
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if err := natsClient.Subscribe(ctx, cfg.Topics.DeviceStatus, sched.HandleDeviceStatus); err != nil {
		return fmt.Errorf("subscribe device status: %w", err)
	}
	if err := natsClient.Subscribe(ctx, cfg.Topics.SensorData, sched.HandleSensorData); err != nil {
		return fmt.Errorf("subscribe sensor data: %w", err)
	}

	server := gateway.NewServer(gateway.Options{
		Scheduler: sched,
		History:   historian,
		Metrics:   registry.Handler(),
		Healthy:   natsClient.IsHealthy,
		Logger:    logger.With("component", "gateway"),
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket streams stay open past any write budget
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("http gateway listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		pollBrokerRTT(gctx, natsClient, registry.Metrics)
		return nil
	})

	err = g.Wait()
	logger.Info("coordinator stopped")
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(path)
}

func buildNATSClient(cfg *config.Config, logger *slog.Logger, metrics *metric.Metrics) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithClientName(appName),
		natsclient.WithLogger(logger.With("component", "natsclient")),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithHealthChangeCallback(metrics.RecordNATSStatus),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.TLS.CertFile != "" {
		opts = append(opts, natsclient.WithTLS(cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}
	return natsclient.NewClient(cfg.NATS.URL, opts...)
}

// buildStateStores selects JetStream KV or in-memory backends for the well
// pool and quota ledger, per configuration.
func buildStateStores(ctx context.Context, cfg *config.Config, client *natsclient.Client) (wellpool.Pool, quota.Service, error) {
	var wells wellpool.Pool = wellpool.NewMemoryPool()
	if cfg.Storage.WellBucket != "" {
		bucket, err := client.KeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: cfg.Storage.WellBucket})
		if err != nil {
			return nil, nil, fmt.Errorf("open well bucket: %w", err)
		}
		pool := wellpool.NewKVPool(bucket, cfg.Storage.Project)
		if err := pool.EnsurePlate(ctx); err != nil {
			return nil, nil, fmt.Errorf("seed well plate: %w", err)
		}
		wells = pool
	}

	var quotas quota.Service = quota.NewMemoryService(cfg.Scheduler.DefaultQuota)
	if cfg.Storage.QuotaBucket != "" {
		bucket, err := client.KeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: cfg.Storage.QuotaBucket})
		if err != nil {
			return nil, nil, fmt.Errorf("open quota bucket: %w", err)
		}
		quotas = quota.NewKVService(bucket, cfg.Scheduler.DefaultQuota)
	}
	return wells, quotas, nil
}

func buildRecorder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (scheduler.Recorder, gateway.Historian, func(), error) {
	if cfg.Storage.PostgresURL == "" {
		logger.Info("no postgres configured, results will not be persisted")
		rec := storage.NopRecorder{}
		return rec, rec, func() {}, nil
	}
	rec, err := storage.NewPostgresRecorder(ctx, cfg.Storage.PostgresURL, cfg.Storage.Project)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect result store: %w", err)
	}
	return rec, rec, rec.Close, nil
}

// pollBrokerRTT keeps the broker round-trip gauge fresh.
func pollBrokerRTT(ctx context.Context, client *natsclient.Client, metrics *metric.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rtt, err := client.RTT(); err == nil {
				metrics.RecordNATSRTT(rtt)
			}
		}
	}
}
