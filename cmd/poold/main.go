// Command poold is the pool accounting daemon: it serves the worker and
// admin HTTP APIs and runs the reward, liveness, settlement and retention
// loops against a shared ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pulsepool/async"
	"pulsepool/chain"
	"pulsepool/config"
	"pulsepool/ephemeral"
	"pulsepool/gateway"
	"pulsepool/ingest"
	"pulsepool/ledger"
	"pulsepool/observability"
	"pulsepool/observability/logging"
	telemetry "pulsepool/observability/otel"
	"pulsepool/params"
	"pulsepool/retention"
	"pulsepool/rewards"
	"pulsepool/withdraw"
)

const (
	bootTimeout       = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
	retentionInterval = 24 * time.Hour
	sweepInitialDelay = 30 * time.Second
	rewardInitialWait = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "poold: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "poold.toml", "path to poold configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := logging.Setup(logging.Options{
		Service:  "poold",
		Env:      cfg.Environment,
		Level:    cfg.Log.SlogLevel(),
		FilePath: cfg.Log.File,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "poold",
		Environment: cfg.Environment,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	tz, err := cfg.Location()
	if err != nil {
		return err
	}

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), bootTimeout)
	defer cancelBoot()

	store, err := ledger.Open(ledger.Config{
		Driver:          cfg.Ledger.Driver,
		DSN:             cfg.Ledger.DSN,
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime.Duration,
	})
	if err != nil {
		return err
	}
	if err := store.Migrate(bootCtx); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}

	paramsSvc, err := params.New(params.Config{Ledger: store})
	if err != nil {
		return err
	}
	if err := paramsSvc.Seed(bootCtx); err != nil {
		return fmt.Errorf("seed config defaults: %w", err)
	}
	if seedPath := strings.TrimSpace(cfg.Params.SeedFile); seedPath != "" {
		entries, err := params.LoadSeedFile(seedPath, time.Now())
		if err != nil {
			return fmt.Errorf("load config seed: %w", err)
		}
		if err := paramsSvc.SeedFrom(bootCtx, entries); err != nil {
			return fmt.Errorf("apply config seed: %w", err)
		}
		logger.Info("config seed applied", "file", seedPath, "keys", len(entries))
	}

	var cache ephemeral.Store
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisStore, err := ephemeral.DialRedis(bootCtx, addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("dial redis: %w", err)
		}
		cache = redisStore
		logger.Info("ephemeral store ready", "backend", "redis", "addr", addr)
	} else {
		cache = ephemeral.NewMemory()
		logger.Warn("ephemeral store ready", "backend", "memory",
			"note", "rate limits and dedup markers are per-process")
	}

	chainGW, err := chain.NewEVM(chain.EVMConfig{
		Endpoints:     cfg.Chain.Endpoints,
		PrivateKeyHex: cfg.Chain.SignerKey,
		Metrics:       observability.Chain(),
	})
	if err != nil {
		return err
	}
	logger.Info("chain gateway ready", "endpoints", len(cfg.Chain.Endpoints))
	for _, endpoint := range cfg.Chain.Endpoints {
		// RPC URLs routinely embed provider keys; only the count is useful.
		logger.Debug("chain endpoint configured", logging.MaskField("endpoint", endpoint))
	}

	ingestMetrics := observability.Ingest()
	withdrawMetrics := observability.Withdrawals()

	ingestSvc, err := ingest.New(ingest.Config{
		Ledger: store, Cache: cache, Params: paramsSvc,
		Log: logger, Metrics: ingestMetrics,
	})
	if err != nil {
		return err
	}
	sweeper, err := ingest.NewSweeper(ingest.SweeperConfig{
		Ledger: store, Params: paramsSvc,
		Log: logger, Metrics: ingestMetrics,
	})
	if err != nil {
		return err
	}
	engine, err := rewards.New(rewards.Config{
		Ledger: store, Params: paramsSvc,
		Log: logger, Metrics: observability.Rewards(),
	})
	if err != nil {
		return err
	}
	withdrawSvc, err := withdraw.New(withdraw.Config{
		Ledger: store, Params: paramsSvc,
		Log: logger, Metrics: withdrawMetrics, TZ: tz,
	})
	if err != nil {
		return err
	}
	worker, err := withdraw.NewWorker(withdraw.WorkerConfig{
		Ledger: store, Gateway: chainGW,
		Log: logger, Metrics: withdrawMetrics,
	})
	if err != nil {
		return err
	}
	adminSvc, err := withdraw.NewAdmin(withdraw.AdminConfig{Ledger: store, Log: logger})
	if err != nil {
		return err
	}
	retentionJob, err := retention.New(retention.Config{
		Ledger: store, Params: paramsSvc,
		Log: logger, Metrics: observability.Retention(),
		ArchiveDir: cfg.Retention.ArchiveDir,
	})
	if err != nil {
		return err
	}

	srv, err := gateway.New(gateway.Config{
		Ledger:            store,
		Cache:             cache,
		Ingest:            ingestSvc,
		Withdrawals:       withdrawSvc,
		Admin:             adminSvc,
		Params:            paramsSvc,
		Log:               logger,
		Metrics:           observability.HTTP(),
		SharedSecret:      cfg.API.SharedSecret,
		AdminJWTSecret:    cfg.API.AdminJWTSecret,
		RequireSignatures: cfg.API.RequireSignatures,
		RateLimitRPS:      cfg.API.RateLimitRPS,
		RateLimitBurst:    cfg.API.RateLimitBurst,
	})
	if err != nil {
		return err
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	async.RunRescheduled(stopCtx, logger, "reward-engine", rewardInitialWait, engine.RunScheduled)
	async.RunRescheduled(stopCtx, logger, "liveness-sweeper", sweepInitialDelay, sweeper.RunOnce)
	async.RunEvery(stopCtx, logger, "withdraw-settlement", withdraw.DefaultTickInterval, worker.RunTick)
	async.RunEvery(stopCtx, logger, "retention", retentionInterval, retentionJob.RunTick)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("poold listening", "addr", cfg.Listen, "env", cfg.Environment)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
