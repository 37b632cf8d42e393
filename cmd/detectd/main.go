// Package main is the entry point for the detection service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dfir-detect/internal/alerting"
	"dfir-detect/internal/config"
	"dfir-detect/internal/correlation"
	"dfir-detect/internal/detection"
	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/ingest"
	"dfir-detect/internal/kafka"
	"dfir-detect/internal/logging"
	"dfir-detect/internal/rulestore"
	"dfir-detect/internal/startup"
	"dfir-detect/internal/storage"
	"dfir-detect/internal/storage/s3"
)

// closer is run in reverse order on shutdown.
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func main() {
	if err := run(); err != nil {
		slog.Error("detectd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)
	derrors.SetProductionMode(cfg.Server.SanitizeErrors)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"rules_dir", cfg.Rules.Dir,
		"builtin_tenants", cfg.Rules.BuiltinTenants,
		"s3_rules", cfg.Rules.S3.Enabled,
		"dedup_store", cfg.Alerting.Dedup.Store,
		"kafka_enabled", cfg.Kafka.Enabled,
		"clickhouse_enabled", cfg.Storage.ClickHouse.Enabled,
		"auth_enabled", cfg.Ingest.Auth.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(ctx)
	if diag.HasErrors() {
		return fmt.Errorf("startup diagnostics failed")
	}

	var closers []closer
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(shutdownCtx); err != nil {
				slog.Error("shutdown error", "component", closers[i].name, "error", err)
			}
		}
	}()

	components := make(map[string]func() any)

	// Rule sources
	src, err := buildRuleSource(ctx, cfg, logger, components)
	if err != nil {
		return err
	}

	// Dedup store
	var store alerting.DedupStore
	switch cfg.Alerting.Dedup.Store {
	case "redis":
		rs, err := alerting.NewRedisStore(ctx, cfg.Alerting.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		closers = append(closers, closer{"redis", func(context.Context) error { return rs.Close() }})
		store = rs
		slog.Info("using redis dedup store", "addr", cfg.Alerting.Redis.Addr)
	default:
		ms := alerting.NewMemoryStore(cfg.Alerting.Dedup.Capacity)
		components["dedup"] = func() any { return map[string]int{"alerts": ms.Len()} }
		store = ms
	}

	// Sinks and auditors
	var sinks []alerting.Sink
	auditors := alerting.MultiAuditor{alerting.NewLogAuditor(logger)}
	if cfg.Alerting.LogSink {
		sinks = append(sinks, alerting.NewLogSink(logger))
	}
	for _, wh := range cfg.Alerting.Webhooks {
		sinks = append(sinks, alerting.NewWebhookSink(wh.Name, wh.URL, wh.Secret, wh.Headers))
	}

	if cfg.Storage.ClickHouse.Enabled {
		chSinks, chAuditor, err := setupClickHouse(ctx, cfg, &closers, components)
		if err != nil {
			return err
		}
		sinks = append(sinks, chSinks)
		auditors = append(auditors, chAuditor)
	}

	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopics(ctx, cfg.Kafka, logger); err != nil {
			slog.Warn("failed to ensure kafka topics", "error", err)
		}
		producer, err := kafka.NewAlertProducer(cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka producer: %w", err)
		}
		closers = append(closers, closer{"kafka producer", func(context.Context) error { return producer.Close() }})
		components["kafka_producer"] = func() any { return producer.Stats() }
		sinks = append(sinks, producer)
	}

	dispatcher := alerting.NewDispatcher(cfg.Alerting.Delivery, sinks...)
	closers = append(closers, closer{"dispatcher", func(ctx context.Context) error {
		err := dispatcher.Drain(ctx)
		dispatcher.Stop()
		return err
	}})
	components["delivery"] = func() any { return dispatcher.Stats() }

	genCfg := cfg.GeneratorConfig()
	genCfg.Logger = logger
	generator := alerting.NewGenerator(store, dispatcher, auditors, genCfg)

	// Processor
	processor := detection.New(cfg.ProcessorConfig(), src, generator, detection.Hooks{
		OnAlert: func(alert *alerting.Alert, outcome alerting.Outcome) {
			slog.Debug("alert recorded",
				"tenant_id", alert.TenantID,
				"rule_id", alert.RuleID,
				"outcome", outcome,
			)
		},
		OnMatcherError: func(tenantID, ruleID string, err error) {
			slog.Warn("rule evaluation problem",
				"tenant_id", tenantID,
				"rule_id", ruleID,
				"error", err,
			)
		},
	})
	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processor: %w", err)
	}
	closers = append(closers, closer{"processor", func(context.Context) error {
		processor.Stop()
		return nil
	}})

	// Kafka ingestion
	if cfg.Kafka.Enabled {
		consumer, err := kafka.NewEventConsumer(cfg.Kafka, processor, logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		closers = append(closers, closer{"kafka consumer", func(context.Context) error { return consumer.Stop() }})
		components["kafka_consumer"] = func() any { return consumer.Stats() }
	}

	// HTTP
	handler := ingest.NewHandler(processor).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	mux := http.NewServeMux()
	wrapped, stopLimiter := ingest.WithMiddleware(mux, cfg.MiddlewareConfig())
	closers = append(closers, closer{"rate limiter", func(context.Context) error {
		stopLimiter()
		return nil
	}})

	for name, fn := range components {
		handler = handler.WithComponent(name, fn)
	}
	handler.RegisterRoutes(mux)
	alerting.NewHandler(generator, dispatcher).RegisterRoutes(mux)
	correlation.NewRuleHandler(cfg.Detection.MaxRetention, cfg.ProcessorConfig().Defaults).RegisterRoutes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      wrapped,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting detection server", "address", server.Addr, "rules", processor.Stats().Rules)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	stats := processor.Stats()
	slog.Info("server stopped",
		"events_ingested", stats.Ingested,
		"events_rejected", stats.Rejected,
		"alerts", stats.Alerts,
		"triggers_dropped", stats.Queue.Dropped,
	)
	return nil
}

// buildRuleSource merges the rule directory, builtin rules and the S3
// bucket, in that order.
func buildRuleSource(ctx context.Context, cfg *config.Config, logger *slog.Logger, components map[string]func() any) (rulestore.Source, error) {
	var sources rulestore.MultiSource

	if cfg.Rules.Dir != "" {
		sources = append(sources, rulestore.NewFileSource(cfg.Rules.Dir))
	}

	if len(cfg.Rules.BuiltinTenants) > 0 {
		static := rulestore.NewStaticSource()
		for _, tenant := range cfg.Rules.BuiltinTenants {
			static.Set(tenant, correlation.BuiltinRules(tenant))
		}
		sources = append(sources, static)
	}

	if cfg.Rules.S3.Enabled {
		client, err := s3.NewClient(ctx, &cfg.Rules.S3.Config, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		components["s3_rules"] = func() any { return client.GetMetrics() }
		sources = append(sources, s3.NewRuleSource(client))
	}

	if len(sources) == 1 {
		return sources[0], nil
	}
	return sources, nil
}

// setupClickHouse connects, migrates and returns the alert sink and audit
// writer.
func setupClickHouse(ctx context.Context, cfg *config.Config, closers *[]closer, components map[string]func() any) (alerting.Sink, alerting.Auditor, error) {
	chCfg := cfg.Storage.ClickHouse
	slog.Info("initializing ClickHouse storage", "hosts", chCfg.Hosts, "database", chCfg.Database)

	client, err := storage.NewClickHouseClient(ctx, chCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	*closers = append(*closers, closer{"clickhouse", func(context.Context) error { return client.Close() }})

	if cfg.Storage.Migrate {
		migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
		applied, err := storage.NewMigrator(client).Run(migrateCtx)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("database migrations applied", "count", applied)
	}

	sink := storage.NewAlertSink(client, cfg.Storage.BatchWriter)
	audit := storage.NewAuditWriter(client, cfg.Storage.BatchWriter)
	*closers = append(*closers,
		closer{"clickhouse alerts", sink.Close},
		closer{"clickhouse audit", audit.Close},
	)
	components["clickhouse"] = func() any {
		return map[string]any{
			"alerts": sink.Metrics(),
			"audit":  audit.Metrics(),
			"pool":   client.Stats(),
		}
	}
	return sink, audit, nil
}
