// Command server runs the contact resolution service: the tiered lookup
// engine, its replication and drift jobs, and the operational HTTP surface.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	alertkafka "github.com/jbstanley2004/openphone-notion-live-sub000/internal/alert/kafka"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/alert/logalert"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/platform/config"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/platform/httpserver"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/platform/logger"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/platform/middleware"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/platform/postgres"
	platformredis "github.com/jbstanley2004/openphone-notion-live-sub000/internal/platform/redis"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/platform/token"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/recordsource/notion"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/cache"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/cache/distributed"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/cache/edge"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/drift"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/handler"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/metrics"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/ports"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/replication"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/service"
	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/store/record"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/circuit"
	"github.com/jbstanley2004/openphone-notion-live-sub000/pkg/platform/taskgroup"
)

func main() {
	log := logger.New()
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Authoritative store: Postgres when configured, in-memory otherwise.
	var store ports.RecordStore
	db, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		if err := record.EnsureSchema(ctx, db); err != nil {
			return err
		}
		store = record.NewPostgres(db)
		log.Info("authoritative store ready", "backend", "postgres")
	} else {
		store = record.NewInMemory()
		log.Warn("DATABASE_URL not set, using in-memory record store")
	}

	// Distributed tier: Redis when configured, a never-hitting noop otherwise.
	var distTier ports.CacheTier = cache.Noop{}
	rdb, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		distTier, err = distributed.New(rdb.Client, cfg.Resolver.DistributedTTL)
		if err != nil {
			return err
		}
		log.Info("distributed cache ready", "ttl", cfg.Resolver.DistributedTTL)
	} else {
		log.Warn("REDIS_URL not set, distributed tier disabled")
	}

	edgeTier, err := edge.New(edge.DefaultConfig(cfg.Resolver.EdgeTTL))
	if err != nil {
		return err
	}
	defer edgeTier.Close()

	source, err := notion.New(cfg.Notion, notion.WithLogger(log))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	tasks := taskgroup.New(log, taskgroup.WithLimit(cfg.Resolver.MaxBackgroundTasks))

	resolver, err := service.New(edgeTier, distTier, store, source, tasks,
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithSourceTimeout(cfg.Resolver.SourceTimeout),
		service.WithBreaker(circuit.New("notion")),
	)
	if err != nil {
		return err
	}

	invalidator, err := service.NewInvalidator(edgeTier, distTier, store,
		service.WithInvalidatorLogger(log),
		service.WithInvalidatorMetrics(m),
	)
	if err != nil {
		return err
	}

	// Alerts go to Kafka when brokers are configured, to the log otherwise.
	var dispatcher ports.AlertDispatcher = logalert.New(log)
	if len(cfg.Kafka.Brokers) > 0 {
		kd, err := alertkafka.New(ctx, cfg.Kafka, alertkafka.WithLogger(log))
		if err != nil {
			return err
		}
		defer kd.Close()
		dispatcher = kd
		log.Info("alert dispatcher ready", "topic", cfg.Kafka.AlertTopic)
	}

	job, err := replication.New(store, distTier,
		replication.WithLogger(log),
		replication.WithMetrics(m),
		replication.WithInterval(cfg.Replication.Interval),
		replication.WithBatchSize(cfg.Replication.BatchSize),
		replication.WithMirrorTTL(cfg.Resolver.DistributedTTL),
	)
	if err != nil {
		return err
	}
	go job.Run(ctx)

	monitor, err := drift.New(store, source,
		drift.WithLogger(log),
		drift.WithMetrics(m),
		drift.WithDispatcher(dispatcher),
		drift.WithInvalidator(invalidator),
		drift.WithInterval(cfg.Drift.Interval),
		drift.WithSampleLimit(cfg.Drift.SampleLimit),
		drift.WithTolerance(cfg.Drift.Tolerance),
		drift.WithRatios(cfg.Drift.WarnRatio, cfg.Drift.CriticalRatio),
		drift.WithMirrorTTL(cfg.Resolver.DistributedTTL),
	)
	if err != nil {
		return err
	}
	go monitor.Run(ctx)

	tokens := token.NewService(cfg.AdminJWTKey, "contact-resolver", "contact-resolver-admin")
	auth := middleware.RequireAuth(tokens, log)

	h := handler.New(resolver, invalidator, monitor, handler.WithLogger(log))

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logger(log))
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Mount("/", h.Routes(auth))

	srv := httpserver.New(cfg.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", "grace", cfg.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	if err := tasks.Close(shutdownCtx); err != nil {
		log.Error("background task drain timed out", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}
