// main wires the eligibility gateway: stores, event log, downstream clients,
// the admission/dispatch path, the batch engine, and the push gateway.
// Business logic lives in the internal services packages.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"eligibility-gateway/internal/batch"
	"eligibility-gateway/internal/cache"
	"eligibility-gateway/internal/classify"
	"eligibility-gateway/internal/dispatch"
	"eligibility-gateway/internal/downstream"
	"eligibility-gateway/internal/events"
	"eligibility-gateway/internal/gateway"
	"eligibility-gateway/internal/platform/config"
	"eligibility-gateway/internal/platform/httpserver"
	"eligibility-gateway/internal/platform/logger"
	"eligibility-gateway/internal/platform/metrics"
	platformredis "eligibility-gateway/internal/platform/redis"
	"eligibility-gateway/internal/refresh"
	"eligibility-gateway/internal/scheduler"
	httptransport "eligibility-gateway/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores: redis when configured, in-memory otherwise. Job state prefers
	// postgres for durability across restarts.
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	var cacheStore cache.Store = cache.NewMemoryStore()
	if redisClient != nil {
		defer redisClient.Close()
		cacheStore = cache.NewRedisStore(redisClient)
		log.Info("result cache backed by redis")
	}

	var jobStore batch.Store = batch.NewMemoryStore()
	switch {
	case cfg.Postgres.DSN != "":
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		pg := batch.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		jobStore = pg
		log.Info("job store backed by postgres")
	case redisClient != nil:
		jobStore = batch.NewRedisStore(redisClient)
		log.Info("job store backed by redis")
	default:
		log.Warn("job store is in-memory; jobs do not survive restarts")
	}

	// Completion event log.
	var eventLog events.Log
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaLog, err := events.NewKafkaLog(ctx, cfg.Kafka, cfg.Events, events.WithLogger(log))
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer kafkaLog.Close()
		eventLog = kafkaLog
		log.Info("event log backed by kafka", "brokers", cfg.Kafka.Brokers)
	} else {
		memLog := events.NewMemoryLog(0)
		defer memLog.Close()
		eventLog = memLog
		log.Warn("event log is in-process; events do not survive restarts")
	}

	// Downstream verification service: real client when a base URL is set,
	// the in-process stub otherwise.
	var (
		verifier   downstream.Verifier
		directory  downstream.Directory
		submitter  downstream.BatchSubmitter
		predictor  downstream.Predictor
		authorizer downstream.Authorizer
	)
	if cfg.Downstream.BaseURL != "" {
		client := downstream.NewClient(cfg.Downstream.BaseURL,
			&http.Client{Timeout: cfg.Downstream.HTTPTimeout}, log)
		verifier, directory, submitter, predictor, authorizer = client, client, client, client, client
	} else {
		stub := downstream.NewStub()
		verifier, directory, submitter, predictor = stub, stub, stub, stub
		authorizer = downstream.AllowAll{}
		log.Warn("downstream base URL unset; using in-process stub")
	}

	// Admission and dispatch.
	sched, err := scheduler.New(scheduler.Config{
		ConcurrencyCap:     cfg.Scheduler.ConcurrencyCap,
		InteractiveQuantum: cfg.Scheduler.InteractiveQuantum,
		StandardQuantum:    cfg.Scheduler.StandardQuantum,
		BatchQuantum:       cfg.Scheduler.BatchQuantum,
	}, scheduler.WithLogger(log), scheduler.WithMetrics(m))
	if err != nil {
		return err
	}
	defer sched.Close()

	classifier, err := classify.New(cacheStore, sched.Utilization, classify.Config{
		BatchPopulationThreshold: cfg.Classifier.BatchPopulationThreshold,
		SaturationDeferThreshold: cfg.Classifier.SaturationDeferThreshold,
	}, classify.WithLogger(log), classify.WithMetrics(m))
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(classifier, sched, verifier, eventLog, cfg.Scheduler,
		dispatch.WithLogger(log), dispatch.WithMetrics(m))
	if err != nil {
		return err
	}

	// Batch engine.
	planner := batch.NewPlanner(cfg.Batch, predictor, log)
	engine, err := batch.New(jobStore, directory, submitter, planner, eventLog, cacheStore,
		sched.Utilization, cfg.Batch, batch.WithLogger(log), batch.WithMetrics(m))
	if err != nil {
		return err
	}
	defer engine.Close()

	// Push gateway.
	gw, err := gateway.New(cfg.Gateway, authorizer, gateway.WithLogger(log), gateway.WithMetrics(m))
	if err != nil {
		return err
	}
	defer gw.Close()

	// Completion event consumers.
	policy := cache.TTLPolicy{Success: cfg.Cache.SuccessTTL, Error: cfg.Cache.ErrorTTL}
	runners := []*events.Runner{
		events.NewRunner(eventLog, events.GroupCacheUpdater,
			events.NewCacheUpdater(cacheStore, policy, log), cfg.Events,
			events.WithRunnerLogger(log), events.WithRunnerMetrics(m)),
		events.NewRunner(eventLog, events.GroupMetricsObserver,
			events.NewMetricsObserver(m), cfg.Events,
			events.WithRunnerLogger(log), events.WithRunnerMetrics(m)),
		events.NewRunner(eventLog, gateway.GroupDelivery,
			gw.Deliver, cfg.Events,
			events.WithRunnerLogger(log), events.WithRunnerMetrics(m)),
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, r := range runners {
		group.Go(func() error { return r.Run(groupCtx) })
	}

	// Pick up jobs interrupted by the previous shutdown.
	if err := engine.Resume(ctx); err != nil {
		log.Error("job resume failed", "error", err)
	}

	trigger, err := refresh.New(cfg.Refresh, engine, refresh.WithLogger(log))
	if err != nil {
		return err
	}
	trigger.Start()
	defer trigger.Stop()

	handler, err := httptransport.New(dispatcher, engine, gw, log)
	if err != nil {
		return err
	}
	srv := httpserver.New(cfg.Server.Addr, httptransport.NewRouter(handler))

	group.Go(func() error {
		log.Info("eligibility gateway listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
