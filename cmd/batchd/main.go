package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"batch-ingestion-service/internal/api"
	"batch-ingestion-service/internal/config"
	"batch-ingestion-service/internal/ingest"
	"batch-ingestion-service/internal/logging"
	"batch-ingestion-service/internal/queue"
	"batch-ingestion-service/internal/ratelimit"
	"batch-ingestion-service/internal/store"
	"batch-ingestion-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.Setup(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var st store.Store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		st = pg
	default:
		st = store.NewMemoryStore()
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case config.BackendRedis:
		rq := queue.NewRedisQueue(cfg)
		defer rq.Close()
		q = rq
	default:
		q = queue.NewMemoryQueue()
	}

	var downstream worker.Downstream = worker.SimulatedDownstream{Delay: cfg.ProcessDelay}
	if cfg.DownstreamURL != "" {
		downstream = worker.NewHTTPDownstream(cfg.DownstreamURL, cfg.DownstreamTimeout)
	}

	sink, err := worker.NewResultSink(ctx, cfg)
	if err != nil {
		log.Fatalf("init result sink: %v", err)
	}

	var limiter *ratelimit.TokenBucket
	if cfg.IntakeRateLimitCapacity > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RedisKeyPrefix, cfg.IntakeRateLimitCapacity, cfg.IntakeRateLimitRefill, time.Hour)
	}

	svc := ingest.NewService(st, q, cfg.BatchSize, logging.WithComponent("ingest"))
	dispatcher := worker.NewDispatcher(cfg, q, st, downstream, logging.WithComponent("dispatcher"))
	if sink != nil {
		dispatcher.SetResultSink(sink)
	}

	dispatchErr := make(chan error, 1)
	go func() {
		err := dispatcher.Run(ctx)
		dispatchErr <- err
		cancel()
	}()

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(svc, limiter, logging.WithComponent("api")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	logger.Info("batchd started",
		"port", cfg.HTTPPort,
		"env", cfg.Env,
		"queue", cfg.QueueBackend,
		"store", cfg.StoreBackend,
		"batch_size", cfg.BatchSize,
		"dispatch_interval", cfg.DispatchInterval.String())

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	if err := <-dispatchErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("dispatcher stopped", "error", err)
		cancelShutdown()
		os.Exit(1)
	}
	logger.Info("batchd stopped")
}
