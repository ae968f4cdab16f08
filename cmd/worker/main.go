package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"geolake/internal/catalog"
	"geolake/internal/config"
	"geolake/internal/datastore"
	"geolake/internal/logging"
	"geolake/internal/persist"
	"geolake/internal/queue"
	"geolake/internal/store"
	"geolake/internal/telemetry"
	"geolake/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New("worker", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, closeLedger, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("open ledger")
	}
	defer closeLedger()

	workerID, err := worker.Register(ctx, ledger, cfg)
	if err != nil {
		log.WithError(err).Fatal("register worker")
	}
	log = log.WithField("worker_id", workerID)

	cat, err := catalog.Load(cfg.CatalogPath, cfg.IgnoredDatasets...)
	if err != nil {
		log.WithError(err).Fatal("load catalog")
	}
	cache := catalog.NewCache(catalog.CacheConfig{Source: cat, Parallelism: cfg.CacheWarmupParallelism, Logger: log})
	if cfg.CacheWarmup {
		if err := cache.LoadAll(ctx).Err(); err != nil {
			log.WithError(err).Warn("cache warm-up skipped some products")
		}
	}
	data := datastore.New(datastore.Config{Catalog: cat, Cache: cache, Logger: log})

	var mirror persist.Mirror
	if cfg.S3Bucket != "" {
		m, err := persist.NewS3Mirror(ctx, persist.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			log.WithError(err).Fatal("init s3 mirror")
		}
		mirror = m
	}
	persister := persist.New(persist.Config{
		StorePath:           cfg.StorePath,
		DownscaledDatasetID: cfg.DownscaledDatasetID,
		DownscaledChain:     cfg.DownscaledChain,
		Tool:                cfg.ProvenanceTool,
		Version:             cfg.ProvenanceVersion,
		Mirror:              mirror,
		Logger:              log,
	})

	transport, err := queue.Open(queue.Options{
		Kind:          cfg.BrokerKind,
		URL:           cfg.BrokerURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		Queues:        queue.QueueNames(cfg.ExecutorTypes),
		Prefetch:      cfg.BrokerPrefetch,
		Visibility:    cfg.VisibilityTimeout,
		Logger:        log,
	})
	if err != nil {
		log.WithError(err).Fatal("open broker")
	}
	defer transport.Close()

	processor := worker.NewProcessor(worker.ProcessorConfig{
		Ledger:    ledger,
		Datastore: data,
		Persister: persister,
		WorkerID:  workerID,
		Separator: cfg.MessageSeparator,
		Retries:   cfg.ResultCheckRetries,
		SleepTime: cfg.SleepTime,
		Logger:    log,
	})
	loop := worker.NewLoop(worker.LoopConfig{
		Consumer:         transport,
		Handler:          processor,
		Concurrency:      cfg.WorkerConcurrency,
		ReconnectBackoff: cfg.ReconnectBackoff,
		Logger:           log,
	})

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()

	log.WithFields(logrus.Fields{
		"broker":      cfg.BrokerKind,
		"queues":      queue.QueueNames(cfg.ExecutorTypes),
		"concurrency": cfg.WorkerConcurrency,
		"job_timeout": cfg.JobTimeout(),
	}).Info("worker started")
	if err := loop.Run(ctx); err != nil {
		log.WithError(err).Error("worker stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
}
