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

	"geolake/internal/api"
	"geolake/internal/catalog"
	"geolake/internal/config"
	"geolake/internal/datastore"
	"geolake/internal/logging"
	"geolake/internal/queue"
	"geolake/internal/store"
	"geolake/internal/submit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New("api", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, closeLedger, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("open ledger")
	}
	defer closeLedger()

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

	transport, err := queue.Open(queue.Options{
		Kind:          cfg.BrokerKind,
		URL:           cfg.BrokerURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		Logger:        log,
	})
	if err != nil {
		log.WithError(err).Fatal("open broker")
	}
	defer transport.Close()

	deadLetters, _ := transport.(queue.DeadLetters)
	server := api.New(api.Config{
		Datastore: datastore.New(datastore.Config{Catalog: cat, Cache: cache, Logger: log}),
		Ledger:    ledger,
		Submitter: submit.New(submit.Config{
			Ledger:    ledger,
			Publisher: transport,
			Queue:     queue.QueueName(cfg.ExecutorTypes[0]),
			Separator: cfg.MessageSeparator,
			Logger:    log,
		}),
		DeadLetters: deadLetters,
		Logger:      log,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Infof("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
