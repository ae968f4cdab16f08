// Command enqueue records a request in the ledger and publishes its job
// envelope, the way the API does for an accepted query.
//
//	enqueue -dataset era5 -product reanalysis -query '{"variable": "tas"}'
//	enqueue -workflow @workflow.json
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"geolake/internal/config"
	"geolake/internal/logging"
	"geolake/internal/queue"
	"geolake/internal/store"
	"geolake/internal/submit"
)

func main() {
	dataset := flag.String("dataset", "", "dataset id of a query job")
	product := flag.String("product", "", "product id of a query job")
	queryArg := flag.String("query", "{}", "query JSON, or @file")
	workflowArg := flag.String("workflow", "", "workflow JSON, or @file; replaces -dataset/-product/-query")
	jobType := flag.String("type", "query", "executor type whose queue receives the job")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log := logging.New("enqueue", cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	ledger, closeLedger, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("open ledger")
	}
	defer closeLedger()

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

	s := submit.New(submit.Config{
		Ledger:    ledger,
		Publisher: transport,
		Queue:     queue.QueueName(*jobType),
		Separator: cfg.MessageSeparator,
		Logger:    log,
	})

	var (
		id  int64
		raw []byte
	)
	if *workflowArg != "" {
		if raw, err = readArg(*workflowArg); err != nil {
			log.WithError(err).Fatal("read workflow")
		}
		id, err = s.Workflow(ctx, raw)
	} else {
		if *dataset == "" || *product == "" {
			log.Fatal("-dataset and -product are required for a query job")
		}
		if raw, err = readArg(*queryArg); err != nil {
			log.WithError(err).Fatal("read query")
		}
		id, err = s.Query(ctx, *dataset, *product, raw, nil)
	}
	if err != nil {
		log.WithError(err).Fatal("submit")
	}
	fmt.Println(id)
}

func readArg(v string) ([]byte, error) {
	if name, ok := strings.CutPrefix(v, "@"); ok {
		return os.ReadFile(name)
	}
	return []byte(v), nil
}
