// Package submit records new requests in the ledger and publishes their job
// envelopes.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"geolake/internal/logging"
	"geolake/internal/message"
	"geolake/internal/models"
	"geolake/internal/query"
	"geolake/internal/store"
	"geolake/internal/telemetry"
	"geolake/internal/workflow"
)

// ErrSeparator is returned when a field contains the envelope separator.
var ErrSeparator = errors.New("field contains the message separator")

// Publisher sends an envelope to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Config wires a Submitter.
type Config struct {
	Ledger    store.Ledger
	Publisher Publisher
	Queue     string
	Separator string
	Logger    *logrus.Entry
}

// Submitter turns accepted queries and workflows into queued jobs.
type Submitter struct {
	cfg Config
	log *logrus.Entry
}

// New builds a Submitter.
func New(cfg Config) *Submitter {
	return &Submitter{cfg: cfg, log: logging.OrDiscard(cfg.Logger).WithField("component", "submit")}
}

// Query validates raw and queues a query job against dataset/product.
func (s *Submitter) Query(ctx context.Context, datasetID, productID string, raw []byte, estimate *int64) (int64, error) {
	if _, err := query.Parse(raw); err != nil {
		return 0, err
	}
	payload, err := s.compact(raw, datasetID, productID)
	if err != nil {
		return 0, err
	}
	return s.submit(ctx, store.CreateRequestParams{
		DatasetID: datasetID,
		ProductID: productID,
		Query:     string(payload),
		Estimate:  estimate,
	}, func(id int64) []byte {
		return message.EncodeQuery(s.cfg.Separator, id, datasetID, productID, payload)
	})
}

// Workflow validates raw and queues a workflow job.
func (s *Submitter) Workflow(ctx context.Context, raw []byte) (int64, error) {
	wf, err := workflow.Parse(raw)
	if err != nil {
		return 0, err
	}
	payload, err := s.compact(raw)
	if err != nil {
		return 0, err
	}
	return s.submit(ctx, store.CreateRequestParams{
		DatasetID: wf.DatasetID,
		ProductID: wf.ProductID,
		Query:     string(payload),
	}, func(id int64) []byte {
		return message.EncodeWorkflow(s.cfg.Separator, id, payload)
	})
}

func (s *Submitter) compact(raw []byte, fields ...string) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", query.ErrInvalidQuery, err)
	}
	for _, f := range append(fields, buf.String()) {
		if strings.Contains(f, s.cfg.Separator) {
			return nil, fmt.Errorf("%w %q", ErrSeparator, s.cfg.Separator)
		}
	}
	return buf.Bytes(), nil
}

func (s *Submitter) submit(ctx context.Context, p store.CreateRequestParams, envelope func(int64) []byte) (int64, error) {
	p.Status = models.StatusPending
	id, err := s.cfg.Ledger.CreateRequest(ctx, p)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	log := s.log.WithFields(logrus.Fields{"request_id": id, "dataset_id": p.DatasetID, "product_id": p.ProductID})
	if err := s.cfg.Publisher.Publish(ctx, s.cfg.Queue, envelope(id)); err != nil {
		log.WithError(err).Error("publish failed")
		return id, fmt.Errorf("publish request %d: %w", id, err)
	}
	telemetry.MessagesPublished.Inc()

	err = s.cfg.Ledger.UpdateRequest(ctx, store.RequestUpdate{RequestID: id, Status: models.StatusQueued})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInvalidTransition):
		// A worker already picked the job up.
	default:
		log.WithError(err).Warn("could not mark request queued")
	}
	log.Info("request queued")
	return id, nil
}
