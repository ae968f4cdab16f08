package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"geolake/internal/geo"
	"geolake/internal/logging"
	"geolake/internal/message"
	"geolake/internal/models"
	"geolake/internal/persist"
	"geolake/internal/store"
	"geolake/internal/telemetry"
	"geolake/internal/workflow"
)

var (
	errTimeout = errors.New("job did not finish within the polling budget")
	errPanic   = errors.New("job panicked")
)

// Disposition tells the loop how to settle a delivery once processing ends.
type Disposition int

const (
	// Ack removes the message; the ledger holds its outcome.
	Ack Disposition = iota
	// Reject dead-letters a message that can never be processed.
	Reject
	// Requeue returns the message to the broker because the ledger could
	// not be updated.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	}
	return fmt.Sprintf("disposition(%d)", int(d))
}

// ResultWriter persists a computed result.
type ResultWriter interface {
	Persist(ctx context.Context, job persist.Job, k geo.Kube) (persist.Result, error)
}

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	Ledger    store.Ledger
	Datastore workflow.Subsetter
	Persister ResultWriter
	WorkerID  int64
	Separator string

	// A job is polled Retries times, SleepTime apart, before it times out.
	Retries   int
	SleepTime time.Duration

	Clock  clock.Clock
	Logger *logrus.Entry
}

// Processor runs one job per message and records its outcome in the ledger.
type Processor struct {
	cfg   ProcessorConfig
	clock clock.Clock
	log   *logrus.Entry
}

// NewProcessor builds a Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	c := cfg.Clock
	if c == nil {
		c = clock.WallClock
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	return &Processor{cfg: cfg, clock: c, log: logging.OrDiscard(cfg.Logger).WithField("component", "processor")}
}

type outcome struct {
	result persist.Result
	err    error
}

// Process decodes body, runs the job and moves the request through
// RUNNING to DONE, FAILED or TIMEOUT. Job errors never escape: they end up
// in the ledger. The returned disposition is Ack once the ledger holds the
// terminal state.
func (p *Processor) Process(ctx context.Context, body []byte) Disposition {
	telemetry.JobsReceived.Inc()
	msg, err := message.Decode(body, p.cfg.Separator)
	if err != nil {
		return p.decodeFailed(ctx, err)
	}
	log := p.log.WithFields(logrus.Fields{
		"request_id": msg.RequestID,
		"dataset_id": msg.DatasetID,
		"product_id": msg.ProductID,
		"type":       msg.Type,
	})

	if disp, ok := p.markRunning(ctx, log, msg.RequestID); !ok {
		return disp
	}
	log.Info("job started")
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	start := p.clock.Now()

	res, err := p.run(ctx, msg)
	if err != nil && ctx.Err() != nil {
		// The worker is shutting down hard; leave the job to a redelivery.
		log.WithError(err).Warn("job abandoned")
		return Requeue
	}
	telemetry.JobDuration.Observe(p.clock.Now().Sub(start).Seconds())
	return p.finish(ctx, log, msg.RequestID, res, err)
}

func (p *Processor) decodeFailed(ctx context.Context, err error) Disposition {
	telemetry.DecodeFailures.Inc()
	id, ok := message.RecoverRequestID(err)
	if !ok {
		p.log.WithError(err).Error("dropping undecodable message")
		return Reject
	}
	log := p.log.WithFields(logrus.Fields{"request_id": id, "dataset_id": message.Unknown, "product_id": message.Unknown})
	log.WithError(err).Error("message decode failed")
	// FAILED is only reachable from RUNNING.
	if disp, ok := p.markRunning(ctx, log, id); !ok {
		return disp
	}
	return p.finish(ctx, log, id, persist.Result{}, err)
}

func (p *Processor) markRunning(ctx context.Context, log *logrus.Entry, requestID int64) (Disposition, bool) {
	err := p.cfg.Ledger.UpdateRequest(ctx, store.RequestUpdate{
		RequestID: requestID,
		WorkerID:  p.cfg.WorkerID,
		Status:    models.StatusRunning,
	})
	switch {
	case err == nil:
		return Ack, true
	case errors.Is(err, store.ErrNotFound):
		log.WithError(err).Error("request is not in the ledger")
		return Reject, false
	default:
		log.WithError(err).Error("could not mark request running")
		return Requeue, false
	}
}

// run executes the job in its own goroutine and polls for the result.
// On timeout the job context is cancelled; the computation may still run on
// for a while but its result is discarded.
func (p *Processor) run(ctx context.Context, msg *message.Message) (persist.Result, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", errPanic, r)}
			}
		}()
		res, err := p.execute(jobCtx, msg)
		done <- outcome{result: res, err: err}
	}()

	for attempt := 0; attempt < p.cfg.Retries; attempt++ {
		select {
		case o := <-done:
			return o.result, o.err
		case <-ctx.Done():
			return persist.Result{}, ctx.Err()
		case <-p.clock.After(p.cfg.SleepTime):
		}
	}
	select {
	case o := <-done:
		return o.result, o.err
	default:
	}
	return persist.Result{}, fmt.Errorf("%w (%d x %s)", errTimeout, p.cfg.Retries, p.cfg.SleepTime)
}

func (p *Processor) execute(ctx context.Context, msg *message.Message) (persist.Result, error) {
	var (
		kube geo.Kube
		err  error
	)
	switch msg.Type {
	case message.TypeQuery:
		kube, err = p.cfg.Datastore.Query(ctx, msg.DatasetID, msg.ProductID, msg.Query, true)
	case message.TypeWorkflow:
		kube, err = msg.Workflow.Compute(ctx, p.cfg.Datastore)
	default:
		err = fmt.Errorf("%w: %q", message.ErrUnsupportedType, msg.Type)
	}
	if err != nil {
		return persist.Result{}, err
	}
	return p.cfg.Persister.Persist(ctx, persist.Job{
		RequestID: msg.RequestID,
		DatasetID: msg.DatasetID,
		ProductID: msg.ProductID,
		Query:     msg.Query,
	}, kube)
}

func (p *Processor) finish(ctx context.Context, log *logrus.Entry, requestID int64, res persist.Result, jobErr error) Disposition {
	update := store.RequestUpdate{RequestID: requestID, WorkerID: p.cfg.WorkerID}
	switch {
	case jobErr == nil:
		size := res.SizeBytes
		update.Status = models.StatusDone
		update.LocationPath = &res.Path
		update.SizeBytes = &size
		update.DownloadURI = res.DownloadURI
	case errors.Is(jobErr, errTimeout):
		reason := "timeout: " + jobErr.Error()
		update.Status = models.StatusTimeout
		update.FailReason = &reason
	default:
		reason := FailReason(jobErr)
		update.Status = models.StatusFailed
		update.FailReason = &reason
	}

	if err := p.cfg.Ledger.UpdateRequest(ctx, update); err != nil {
		log.WithError(err).WithField("status", update.Status).Error("could not record job outcome")
		return Requeue
	}

	switch update.Status {
	case models.StatusDone:
		telemetry.JobsDone.Inc()
		log.WithFields(logrus.Fields{"location": res.Path, "size_bytes": res.SizeBytes}).Info("job done")
	case models.StatusTimeout:
		telemetry.JobsTimedOut.Inc()
		log.Warn("job timed out")
	default:
		telemetry.JobsFailed.Inc()
		log.WithError(jobErr).Error("job failed")
	}
	return Ack
}
