package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"geolake/internal/logging"
	"geolake/internal/queue"
	"geolake/internal/telemetry"
)

const maxReconnectFactor = 12

// Handler processes one message body.
type Handler interface {
	Process(ctx context.Context, body []byte) Disposition
}

// LoopConfig wires a Loop.
type LoopConfig struct {
	Consumer queue.Consumer
	Handler  Handler
	// Concurrency is the number of jobs executed at once.
	Concurrency      int
	ReconnectBackoff time.Duration
	// DepthInterval paces backlog sampling on consumers without leases.
	// Leasing consumers are serviced every third of their visibility window.
	DepthInterval time.Duration
	Clock         clock.Clock
	Logger        *logrus.Entry
}

// Loop feeds broker deliveries to a bounded pool of job goroutines. A single
// goroutine, the one calling Run, owns the consumer: it fetches deliveries
// and settles them, so the transport is never used concurrently.
type Loop struct {
	cfg   LoopConfig
	clock clock.Clock
	log   *logrus.Entry
}

type settlement struct {
	delivery    queue.Delivery
	disposition Disposition
}

type leaseKey struct{ queue, id string }

func keyOf(d queue.Delivery) leaseKey { return leaseKey{d.Queue, d.ID} }

// NewLoop builds a Loop.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = 15 * time.Second
	}
	c := cfg.Clock
	if c == nil {
		c = clock.WallClock
	}
	return &Loop{cfg: cfg, clock: c, log: logging.OrDiscard(cfg.Logger).WithField("component", "loop")}
}

// Run consumes until ctx ends, then stops fetching, waits for running jobs
// and settles their deliveries before returning.
func (l *Loop) Run(ctx context.Context) error {
	// Jobs and settlements outlive ctx so that shutdown drains instead of
	// abandoning work.
	workCtx := context.WithoutCancel(ctx)

	jobs := make(chan queue.Delivery)
	settled := make(chan settlement, l.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < l.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				settled <- settlement{delivery: d, disposition: l.cfg.Handler.Process(workCtx, d.Body)}
			}
		}()
	}

	leases, _ := l.cfg.Consumer.(queue.LeaseHolder)
	depth, _ := l.cfg.Consumer.(queue.DepthReporter)
	interval := l.cfg.DepthInterval
	if leases != nil {
		interval = leases.Visibility() / 3
	}
	active := make(map[leaseKey]queue.Delivery)
	var tick <-chan time.Time
	if leases != nil || depth != nil {
		tick = l.clock.After(interval)
	}

	var (
		deliveries <-chan queue.Delivery
		retry      <-chan time.Time
		next       queue.Delivery
		holding    bool
		failures   int
	)
	l.log.WithField("concurrency", l.cfg.Concurrency).Info("worker loop started")
	for ctx.Err() == nil {
		if deliveries == nil && retry == nil {
			ch, err := l.cfg.Consumer.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				failures++
				wait := l.backoff(failures)
				l.log.WithError(err).WithField("backoff", wait).Error("consume failed")
				retry = l.clock.After(wait)
			} else {
				deliveries = ch
			}
		}

		// While a delivery waits for a free goroutine, stop reading new ones.
		var (
			in  <-chan queue.Delivery
			out chan<- queue.Delivery
		)
		if holding {
			out = jobs
		} else {
			in = deliveries
		}

		select {
		case d, ok := <-in:
			if !ok {
				deliveries = nil
				if ctx.Err() == nil {
					failures++
					l.log.Warn("broker session closed; reconnecting")
					retry = l.clock.After(l.backoff(failures))
				}
				continue
			}
			next, holding = d, true
			failures = 0
			telemetry.PoolQueueDepth.Set(1)
		case out <- next:
			holding = false
			telemetry.PoolQueueDepth.Set(0)
			if leases != nil {
				active[keyOf(next)] = next
				l.extend(workCtx, leases, next)
			}
		case s := <-settled:
			delete(active, keyOf(s.delivery))
			l.settle(workCtx, s)
		case <-tick:
			if holding {
				l.housekeep(workCtx, leases, depth, active, &next)
			} else {
				l.housekeep(workCtx, leases, depth, active, nil)
			}
			tick = l.clock.After(interval)
		case <-retry:
			retry = nil
		case <-ctx.Done():
		}
	}

	l.log.Info("worker loop stopping; draining jobs")
	if holding {
		l.settle(workCtx, settlement{delivery: next, disposition: Requeue})
		telemetry.PoolQueueDepth.Set(0)
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(settled)
	}()
	for {
		select {
		case s, ok := <-settled:
			if !ok {
				l.log.Info("worker loop stopped")
				return nil
			}
			delete(active, keyOf(s.delivery))
			l.settle(workCtx, s)
		case <-tick:
			l.housekeep(workCtx, leases, depth, active, nil)
			tick = l.clock.After(interval)
		}
	}
}

// housekeep renews the lease of every delivery the loop holds and samples
// the broker backlog.
func (l *Loop) housekeep(ctx context.Context, leases queue.LeaseHolder, depth queue.DepthReporter, active map[leaseKey]queue.Delivery, held *queue.Delivery) {
	if leases != nil {
		for _, d := range active {
			l.extend(ctx, leases, d)
		}
		if held != nil {
			l.extend(ctx, leases, *held)
		}
	}
	if depth != nil {
		n, err := depth.ReadyDepth(ctx)
		if err != nil {
			l.log.WithError(err).Warn("read queue depth failed")
			return
		}
		telemetry.QueueDepthGauge.Set(float64(n))
	}
}

func (l *Loop) extend(ctx context.Context, leases queue.LeaseHolder, d queue.Delivery) {
	if err := leases.ExtendLease(ctx, d, leases.Visibility()); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{"delivery": d.ID, "queue": d.Queue}).Warn("extend lease failed")
	}
}

func (l *Loop) backoff(failures int) time.Duration {
	return backoffWithJitter(l.cfg.ReconnectBackoff, maxReconnectFactor*l.cfg.ReconnectBackoff, failures)
}

// backoffWithJitter waits between half and all of base*2^(attempt-1),
// capped at max.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func (l *Loop) settle(ctx context.Context, s settlement) {
	var err error
	switch s.disposition {
	case Ack:
		err = l.cfg.Consumer.Ack(ctx, s.delivery)
	case Reject:
		err = l.cfg.Consumer.Reject(ctx, s.delivery)
	default:
		err = l.cfg.Consumer.Requeue(ctx, s.delivery)
	}
	if err == nil {
		return
	}
	log := l.log.WithError(err).WithFields(logrus.Fields{
		"delivery":    s.delivery.ID,
		"queue":       s.delivery.Queue,
		"disposition": s.disposition,
	})
	if errors.Is(err, queue.ErrStaleDelivery) {
		log.Warn("delivery outlived its broker session; it will be redelivered")
		return
	}
	log.Error("settling delivery failed")
}
