// Package queue carries job envelopes from producers to workers over a
// durable broker. Consumers are driven from a single goroutine: Consume,
// Ack, Reject and Requeue must not be called concurrently. Publish is safe for
// concurrent use.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrStaleDelivery is returned when acknowledging a delivery whose broker
// session has already ended; the broker redelivers it.
var ErrStaleDelivery = errors.New("delivery belongs to a closed session")

// Delivery is one message handed to a worker.
type Delivery struct {
	// ID identifies the delivery in logs.
	ID          string
	Queue       string
	Body        []byte
	Redelivered bool

	tag     uint64
	session uint64
}

// Consumer is the worker side of a transport. The channel returned by Consume
// is closed when ctx ends or the broker session fails; callers reconnect by
// calling Consume again.
type Consumer interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Reject(ctx context.Context, d Delivery) error
	// Requeue hands the message back to the broker for another attempt.
	Requeue(ctx context.Context, d Delivery) error
}

// LeaseHolder is implemented by transports that lease a delivery for a
// bounded visibility window. The holder of a delivery must extend the lease
// until it is settled or the broker hands the message out again.
type LeaseHolder interface {
	Visibility() time.Duration
	ExtendLease(ctx context.Context, d Delivery, extension time.Duration) error
}

// DepthReporter reports how many messages wait in the ready queues.
type DepthReporter interface {
	ReadyDepth(ctx context.Context) (int64, error)
}

// DeadLetters lists rejected message ids of a queue, oldest first.
type DeadLetters interface {
	DLQPeek(ctx context.Context, queue string, count int64) ([]string, error)
}

// Publisher is the producer side of a transport.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// QueueName is the durable queue consumed for a job type.
func QueueName(jobType string) string {
	return jobType + "_queue"
}

// QueueNames maps job types to queue names.
func QueueNames(jobTypes []string) []string {
	out := make([]string, len(jobTypes))
	for i, t := range jobTypes {
		out[i] = QueueName(t)
	}
	return out
}
