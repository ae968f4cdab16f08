package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"geolake/internal/logging"
)

// AMQPConfig configures an AMQPQueue.
type AMQPConfig struct {
	URL    string
	Queues []string
	// Prefetch bounds unacknowledged deliveries per session.
	Prefetch int
	Logger   *logrus.Entry
}

// AMQPQueue consumes durable RabbitMQ queues with manual acknowledgement.
// Deliveries are acknowledged on the channel that produced them; a delivery
// from an earlier session cannot be acknowledged and is redelivered by the
// broker instead.
type AMQPQueue struct {
	cfg AMQPConfig
	log *logrus.Entry

	// connMu guards conn; Publish may run on many goroutines.
	connMu  sync.Mutex
	conn    *amqp.Connection
	ch      *amqp.Channel
	session uint64
}

// NewAMQPQueue builds a transport; the connection is opened lazily.
func NewAMQPQueue(cfg AMQPConfig) *AMQPQueue {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &AMQPQueue{cfg: cfg, log: logging.OrDiscard(cfg.Logger).WithField("component", "amqp-queue")}
}

func (q *AMQPQueue) connect() error {
	q.connMu.Lock()
	defer q.connMu.Unlock()
	if q.conn != nil && !q.conn.IsClosed() {
		return nil
	}
	conn, err := amqp.Dial(q.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq connect failed: %w", err)
	}
	q.conn = conn
	return nil
}

func (q *AMQPQueue) connection() *amqp.Connection {
	q.connMu.Lock()
	defer q.connMu.Unlock()
	return q.conn
}

// configureChannel applies QoS and declares every durable queue.
func (q *AMQPQueue) configureChannel(ch *amqp.Channel) error {
	if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos setup failed: %w", err)
	}
	for _, name := range q.cfg.Queues {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("rabbitmq queue declare %s failed: %w", name, err)
		}
	}
	return nil
}

// Consume opens a fresh channel and starts consuming every queue on it.
func (q *AMQPQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := q.connect(); err != nil {
		return nil, err
	}
	if q.ch != nil {
		if err := q.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			q.log.WithError(err).Warn("channel close before reopen failed")
		}
		q.ch = nil
	}
	ch, err := q.connection().Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	if err := q.configureChannel(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	q.session++
	session := q.session
	out := make(chan Delivery)
	sources := make([]<-chan amqp.Delivery, 0, len(q.cfg.Queues))
	tags := make([]string, 0, len(q.cfg.Queues))
	for _, name := range q.cfg.Queues {
		tag := "geolake-" + uuid.New().String()
		msgs, err := ch.Consume(name, tag, false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("rabbitmq consume setup on %s failed: %w", name, err)
		}
		sources = append(sources, msgs)
		tags = append(tags, tag)
	}
	q.ch = ch

	done := make(chan struct{})
	for i, msgs := range sources {
		go forward(ctx, q.cfg.Queues[i], session, msgs, out, done)
	}
	go func() {
		<-ctx.Done()
		for _, tag := range tags {
			if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				q.log.WithError(err).Debug("consumer cancel failed")
			}
		}
	}()
	go func() {
		for range sources {
			<-done
		}
		close(out)
	}()
	q.log.WithField("queues", q.cfg.Queues).Info("consuming")
	return out, nil
}

// forward relays one consumer's deliveries until it closes or ctx ends.
func forward(ctx context.Context, queue string, session uint64, msgs <-chan amqp.Delivery, out chan<- Delivery, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			d := Delivery{
				ID:          strconv.FormatUint(m.DeliveryTag, 10),
				Queue:       queue,
				Body:        m.Body,
				Redelivered: m.Redelivered,
				tag:         m.DeliveryTag,
				session:     session,
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (q *AMQPQueue) channelFor(d Delivery) (*amqp.Channel, error) {
	if q.ch == nil || d.session != q.session || q.ch.IsClosed() {
		return nil, ErrStaleDelivery
	}
	return q.ch, nil
}

// Ack positively acknowledges a delivery.
func (q *AMQPQueue) Ack(_ context.Context, d Delivery) error {
	ch, err := q.channelFor(d)
	if err != nil {
		return err
	}
	return ch.Ack(d.tag, false)
}

// Reject drops a delivery without requeueing it; a dead-letter exchange
// configured on the queue receives it.
func (q *AMQPQueue) Reject(_ context.Context, d Delivery) error {
	ch, err := q.channelFor(d)
	if err != nil {
		return err
	}
	return ch.Nack(d.tag, false, false)
}

// Requeue nacks a delivery back onto its queue.
func (q *AMQPQueue) Requeue(_ context.Context, d Delivery) error {
	ch, err := q.channelFor(d)
	if err != nil {
		return err
	}
	return ch.Nack(d.tag, false, true)
}

// Publish sends a persistent message to queue through the default exchange.
func (q *AMQPQueue) Publish(ctx context.Context, queue string, body []byte) error {
	if err := q.connect(); err != nil {
		return err
	}
	ch, err := q.connection().Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel open failed: %w", err)
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq queue declare %s failed: %w", queue, err)
	}
	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close releases the channel and connection.
func (q *AMQPQueue) Close() error {
	var errs []error
	if q.ch != nil {
		if err := q.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn := q.connection(); conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
