package queue

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport is a broker connection usable by both workers and producers.
type Transport interface {
	Consumer
	Publisher
	Close() error
}

var (
	_ Transport     = (*RedisQueue)(nil)
	_ Transport     = (*AMQPQueue)(nil)
	_ LeaseHolder   = (*RedisQueue)(nil)
	_ DepthReporter = (*RedisQueue)(nil)
	_ DeadLetters   = (*RedisQueue)(nil)
)

// Options selects and configures a transport.
type Options struct {
	// Kind is "amqp" or "redis".
	Kind          string
	URL           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Queues        []string
	Prefetch      int
	Visibility    time.Duration
	Logger        *logrus.Entry
}

// Open builds the transport named by o.Kind. Connections are established
// lazily by Consume and Publish.
func Open(o Options) (Transport, error) {
	switch o.Kind {
	case "amqp":
		return NewAMQPQueue(AMQPConfig{URL: o.URL, Queues: o.Queues, Prefetch: o.Prefetch, Logger: o.Logger}), nil
	case "redis":
		return NewRedisQueue(RedisConfig{
			Client:     NewRedisClient(o.RedisAddr, o.RedisPassword, o.RedisDB),
			Queues:     o.Queues,
			Visibility: o.Visibility,
			Logger:     o.Logger,
		}), nil
	}
	return nil, fmt.Errorf("unsupported broker kind %q", o.Kind)
}
