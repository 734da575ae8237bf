// internal/health/registry.go
package health

import (
	"context"
	"fmt"

	"libradispatch/internal/backlog"
	"libradispatch/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Publisher accepts messages for asynchronous delivery.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Outcome says what Route did with a message.
type Outcome int

const (
	Published Outcome = iota
	Backlogged
	Unrouted
)

func (o Outcome) String() string {
	switch o {
	case Published:
		return "published"
	case Backlogged:
		return "backlogged"
	default:
		return "unrouted"
	}
}

// Registry maps topics onto their consumers and routes messages by liveness.
type Registry struct {
	consumers []*Consumer
	byTopic   map[string]*Consumer
	pub       Publisher
	logger    logging.Logger
	routed    metric.Int64Counter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry) error

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger logging.Logger) RegistryOption {
	return func(r *Registry) error {
		r.logger = logger
		return nil
	}
}

func NewRegistry(pub Publisher, consumers []*Consumer, options ...RegistryOption) (*Registry, error) {
	if pub == nil {
		return nil, fmt.Errorf("nil publisher")
	}
	routed, err := otel.Meter("libradispatch/health").Int64Counter("gateway.routed",
		metric.WithDescription("Asynchronous messages by topic and outcome"))
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	r := &Registry{
		consumers: consumers,
		byTopic:   make(map[string]*Consumer, len(consumers)),
		pub:       pub,
		logger:    logging.Discard(),
		routed:    routed,
	}
	for _, c := range consumers {
		if _, dup := r.byTopic[c.topic]; dup {
			return nil, fmt.Errorf("topic %s has two consumers", c.topic)
		}
		r.byTopic[c.topic] = c
	}
	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Consumers returns the monitored consumers in configuration order.
func (r *Registry) Consumers() []*Consumer { return r.consumers }

// Consumer looks up the consumer of topic.
func (r *Registry) Consumer(topic string) (*Consumer, bool) {
	c, ok := r.byTopic[topic]
	return c, ok
}

// Route publishes body when the topic's consumer is UP and backlogs it otherwise.
// The decision and the enqueue happen under the consumer's lock, so a message
// can never slip between a backlog flush and the liveness flip.
func (r *Registry) Route(topic string, body []byte) Outcome {
	outcome := r.route(topic, body)
	r.routed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", outcome.String()),
	))
	return outcome
}

func (r *Registry) route(topic string, body []byte) Outcome {
	c, ok := r.byTopic[topic]
	if !ok {
		r.logger.Warn("no consumer configured for topic, message dropped", "topic", topic)
		return Unrouted
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveness == Up {
		err := r.pub.Publish(topic, body)
		if err == nil {
			return Published
		}
		r.logger.Error("publish failed, keeping message", "topic", topic, "error", err.Error())
	}
	c.backlog.Append(backlog.Message{Topic: topic, Body: body})
	r.logger.Info("consumer not up, message backlogged", "consumer", c.name,
		"state", c.liveness.String(), "backlog", c.backlog.Len())
	return Backlogged
}

// Snapshot returns the status of every consumer.
func (r *Registry) Snapshot() []Status {
	out := make([]Status, 0, len(r.consumers))
	for _, c := range r.consumers {
		out = append(out, c.Status())
	}
	return out
}

// flush hands the backlog to the publisher in order. Caller holds c.mu.
// Whatever the publisher refuses goes back to the head of the backlog.
func (r *Registry) flush(c *Consumer) int {
	msgs := c.backlog.Drain()
	for i, m := range msgs {
		if err := r.pub.Publish(m.Topic, m.Body); err != nil {
			c.backlog.Prepend(msgs[i:])
			r.logger.Error("backlog flush interrupted", "consumer", c.name,
				"remaining", len(msgs)-i, "error", err.Error())
			return i
		}
	}
	return len(msgs)
}
