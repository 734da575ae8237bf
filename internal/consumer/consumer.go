// internal/consumer/consumer.go
package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"libradispatch/internal/failover"
	"libradispatch/internal/loan"
	"libradispatch/internal/logging"
	"libradispatch/internal/publisher"

	"github.com/google/uuid"
)

const DefaultRetryDelay = time.Second

// ErrNotSubscribed is the readiness error while the event stream is not open.
var ErrNotSubscribed = errors.New("event stream not subscribed")

// Caller reaches a storage node with one fallback.
type Caller interface {
	Call(ctx context.Context, primary, backup string, body []byte, timeout time.Duration) failover.Response
}

// SubscribeFunc reads one event stream until it ends, calling onOpen once the
// subscription is accepted.
type SubscribeFunc func(ctx context.Context, streamURL, topic string, onOpen func(), fn func(publisher.Frame)) error

// Stats counts the events a consumer has handled.
type Stats struct {
	Topic       string `json:"topic"`
	Received    uint64 `json:"received"`
	Applied     uint64 `json:"applied"`
	Rejected    uint64 `json:"rejected"`
	Undelivered uint64 `json:"undelivered"`
	Reconnects  uint64 `json:"reconnects"`
	Subscribed  bool   `json:"subscribed"`
}

// Consumer applies every event of one topic to storage.
type Consumer struct {
	topic      string
	streamURL  string
	caller     Caller
	subscribe  SubscribeFunc
	primary    string
	backup     string
	timeout    time.Duration
	retryDelay time.Duration
	logger     logging.Logger

	received   atomic.Uint64
	applied    atomic.Uint64
	rejected   atomic.Uint64
	undeliv    atomic.Uint64
	reconnects atomic.Uint64
	subscribed atomic.Bool
}

type Option func(*Consumer) error

func WithLogger(logger logging.Logger) Option {
	return func(c *Consumer) error {
		c.logger = logger
		return nil
	}
}

// WithStorage sets the storage apply endpoints and the per-attempt timeout.
func WithStorage(primary, backup string, timeout time.Duration) Option {
	return func(c *Consumer) error {
		if primary == "" {
			return errors.New("empty storage endpoint")
		}
		c.primary = primary
		c.backup = backup
		if timeout > 0 {
			c.timeout = timeout
		}
		return nil
	}
}

// WithRetryDelay sets the pause before reconnecting to the stream.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Consumer) error {
		if d <= 0 {
			return errors.New("retry delay must be positive")
		}
		c.retryDelay = d
		return nil
	}
}

// WithSubscriber replaces the stream reader.
func WithSubscriber(fn SubscribeFunc) Option {
	return func(c *Consumer) error {
		c.subscribe = fn
		return nil
	}
}

func New(topic, streamURL string, caller Caller, options ...Option) (*Consumer, error) {
	if topic == "" || streamURL == "" {
		return nil, errors.New("consumer needs a topic and a stream url")
	}
	if caller == nil {
		return nil, errors.New("nil caller")
	}
	c := &Consumer{
		topic:      topic,
		streamURL:  streamURL,
		caller:     caller,
		subscribe:  publisher.Subscribe,
		timeout:    2 * time.Second,
		retryDelay: DefaultRetryDelay,
		logger:     logging.Discard(),
	}
	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}
	if c.primary == "" {
		return nil, errors.New("no storage endpoint configured")
	}
	return c, nil
}

// Run keeps a subscription open until ctx is done, reconnecting after a fixed
// delay whenever the stream drops.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		session := uuid.NewString()
		c.logger.Info("subscribing", "topic", c.topic, "stream", c.streamURL, "session", session)

		err := c.subscribe(ctx, c.streamURL, c.topic, func() {
			c.subscribed.Store(true)
			c.logger.Info("subscribed", "topic", c.topic, "session", session)
		}, func(f publisher.Frame) {
			c.handle(ctx, f)
		})
		c.subscribed.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("stream failed", "topic", c.topic, "session", session, "error", err.Error())
		} else {
			c.logger.Warn("stream closed", "topic", c.topic, "session", session)
		}

		c.reconnects.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Consumer) handle(ctx context.Context, f publisher.Frame) {
	// The stream matches by prefix; only the exact topic is ours.
	if f.Topic != c.topic {
		return
	}
	c.received.Add(1)
	c.Apply(ctx, f.Body)
}

// Apply sends one event body to storage and returns the reply.
func (c *Consumer) Apply(ctx context.Context, body []byte) loan.Result {
	resp := c.caller.Call(ctx, c.primary, c.backup, body, c.timeout)
	switch {
	case !resp.Delivered():
		c.undeliv.Add(1)
		c.logger.Error("storage unreachable, event lost", "topic", c.topic, "msg", resp.Result.Msg)
	case resp.Result.OK:
		c.applied.Add(1)
		c.logger.Info("event applied", "topic", c.topic, "endpoint", resp.Endpoint, "msg", resp.Result.Msg)
	default:
		c.rejected.Add(1)
		c.logger.Warn("event rejected", "topic", c.topic, "endpoint", resp.Endpoint, "msg", resp.Result.Msg)
	}
	return resp.Result
}

// Ready reports ErrNotSubscribed while no event stream is open, so the gateway
// keeps holding messages instead of publishing them to nobody.
func (c *Consumer) Ready() error {
	if !c.subscribed.Load() {
		return ErrNotSubscribed
	}
	return nil
}

func (c *Consumer) Stats() Stats {
	return Stats{
		Topic:       c.topic,
		Received:    c.received.Load(),
		Applied:     c.applied.Load(),
		Rejected:    c.rejected.Load(),
		Undelivered: c.undeliv.Load(),
		Reconnects:  c.reconnects.Load(),
		Subscribed:  c.subscribed.Load(),
	}
}
