// internal/publisher/publisher.go
package publisher

import (
	"context"
	"errors"
	"sync"

	"libradispatch/internal/backlog"
	"libradispatch/internal/logging"
)

var ErrClosed = errors.New("publisher closed")

// Broadcaster puts a message on the wire. Only the publisher's worker calls it.
type Broadcaster interface {
	Broadcast(topic string, body []byte)
}

// Publisher decouples callers from the transport: Publish only enqueues, and a
// single worker hands messages to the Broadcaster in FIFO order.
type Publisher struct {
	mu     sync.Mutex
	queue  []backlog.Message
	closed bool
	signal chan struct{}
	out    Broadcaster
	logger logging.Logger
}

// Option configures a Publisher.
type Option func(*Publisher) error

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(p *Publisher) error {
		p.logger = logger
		return nil
	}
}

func New(out Broadcaster, options ...Option) (*Publisher, error) {
	if out == nil {
		return nil, errors.New("nil broadcaster")
	}
	p := &Publisher{
		signal: make(chan struct{}, 1),
		out:    out,
		logger: logging.Discard(),
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Publish enqueues body for topic. It never waits on the transport.
func (p *Publisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, backlog.Message{Topic: topic, Body: body})
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pending is the number of messages not yet handed to the Broadcaster.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting messages. Run delivers what is already queued and returns.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run is the worker loop. It returns after Close once the queue is empty, or
// when ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		closed := p.closed
		p.mu.Unlock()

		for _, m := range batch {
			p.out.Broadcast(m.Topic, m.Body)
		}
		if len(batch) > 0 {
			p.logger.Debug("published", "count", len(batch))
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.signal:
		}
	}
}
