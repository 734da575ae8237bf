// internal/health/consumer.go
package health

import (
	"net/http"
	"sync"
	"time"

	"libradispatch/internal/backlog"
)

// Liveness is what the last probe cycle concluded about a consumer.
type Liveness int

const (
	Unknown Liveness = iota
	Up
	Down
)

func (l Liveness) String() string {
	switch l {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// ConnState tracks the probe connection to a consumer.
type ConnState int

const (
	ConnAbsent ConnState = iota
	ConnEstablished
)

func (s ConnState) String() string {
	if s == ConnEstablished {
		return "ESTABLISHED"
	}
	return "ABSENT"
}

// Consumer is the gateway's view of one topic subscriber. Its liveness and
// backlog only change under mu.
type Consumer struct {
	name      string
	topic     string
	healthURL string

	mu        sync.Mutex
	liveness  Liveness
	conn      ConnState
	transport *http.Transport
	client    *http.Client
	backlog   backlog.Queue
}

func NewConsumer(name, topic, healthURL string) *Consumer {
	return &Consumer{name: name, topic: topic, healthURL: healthURL}
}

func (c *Consumer) Name() string  { return c.name }
func (c *Consumer) Topic() string { return c.topic }

func (c *Consumer) Liveness() Liveness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveness
}

func (c *Consumer) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Consumer) BacklogLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backlog.Len()
}

// Status is a point-in-time view of a consumer.
type Status struct {
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	State     string `json:"state"`
	Conn      string `json:"conn"`
	Backlog   int    `json:"backlog"`
	HealthURL string `json:"health_url"`
}

func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Name:      c.name,
		Topic:     c.topic,
		State:     c.liveness.String(),
		Conn:      c.conn.String(),
		Backlog:   c.backlog.Len(),
		HealthURL: c.healthURL,
	}
}

// probeClient returns the established probe client, dialing lazily. Caller holds mu.
func (c *Consumer) probeClient() *http.Client {
	if c.conn == ConnEstablished {
		return c.client
	}
	c.transport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     30 * time.Second,
	}
	c.client = &http.Client{Transport: c.transport}
	c.conn = ConnEstablished
	return c.client
}

// dropConn discards the probe connection. Caller holds mu.
func (c *Consumer) dropConn() {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	c.transport = nil
	c.client = nil
	c.conn = ConnAbsent
}
