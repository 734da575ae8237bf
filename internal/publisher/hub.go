// internal/publisher/hub.go
package publisher

import (
	"bytes"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"libradispatch/internal/logging"

	"github.com/google/uuid"
)

const defaultBuffer = 256

// Frame is one event delivered to a stream subscriber.
type Frame struct {
	Topic string
	Body  []byte
}

type subscriber struct {
	id      string
	prefix  string
	ch      chan Frame
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// HubStats are cumulative delivery counters.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Sent        uint64 `json:"sent"`
	Dropped     uint64 `json:"dropped"`
}

// Hub fans messages out to Server-Sent Events subscribers. A subscriber gets a
// message when the topic starts with the prefix it asked for. A subscriber whose
// buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	buffer  int
	sent    atomic.Uint64
	dropped atomic.Uint64
	logger  logging.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHubLogger sets the logger.
func WithHubLogger(logger logging.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

func NewHub(options ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[string]*subscriber),
		buffer: defaultBuffer,
		logger: logging.Discard(),
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// Broadcast delivers to every matching subscriber without blocking.
func (h *Hub) Broadcast(topic string, body []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		if !strings.HasPrefix(topic, s.prefix) {
			continue
		}
		select {
		case s.ch <- Frame{Topic: topic, Body: body}:
			s.sent.Add(1)
			h.sent.Add(1)
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
			h.logger.Warn("subscriber too slow, message dropped", "subscriber", s.id, "topic", topic)
		}
	}
}

// Subscribe registers a subscriber for prefix. The returned func unsubscribes.
func (h *Hub) Subscribe(prefix string) (<-chan Frame, func()) {
	s := &subscriber{
		id:     uuid.NewString(),
		prefix: prefix,
		ch:     make(chan Frame, h.buffer),
	}

	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s.id)
			h.mu.Unlock()
		})
	}
}

// Stats returns a snapshot of the delivery counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return HubStats{Subscribers: n, Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}

// ServeHTTP streams frames for the topic query parameter until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	topic := r.URL.Query().Get("topic")

	frames, cancel := h.Subscribe(topic)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": subscribed " + topic + "\n\n"))
	flusher.Flush()

	h.logger.Info("stream subscriber connected", "topic", topic, "remote", r.RemoteAddr)
	defer h.logger.Info("stream subscriber left", "topic", topic, "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-frames:
			if _, err := w.Write(encodeFrame(f)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// encodeFrame renders f as an SSE event; each body line becomes a data line.
func encodeFrame(f Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(f.Topic)
	buf.WriteByte('\n')
	for _, line := range bytes.Split(bytes.TrimRight(f.Body, "\n"), []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimRight(line, "\r"))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
