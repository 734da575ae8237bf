// internal/backlog/queue.go
package backlog

// Message is one publication waiting for its consumer to come back.
type Message struct {
	Topic string
	Body  []byte
}

// Queue is a FIFO of messages. It is not safe for concurrent use; the owner
// guards it with its own lock.
type Queue struct {
	items []Message
}

// Append adds m at the tail.
func (q *Queue) Append(m Message) {
	q.items = append(q.items, m)
}

// Len is the number of queued messages.
func (q *Queue) Len() int { return len(q.items) }

// Drain returns every message in insertion order and empties the queue.
func (q *Queue) Drain() []Message {
	out := q.items
	q.items = nil
	return out
}

// Prepend puts msgs back at the head, ahead of anything queued since they were drained.
func (q *Queue) Prepend(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	merged := make([]Message, 0, len(msgs)+len(q.items))
	merged = append(merged, msgs...)
	q.items = append(merged, q.items...)
}
