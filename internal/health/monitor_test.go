package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	body  string
}

type fakePublisher struct {
	mu     sync.Mutex
	got    []published
	failAt int
	calls  int
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAt > 0 && p.calls >= p.failAt {
		return errors.New("publisher closed")
	}
	p.got = append(p.got, published{topic, string(body)})
	return nil
}

func (p *fakePublisher) bodies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.got))
	for _, m := range p.got {
		out = append(out, m.body)
	}
	return out
}

// fakeConsumer answers probes while healthy is set.
type fakeConsumer struct {
	healthy atomic.Bool
	delay   atomic.Int64
	srv     *httptest.Server
}

func newFakeConsumer(t *testing.T, healthy bool) *fakeConsumer {
	t.Helper()
	f := &fakeConsumer{}
	f.healthy.Store(healthy)
	ok := NewResponder("consumer-return")
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := time.Duration(f.delay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if !f.healthy.Load() {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"type":"error","error":"unknown"}`))
			return
		}
		ok.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func setup(t *testing.T, pub Publisher, url string) (*Registry, *Monitor, *Consumer) {
	t.Helper()
	c := NewConsumer("consumer-return", "RETURN", url)
	reg, err := NewRegistry(pub, []*Consumer{c})
	require.NoError(t, err)
	mon, err := NewMonitor(reg, WithTimeout(200*time.Millisecond), WithInterval(20*time.Millisecond))
	require.NoError(t, err)
	return reg, mon, c
}

func TestProbeFlipsLiveness(t *testing.T) {
	fc := newFakeConsumer(t, true)
	_, mon, c := setup(t, &fakePublisher{}, fc.srv.URL)

	assert.Equal(t, Unknown, c.Liveness())
	assert.Equal(t, ConnAbsent, c.ConnState())

	mon.ProbeOnce(context.Background())
	assert.Equal(t, Up, c.Liveness())
	assert.Equal(t, ConnEstablished, c.ConnState())

	fc.healthy.Store(false)
	mon.ProbeOnce(context.Background())
	assert.Equal(t, Down, c.Liveness())
	assert.Equal(t, ConnAbsent, c.ConnState(), "a failed probe tears the connection down")

	fc.healthy.Store(true)
	mon.ProbeOnce(context.Background())
	assert.Equal(t, Up, c.Liveness())
	assert.Equal(t, ConnEstablished, c.ConnState())
}

func TestProbeTimeoutMeansDown(t *testing.T) {
	fc := newFakeConsumer(t, true)
	fc.delay.Store(int64(time.Second))
	_, mon, c := setup(t, &fakePublisher{}, fc.srv.URL)

	start := time.Now()
	mon.ProbeOnce(context.Background())

	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, Down, c.Liveness())
}

func TestUnreachableConsumerIsDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, mon, c := setup(t, &fakePublisher{}, url)

	mon.ProbeOnce(context.Background())
	assert.Equal(t, Down, c.Liveness())
}

func TestRouteBacklogsUntilUpThenFlushesInOrder(t *testing.T) {
	fc := newFakeConsumer(t, false)
	pub := &fakePublisher{}
	reg, mon, c := setup(t, pub, fc.srv.URL)

	// Before the first probe the consumer is UNKNOWN, which is not UP.
	assert.Equal(t, Backlogged, reg.Route("RETURN", []byte("m1")))
	mon.ProbeOnce(context.Background())
	require.Equal(t, Down, c.Liveness())
	for i := 2; i <= 5; i++ {
		assert.Equal(t, Backlogged, reg.Route("RETURN", []byte(fmt.Sprintf("m%d", i))))
	}
	assert.Equal(t, 5, c.BacklogLen())
	assert.Empty(t, pub.bodies())

	fc.healthy.Store(true)
	mon.ProbeOnce(context.Background())

	assert.Equal(t, Up, c.Liveness())
	assert.Zero(t, c.BacklogLen())
	assert.Equal(t, Published, reg.Route("RETURN", []byte("m6")))
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", "m5", "m6"}, pub.bodies())

	// Staying UP does not flush again.
	mon.ProbeOnce(context.Background())
	assert.Len(t, pub.bodies(), 6)
}

func TestRouteRacingRecoveryLosesNothing(t *testing.T) {
	const producers, perProducer = 4, 50

	for round := 0; round < 20; round++ {
		fc := newFakeConsumer(t, true)
		pub := &fakePublisher{}
		reg, mon, _ := setup(t, pub, fc.srv.URL)
		c, ok := reg.Consumer("RETURN")
		require.True(t, ok)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				<-start
				for i := 0; i < perProducer; i++ {
					reg.Route("RETURN", []byte(fmt.Sprintf("p%d-%d", p, i)))
				}
			}(p)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			mon.ProbeOnce(context.Background())
		}()
		close(start)
		wg.Wait()

		require.Equal(t, Up, c.Liveness())
		assert.Zero(t, c.BacklogLen())

		got := pub.bodies()
		require.Len(t, got, producers*perProducer, "round %d", round)
		seen := make(map[string]bool, len(got))
		next := make([]int, producers)
		for _, body := range got {
			require.False(t, seen[body], "round %d: %s delivered twice", round, body)
			seen[body] = true
			var p, i int
			_, err := fmt.Sscanf(body, "p%d-%d", &p, &i)
			require.NoError(t, err)
			require.Equal(t, next[p], i, "round %d: producer %d out of order", round, p)
			next[p]++
		}
	}
}

func TestUpToDownOnlyFlipsTheFlag(t *testing.T) {
	fc := newFakeConsumer(t, true)
	pub := &fakePublisher{}
	reg, mon, c := setup(t, pub, fc.srv.URL)

	mon.ProbeOnce(context.Background())
	require.Equal(t, Published, reg.Route("RETURN", []byte("a")))

	fc.healthy.Store(false)
	mon.ProbeOnce(context.Background())
	assert.Equal(t, Backlogged, reg.Route("RETURN", []byte("b")))
	assert.Equal(t, []string{"a"}, pub.bodies())
	assert.Equal(t, 1, c.BacklogLen())
}

func TestFlushKeepsWhatThePublisherRefuses(t *testing.T) {
	fc := newFakeConsumer(t, false)
	pub := &fakePublisher{failAt: 3}
	reg, mon, c := setup(t, pub, fc.srv.URL)

	for i := 1; i <= 4; i++ {
		reg.Route("RETURN", []byte(fmt.Sprintf("m%d", i)))
	}
	fc.healthy.Store(true)
	mon.ProbeOnce(context.Background())

	assert.Equal(t, []string{"m1", "m2"}, pub.bodies())
	assert.Equal(t, 2, c.BacklogLen())
	next := c.backlog.Drain()
	assert.Equal(t, "m3", string(next[0].Body))
	assert.Equal(t, "m4", string(next[1].Body))
}

func TestRouteUnconfiguredTopic(t *testing.T) {
	pub := &fakePublisher{}
	reg, _, _ := setup(t, pub, "http://127.0.0.1:1/health")

	assert.Equal(t, Unrouted, reg.Route("AUDIT", []byte("x")))
	assert.Empty(t, pub.bodies())
}

func TestRegistryRejectsDuplicateTopics(t *testing.T) {
	_, err := NewRegistry(&fakePublisher{}, []*Consumer{
		NewConsumer("a", "RETURN", "http://a"),
		NewConsumer("b", "RETURN", "http://b"),
	})
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	fc := newFakeConsumer(t, true)
	reg, mon, _ := setup(t, &fakePublisher{}, fc.srv.URL)
	mon.ProbeOnce(context.Background())

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "UP", snap[0].State)
	assert.Equal(t, "ESTABLISHED", snap[0].Conn)
	assert.Equal(t, "RETURN", snap[0].Topic)
}

func TestRunProbesUntilCancelled(t *testing.T) {
	fc := newFakeConsumer(t, false)
	_, mon, c := setup(t, &fakePublisher{}, fc.srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Liveness() == Down }, 2*time.Second, 5*time.Millisecond)
	fc.healthy.Store(true)
	require.Eventually(t, func() bool { return c.Liveness() == Up }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, ConnAbsent, c.ConnState())
}

func TestMonitorOptionsValidate(t *testing.T) {
	reg, err := NewRegistry(&fakePublisher{}, nil)
	require.NoError(t, err)
	_, err = NewMonitor(reg, WithInterval(0))
	assert.Error(t, err)
	_, err = NewMonitor(reg, WithTimeout(-time.Second))
	assert.Error(t, err)
}
