// internal/loadgen/runner.go
package loadgen

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"libradispatch/internal/loan"
	"libradispatch/internal/logging"
	"libradispatch/internal/wire"

	"golang.org/x/time/rate"
)

const (
	DefaultInterval = 200 * time.Millisecond
	DefaultTimeout  = 2 * time.Second
)

// Sender delivers one request body and returns the reply.
type Sender interface {
	Send(ctx context.Context, body []byte) (loan.Result, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, body []byte) (loan.Result, error)

func (f SenderFunc) Send(ctx context.Context, body []byte) (loan.Result, error) { return f(ctx, body) }

// HTTPSender posts requests to the gateway.
type HTTPSender struct {
	url    string
	client *http.Client
}

func NewHTTPSender(url string) *HTTPSender {
	return &HTTPSender{url: url, client: &http.Client{}}
}

func (s *HTTPSender) Send(ctx context.Context, body []byte) (loan.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return loan.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return loan.Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return loan.Result{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	data, err := wire.ReadBody(resp.Body)
	if err != nil {
		return loan.Result{}, err
	}
	var res loan.Result
	if err := wire.Unmarshal(data, &res); err != nil {
		return loan.Result{}, err
	}
	return res, nil
}

// Stats summarizes one run. Replied counts requests that got any answer;
// Rejected is the subset answered with ok=false.
type Stats struct {
	Label      string
	Total      int
	Replied    int
	Rejected   int
	Failed     int
	Elapsed    time.Duration
	LatencySum time.Duration
	LatencyMin time.Duration
	LatencyMax time.Duration
}

func (s *Stats) observe(d time.Duration) {
	s.LatencySum += d
	if s.Replied == 1 || d < s.LatencyMin {
		s.LatencyMin = d
	}
	if d > s.LatencyMax {
		s.LatencyMax = d
	}
}

// Throughput is requests per second over the whole run.
func (s Stats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Total) / s.Elapsed.Seconds()
}

func (s Stats) LatencyAvg() time.Duration {
	if s.Replied == 0 {
		return 0
	}
	return s.LatencySum / time.Duration(s.Replied)
}

// Report writes the run summary.
func (s Stats) Report(w io.Writer) {
	prefix := ""
	if s.Label != "" {
		prefix = "[" + s.Label + "] "
	}
	fmt.Fprintf(w, "%sdone: total=%d ok=%d fail=%d rejected=%d\n", prefix, s.Total, s.Replied, s.Failed, s.Rejected)
	if s.Replied == 0 {
		return
	}
	fmt.Fprintf(w, "%selapsed=%s throughput=%.2f ops/s\n", prefix, s.Elapsed.Round(time.Millisecond), s.Throughput())
	fmt.Fprintf(w, "%slatency avg=%s min=%s max=%s\n", prefix, s.LatencyAvg(), s.LatencyMin, s.LatencyMax)
}

// Runner replays a JSON-lines workload, one request at a time.
type Runner struct {
	sender  Sender
	limiter *rate.Limiter
	timeout time.Duration
	label   string
	logger  logging.Logger
	now     func() time.Time
}

type Option func(*Runner) error

// WithInterval paces requests; zero sends as fast as replies come back.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) error {
		if d < 0 {
			return errors.New("interval must not be negative")
		}
		if d == 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 1)
			return nil
		}
		r.limiter = rate.NewLimiter(rate.Every(d), 1)
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(r *Runner) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		r.timeout = d
		return nil
	}
}

func WithLabel(label string) Option {
	return func(r *Runner) error {
		r.label = label
		return nil
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(r *Runner) error {
		r.logger = logger
		return nil
	}
}

func NewRunner(sender Sender, options ...Option) (*Runner, error) {
	if sender == nil {
		return nil, errors.New("nil sender")
	}
	r := &Runner{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(DefaultInterval), 1),
		timeout: DefaultTimeout,
		logger:  logging.Discard(),
		now:     time.Now,
	}
	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Run sends every non-blank line of workload. Malformed lines count as failures.
// It stops early only when ctx is done, returning the pacing error.
func (r *Runner) Run(ctx context.Context, workload io.Reader) (Stats, error) {
	stats := Stats{Label: r.label}
	var (
		started time.Time
		runErr  error
	)

	scanner := bufio.NewScanner(workload)
	scanner.Buffer(make([]byte, 0, 64*1024), wire.MaxBody)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		stats.Total++

		var op loan.Operation
		err := wire.Unmarshal(line, &op)
		if err == nil {
			err = EnsureContract(&op, r.now())
		}
		if err != nil {
			stats.Failed++
			r.logger.Warn("invalid line", "line", stats.Total, "error", err.Error())
			continue
		}
		body, err := wire.Marshal(op)
		if err != nil {
			stats.Failed++
			continue
		}

		if err := r.limiter.Wait(ctx); err != nil {
			stats.Total--
			runErr = err
			break
		}
		if started.IsZero() {
			started = time.Now()
		}

		res, lat, err := r.send(ctx, body)
		if err != nil {
			stats.Failed++
			r.logger.Warn("request failed", "op", op.Op, "request_id", op.RequestID, "error", err.Error())
			continue
		}
		stats.Replied++
		if !res.OK {
			stats.Rejected++
		}
		stats.observe(lat)
		r.logger.Info("reply", "op", op.Op, "request_id", op.RequestID, "ok", res.OK,
			"msg", res.Msg, "latency", lat.String())
	}
	if !started.IsZero() {
		stats.Elapsed = time.Since(started)
	}
	if runErr != nil {
		return stats, runErr
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read workload: %w", err)
	}
	return stats, nil
}

func (r *Runner) send(ctx context.Context, body []byte) (loan.Result, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	t0 := time.Now()
	res, err := r.sender.Send(ctx, body)
	return res, time.Since(t0), err
}
