package loadgen

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"libradispatch/internal/loan"
	"libradispatch/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

func TestEnsureContractFillsMissingFields(t *testing.T) {
	op := loan.Operation{Op: "DEVOLUCION", UserID: "U1", ItemID: "L0001", BranchID: "SEDE1"}
	require.NoError(t, EnsureContract(&op, fixedNow))

	assert.True(t, strings.HasPrefix(op.RequestID, "S-"), op.RequestID)
	assert.Len(t, op.RequestID, 2+36)
	assert.Equal(t, "2025-05-10T12:00:00Z", op.Timestamp)
	assert.Len(t, op.IdempotencyKey, 16)
	assert.Equal(t, IdempotencyKey("DEVOLUCION", op.RequestID, "L0001"), op.IdempotencyKey)
}

func TestEnsureContractKeepsProvidedFields(t *testing.T) {
	op := loan.Operation{
		Op: "BORROW", RequestID: "S-1", UserID: "U1", ItemID: "L0001", BranchID: "SEDE1",
		Timestamp: "2025-05-01T09:00:00Z", IdempotencyKey: "mine",
	}
	require.NoError(t, EnsureContract(&op, fixedNow))
	assert.Equal(t, "S-1", op.RequestID)
	assert.Equal(t, "2025-05-01T09:00:00Z", op.Timestamp)
	assert.Equal(t, "mine", op.IdempotencyKey)
}

func TestEnsureContractRejects(t *testing.T) {
	cases := map[string]loan.Operation{
		"unknown op":   {Op: "RESERVE", UserID: "U1", ItemID: "L1", BranchID: "SEDE1"},
		"missing user": {Op: "BORROW", ItemID: "L1", BranchID: "SEDE1"},
		"missing item": {Op: "BORROW", UserID: "U1", BranchID: "SEDE1"},
		"missing sede": {Op: "BORROW", UserID: "U1", ItemID: "L1"},
	}
	for name, op := range cases {
		t.Run(name, func(t *testing.T) {
			err := EnsureContract(&op, fixedNow)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	a := IdempotencyKey("BORROW", "S-1", "L0001")
	assert.Equal(t, a, IdempotencyKey("BORROW", "S-1", "L0001"))
	assert.NotEqual(t, a, IdempotencyKey("BORROW", "S-2", "L0001"))
	assert.NotEqual(t, a, IdempotencyKey("RENEW", "S-1", "L0001"))
}

type fakeSender struct {
	mu     sync.Mutex
	bodies []string
	reply  func(op loan.Operation) (loan.Result, error)
}

func (f *fakeSender) Send(ctx context.Context, body []byte) (loan.Result, error) {
	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()
	var op loan.Operation
	if err := wire.Unmarshal(body, &op); err != nil {
		return loan.Result{}, err
	}
	return f.reply(op)
}

func TestRunCountsOutcomes(t *testing.T) {
	sender := &fakeSender{reply: func(op loan.Operation) (loan.Result, error) {
		switch op.UserID {
		case "U-timeout":
			return loan.Result{}, context.DeadlineExceeded
		case "U-none":
			return loan.Fail("no copies available"), nil
		}
		return loan.Done("received"), nil
	}}
	r, err := NewRunner(sender, WithInterval(0), WithLabel("sede1-ps1"))
	require.NoError(t, err)
	r.now = func() time.Time { return fixedNow }

	workload := strings.Join([]string{
		`{"op":"RETURN","idUsuario":"U1","idLibro":"L0001","sede":"SEDE1"}`,
		``,
		`{"op":"BORROW","idUsuario":"U-none","idLibro":"L0002","sede":"SEDE1"}`,
		`{"op":"BORROW","idUsuario":"U-timeout","idLibro":"L0003","sede":"SEDE2"}`,
		`{"op":"NOPE","idUsuario":"U1","idLibro":"L0001","sede":"SEDE1"}`,
		`not json`,
	}, "\n")

	stats, err := r.Run(context.Background(), strings.NewReader(workload))
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Replied)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 3, stats.Failed)
	assert.Len(t, sender.bodies, 3)
	assert.Contains(t, sender.bodies[0], `"timestamp":"2025-05-10T12:00:00Z"`)
	assert.LessOrEqual(t, stats.LatencyMin, stats.LatencyMax)

	var out bytes.Buffer
	stats.Report(&out)
	assert.Contains(t, out.String(), "[sede1-ps1] done: total=5 ok=2 fail=3 rejected=1")
	assert.Contains(t, out.String(), "throughput=")
}

func TestRunAppliesPerRequestTimeout(t *testing.T) {
	slow := SenderFunc(func(ctx context.Context, body []byte) (loan.Result, error) {
		<-ctx.Done()
		return loan.Result{}, ctx.Err()
	})
	r, err := NewRunner(slow, WithInterval(0), WithTimeout(20*time.Millisecond))
	require.NoError(t, err)

	stats, err := r.Run(context.Background(),
		strings.NewReader(`{"op":"RENEW","idUsuario":"U1","idLibro":"L0001","sede":"SEDE1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Replied)
}

func TestRunStopsOnCancel(t *testing.T) {
	sender := &fakeSender{reply: func(loan.Operation) (loan.Result, error) { return loan.Done("ok"), nil }}
	r, err := NewRunner(sender, WithInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)
	line := `{"op":"RETURN","idUsuario":"U1","idLibro":"L0001","sede":"SEDE1"}`
	stats, err := r.Run(ctx, strings.NewReader(line+"\n"+line+"\n"))

	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Replied)
}

func TestHTTPSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wire.WriteJSON(w, http.StatusOK, loan.Result{OK: true, Msg: "received"})
	}))
	defer srv.Close()

	res, err := NewHTTPSender(srv.URL).Send(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, loan.Result{OK: true, Msg: "received"}, res)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	_, err = NewHTTPSender(bad.URL).Send(context.Background(), []byte(`{}`))
	assert.Error(t, err)
}

func TestRunnerOptions(t *testing.T) {
	_, err := NewRunner(nil)
	assert.Error(t, err)
	_, err = NewRunner(&fakeSender{}, WithInterval(-time.Second))
	assert.Error(t, err)
	_, err = NewRunner(&fakeSender{}, WithTimeout(0))
	assert.Error(t, err)
}
