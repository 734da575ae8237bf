package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"libradispatch/internal/failover"
	"libradispatch/internal/health"
	"libradispatch/internal/loan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	primary, backup string
	body            string
	timeout         time.Duration
}

type fakeCaller struct {
	mu    sync.Mutex
	calls []call
	resp  failover.Response
}

func (f *fakeCaller) Call(_ context.Context, primary, backup string, body []byte, timeout time.Duration) failover.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{primary, backup, string(body), timeout})
	return f.resp
}

type routed struct {
	topic string
	body  string
}

type fakeRouter struct {
	mu      sync.Mutex
	got     []routed
	outcome health.Outcome
}

func (f *fakeRouter) Route(topic string, body []byte) health.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, routed{topic, string(body)})
	return f.outcome
}

func newTestGateway(t *testing.T, caller Caller, router Router) *Gateway {
	t.Helper()
	g, err := New(caller, router, WithLender("http://lender-a/borrow", "http://lender-b/borrow", 2*time.Second))
	require.NoError(t, err)
	return g
}

func TestBorrowIsRelayedVerbatim(t *testing.T) {
	caller := &fakeCaller{resp: failover.Response{
		Result:   loan.Result{OK: true, Msg: "loan registered", DueDate: "2025-05-15T09:00:00Z", LoanID: 7},
		Endpoint: "http://lender-a/borrow",
	}}
	router := &fakeRouter{}
	g := newTestGateway(t, caller, router)

	body := `{"op":"BORROW","idUsuario":"U1","idLibro":"L0001","sede":"SEDE1","extra":"kept"}`
	res := g.Handle(context.Background(), []byte(body))

	assert.Equal(t, caller.resp.Result, res)
	require.Len(t, caller.calls, 1)
	assert.Equal(t, call{"http://lender-a/borrow", "http://lender-b/borrow", body, 2 * time.Second}, caller.calls[0])
	assert.Empty(t, router.got)
}

func TestBorrowBusinessFailureIsRelayed(t *testing.T) {
	caller := &fakeCaller{resp: failover.Response{
		Result:   loan.Result{OK: false, Msg: "no copies available"},
		Endpoint: "http://lender-b/borrow",
	}}
	g := newTestGateway(t, caller, &fakeRouter{})

	res := g.Handle(context.Background(), []byte(`{"op":"borrow"}`))
	assert.Equal(t, loan.Result{OK: false, Msg: "no copies available"}, res)
}

func TestBorrowHandlerDown(t *testing.T) {
	caller := &fakeCaller{resp: failover.Response{Result: loan.Fail("no endpoint responded")}}
	g := newTestGateway(t, caller, &fakeRouter{})

	res := g.Handle(context.Background(), []byte(`{"op":"BORROW"}`))
	assert.Equal(t, loan.Result{OK: false, Msg: msgBorrowDown}, res)
}

func TestAsyncOpsAreAcknowledgedImmediately(t *testing.T) {
	for _, outcome := range []health.Outcome{health.Published, health.Backlogged, health.Unrouted} {
		router := &fakeRouter{outcome: outcome}
		caller := &fakeCaller{}
		g := newTestGateway(t, caller, router)

		ret := `{"op":"RETURN","idUsuario":"U1","idLibro":"L0001","sede":"SEDE1"}`
		ren := `{"op":"RENOVACION","idUsuario":"U1","idLibro":"L0001","sede":"SEDE1"}`
		assert.Equal(t, loan.Result{OK: true, Msg: msgReceived}, g.Handle(context.Background(), []byte(ret)))
		assert.Equal(t, loan.Result{OK: true, Msg: msgReceived}, g.Handle(context.Background(), []byte(ren)))

		assert.Equal(t, []routed{{"RETURN", ret}, {"RENEW", ren}}, router.got, outcome.String())
		assert.Empty(t, caller.calls)
	}
}

func TestUnsupportedAndMalformedRequests(t *testing.T) {
	router := &fakeRouter{}
	caller := &fakeCaller{}
	g := newTestGateway(t, caller, router)

	res := g.Handle(context.Background(), []byte(`{"op":"RESERVE"}`))
	assert.Equal(t, loan.Result{OK: false, Msg: "unsupported op (BORROW/RETURN/RENEW)"}, res)

	res = g.Handle(context.Background(), []byte(`{"op":`))
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Msg, "invalid JSON"), res.Msg)

	assert.Empty(t, router.got)
	assert.Empty(t, caller.calls)
}

func TestNewRequiresLender(t *testing.T) {
	_, err := New(&fakeCaller{}, &fakeRouter{})
	assert.Error(t, err)
	_, err = New(nil, &fakeRouter{}, WithLender("http://x", "", 0))
	assert.Error(t, err)
}

func TestHandleRequestEndpoint(t *testing.T) {
	router := &fakeRouter{}
	g := newTestGateway(t, &fakeCaller{}, router)
	h := &Handler{gateway: g}

	rec := httptest.NewRecorder()
	h.HandleRequest(rec, httptest.NewRequest("POST", "/requests",
		strings.NewReader(`{"op":"RENEW","idUsuario":"U1","idLibro":"L0001","sede":"SEDE1"}`)))

	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"ok":true,"msg":"received"}`, rec.Body.String())
	assert.Len(t, router.got, 1)
}
