package lender

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"libradispatch/internal/failover"
	"libradispatch/internal/loan"
	"libradispatch/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const borrowBody = `{"op":"BORROW","idSolicitud":"S-1","idUsuario":"U1","idLibro":"L0001","sede":"SEDE1","timestamp":"2025-05-01T09:00:00Z","idempotencyKey":"k-1"}`

func newStorageServer(t *testing.T, name string) (*httptest.Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	store.PutItem(loan.Item{ItemID: "L0001", BranchID: "SEDE1", Total: 1, Available: 1})
	engine, err := storage.NewEngine(store, storage.WithName(name))
	require.NoError(t, err)
	srv := httptest.NewServer(storage.NewHandler(engine, name, nil).Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func newTestLender(t *testing.T, primary, backup string) *Lender {
	t.Helper()
	caller, err := failover.NewCaller(failover.WithFailureMessage(FailureMessage))
	require.NoError(t, err)
	l, err := New(caller, WithStorage(primary, backup, 500*time.Millisecond))
	require.NoError(t, err)
	return l
}

func TestBorrowReachesPrimaryStorage(t *testing.T) {
	primary, store := newStorageServer(t, "storage-a")
	l := newTestLender(t, primary.URL+"/apply", "")

	res := l.Handle(context.Background(), []byte(borrowBody))

	assert.True(t, res.OK, res.Msg)
	assert.Equal(t, "2025-05-15T09:00:00Z", res.DueDate)
	assert.Len(t, store.Loans(), 1)
}

func TestBorrowFallsBackToBackupStorage(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	backup, store := newStorageServer(t, "storage-b")
	l := newTestLender(t, deadURL+"/apply", backup.URL+"/apply")

	res := l.Handle(context.Background(), []byte(borrowBody))

	assert.True(t, res.OK, res.Msg)
	assert.Len(t, store.Loans(), 1)
}

func TestNoStorageAnswers(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	l := newTestLender(t, deadURL+"/apply", deadURL+"/apply")

	res := l.Handle(context.Background(), []byte(borrowBody))
	assert.Equal(t, loan.Result{OK: false, Msg: FailureMessage}, res)
}

func TestRejectsNonBorrow(t *testing.T) {
	l := newTestLender(t, "http://127.0.0.1:1/apply", "")

	res := l.Handle(context.Background(), []byte(`{"op":"devolucion"}`))
	assert.Equal(t, loan.Result{OK: false, Msg: "op not supported by borrow handler: DEVOLUCION"}, res)

	res = l.Handle(context.Background(), []byte(`not json`))
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Msg, "invalid JSON"), res.Msg)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, WithStorage("http://x", "", 0))
	assert.Error(t, err)

	caller, err := failover.NewCaller()
	require.NoError(t, err)
	_, err = New(caller)
	assert.Error(t, err)
	_, err = New(caller, WithStorage("", "", 0))
	assert.Error(t, err)
}

func TestHandlerRoutes(t *testing.T) {
	primary, _ := newStorageServer(t, "storage-a")
	srv := httptest.NewServer(NewHandler(newTestLender(t, primary.URL+"/apply", ""), "lender-1").Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/borrow", "application/json", strings.NewReader(borrowBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	hresp, err := http.Post(srv.URL+"/health", "application/json", strings.NewReader(`{"type":"health"}`))
	require.NoError(t, err)
	defer hresp.Body.Close()
	assert.Equal(t, http.StatusOK, hresp.StatusCode)
}
