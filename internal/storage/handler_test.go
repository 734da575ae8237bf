package storage

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"libradispatch/internal/loan"
	"libradispatch/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := storeWith(loan.Item{ItemID: "L0001", BranchID: "SEDE1", Total: 1, Available: 1})
	srv := httptest.NewServer(NewHandler(newTestEngine(t, store), "storage-primary", nil).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := wire.ReadBody(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestHandleApply(t *testing.T) {
	srv := newTestServer(t)

	status, body := postJSON(t, srv.URL+"/apply",
		`{"op":"BORROW","idSolicitud":"S-1","idUsuario":"U1","idLibro":"L0001","sede":"SEDE1","idempotencyKey":"k1"}`)
	require.Equal(t, http.StatusOK, status)

	var res loan.Result
	require.NoError(t, wire.Unmarshal(body, &res))
	assert.True(t, res.OK, res.Msg)
	assert.Equal(t, int64(1), res.LoanID)
	assert.NotEmpty(t, res.DueDate)
}

func TestHandleApplyInvalidJSON(t *testing.T) {
	srv := newTestServer(t)

	status, body := postJSON(t, srv.URL+"/apply", `{"op":`)
	require.Equal(t, http.StatusOK, status)

	var res loan.Result
	require.NoError(t, wire.Unmarshal(body, &res))
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Msg, "invalid JSON"), res.Msg)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)

	_, body := postJSON(t, srv.URL+"/health", `{"type":"health"}`)
	assert.JSONEq(t, `{"type":"health_ok","actor":"storage-primary"}`, string(body))

	_, body = postJSON(t, srv.URL+"/health", `{"type":"status"}`)
	assert.JSONEq(t, `{"type":"error","error":"unknown"}`, string(body))
}

func TestHandleItem(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/items/SEDE1/L0001")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var it loan.Item
	data, err := wire.ReadBody(resp.Body)
	require.NoError(t, err)
	require.NoError(t, wire.Unmarshal(data, &it))
	assert.Equal(t, 1, it.Available)

	missing, err := http.Get(srv.URL + "/items/SEDE1/L0404")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}
