package server

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ikrfit/internal/config"
	"github.com/copyleftdev/ikrfit/internal/logging"
	"github.com/copyleftdev/ikrfit/internal/metrics"
	"github.com/copyleftdev/ikrfit/internal/results"
	"github.com/copyleftdev/ikrfit/internal/transform"
)

var reference = []float64{
	2.26026076650526e-4,
	6.99168845608636e-2,
	3.44809941106440e-5,
	5.46144197845311e-2,
	8.73240559379590e-2,
	8.91302005497140e-3,
	5.15112582976275e-3,
	3.15833911359110e-2,
	1.52395993652348e-1,
}

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}
	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Storage.ResultsDir = t.TempDir()
	return cfg
}

// testServer creates a server over a file store holding three results of
// "3-aa" for cell 5.
func testServer(t *testing.T) (*Server, *chi.Mux) {
	t.Helper()
	cfg := testConfig(t)
	logger := logging.New(logging.DebugLevel, io.Discard)
	store, err := results.NewFileStore(cfg.Storage.ResultsDir, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for _, score := range []float64{0.3, 0.1, 0.2} {
		r, err := store.Reserve(ctx, "3-aa", 5)
		require.NoError(t, err)
		require.NoError(t, r.Save(ctx, results.Record{
			Score:       score,
			Time:        2 * time.Second,
			Evaluations: 100,
			Parameters:  reference,
		}))
		require.NoError(t, r.Close())
	}

	srv := NewServer(cfg, logger, store, nil, metrics.New())
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(method, path, rd))
	return rr
}

func TestRegisterRoutes(t *testing.T) {
	_, r := testServer(t)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{"GET", "/healthz", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/api/v1/results", http.StatusOK},
		{"GET", "/api/v1/results/3-aa/5", http.StatusOK},
		{"GET", "/api/v1/results/3-aa/5/best", http.StatusOK},
		{"GET", "/api/v1/results/3-aa/x", http.StatusBadRequest},
		{"GET", "/api/v1/results/3-aa/6/best", http.StatusNotFound},
		{"POST", "/api/v1/boundaries/check", http.StatusBadRequest},
		{"GET", "/nonexistent", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.status, do(t, r, tt.method, tt.path, "").Code)
		})
	}
}

func TestResults(t *testing.T) {
	_, r := testServer(t)

	rr := do(t, r, "GET", "/api/v1/results/3-aa/5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp ResultsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "3-aa", resp.Config)
	assert.Equal(t, 5, resp.Cell)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, 0.1, *resp.Results[0].Score)
	assert.Equal(t, 2, resp.Results[0].Slot)
	assert.Equal(t, 2.0, resp.Results[0].Seconds)
	assert.Equal(t, reference, resp.Results[0].Parameters)
	assert.Equal(t, 3, resp.Summary.Count)
	assert.Equal(t, 0.1, resp.Summary.Best)
	assert.Equal(t, 0.3, resp.Summary.Worst)

	rr = do(t, r, "GET", "/api/v1/results/3-aa/5/best", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var best Record
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&best))
	assert.Equal(t, resp.Results[0].RunID, best.RunID)

	rr = do(t, r, "GET", "/api/v1/results", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"configs":["3-aa"]}`, rr.Body.String())

	rr = do(t, r, "GET", "/api/v1/results/2-aa/5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Empty(t, resp.Results)
}

func TestNonFiniteScore(t *testing.T) {
	rec := newRecord(results.Record{Score: math.Inf(1), Parameters: reference})
	assert.Nil(t, rec.Score)
	_, err := json.Marshal(rec)
	assert.NoError(t, err)
}

func TestCheck(t *testing.T) {
	_, r := testServer(t)
	a := transform.MustNew(transform.AOnly)

	body := func(cell int, search string, p []float64) string {
		data, err := json.Marshal(CheckRequest{Cell: cell, Search: search, Parameters: p})
		require.NoError(t, err)
		return string(data)
	}
	outside := append([]float64(nil), reference...)
	outside[1] = 1

	tests := []struct {
		name   string
		body   string
		status int
		valid  bool
	}{
		{"reference", body(5, "a", a.Transform(reference)), http.StatusOK, true},
		{"kinetic only", body(5, "a", a.Transform(reference[:8])), http.StatusOK, true},
		{"outside box", body(5, "a", a.Transform(outside)), http.StatusOK, false},
		{"other cell", body(1, "n", reference), http.StatusOK, true},
		{"unknown cell", body(99, "a", reference), http.StatusBadRequest, false},
		{"unknown transformation", body(5, "x", reference), http.StatusBadRequest, false},
		{"wrong length", body(5, "a", reference[:3]), http.StatusBadRequest, false},
		{"malformed", "{", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, "POST", "/api/v1/boundaries/check", tt.body)
			require.Equal(t, tt.status, rr.Code, rr.Body.String())
			if tt.status != http.StatusOK {
				return
			}
			var resp CheckResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, tt.valid, resp.Valid)
		})
	}
}

func TestJSONRPC(t *testing.T) {
	_, r := testServer(t)

	call := func(body string) map[string]interface{} {
		rr := do(t, r, "POST", "/rpc", body)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp map[string]interface{}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		return resp
	}
	code := func(resp map[string]interface{}) float64 {
		errObj, ok := resp["error"].(map[string]interface{})
		require.True(t, ok, "response should contain error object")
		return errObj["code"].(float64)
	}

	resp := call(`{"jsonrpc":"2.0","id":1,"method":"results.best","params":[{"config":"3-aa","cell":5}]}`)
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.1, result["score"])
	assert.Equal(t, 1.0, resp["id"])

	resp = call(`{"jsonrpc":"2.0","id":"a","method":"results.list","params":{"config":"3-aa","cell":5}}`)
	result = resp["result"].(map[string]interface{})
	assert.Len(t, result["results"], 3)

	resp = call(`{"jsonrpc":"2.0","id":2,"method":"results.configs"}`)
	assert.Equal(t, []interface{}{"3-aa"}, resp["result"])

	resp = call(`{"jsonrpc":"2.0","id":3,"method":"boundaries.check","params":{"cell":5,"search":"n","parameters":[1,2,3]}}`)
	assert.Equal(t, -32602.0, code(resp))

	assert.Equal(t, -32601.0, code(call(`{"jsonrpc":"2.0","id":4,"method":"optimization.start"}`)))
	assert.Equal(t, -32600.0, code(call(`{"jsonrpc":"1.0","id":5,"method":"results.configs"}`)))
	assert.Equal(t, -32700.0, code(call(`{`)))
	assert.Equal(t, -32000.0, code(call(`{"jsonrpc":"2.0","id":6,"method":"results.best","params":{"config":"3-aa","cell":7}}`)))
	assert.Equal(t, -32602.0, code(call(`{"jsonrpc":"2.0","id":7,"method":"results.best"}`)))
}

func TestRespondWithError(t *testing.T) {
	srv, _ := testServer(t)

	tests := []struct {
		name    string
		code    int
		message string
		id      interface{}
	}{
		{name: "string id", code: -32602, message: "invalid input", id: "123"},
		{name: "nil id", code: -32000, message: "server error", id: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)
			assert.Equal(t, http.StatusOK, rr.Code)

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
			errObj, ok := response["error"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.Equal(t, tt.id, response["id"])
		})
	}
}

func TestClose(t *testing.T) {
	srv, _ := testServer(t)
	assert.NoError(t, srv.Close())
}
