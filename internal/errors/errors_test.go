package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ikrfit/internal/logging"
)

func TestErrorString(t *testing.T) {
	base := stderrors.New("disk full")
	err := Wrap(base, KindPersistence, "save result").WithOperation("Save").WithComponent("results")

	assert.Equal(t, "save result: operation=Save, component=results: disk full", err.Error())
	assert.True(t, Is(err, base))
	assert.NotEmpty(t, err.StackTrace())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, KindSampling, "x"))
	assert.Nil(t, Wrapf(nil, KindSampling, "x %d", 1))
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("repeat 3: %w", New(KindOptimizer, "diverged"))
	assert.Equal(t, KindOptimizer, KindOf(err))
	assert.True(t, IsKind(err, KindOptimizer))
	assert.False(t, IsKind(err, KindSampling))
	assert.Equal(t, KindUnknown, KindOf(stderrors.New("plain")))
	assert.Equal(t, "optimizer", KindOptimizer.String())

	var target *Error
	require.True(t, As(err, &target))
	assert.Equal(t, "diverged", target.Message)
}

func TestRecover(t *testing.T) {
	err := Recover(KindOptimizer, "run", func() error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Equal(t, KindOptimizer, KindOf(err))
	assert.Contains(t, err.Error(), "boom")

	assert.NoError(t, Recover(KindOptimizer, "run", func() error { return nil }))
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	h := RecoveryMiddleware(logging.New(logging.InfoLevel, &buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/results?x=1", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rr.Body.String())
	assert.Contains(t, buf.String(), "handler exploded")
	assert.Contains(t, buf.String(), "GET /api/v1/results")

	abort := RecoveryMiddleware(logging.New(logging.InfoLevel, &buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		abort.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
