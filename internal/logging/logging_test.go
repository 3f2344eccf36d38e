package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(WarnLevel, &buf)
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown", map[string]interface{}{"cell": 5})
	l.WithError(errors.New("boom")).Error("failed")

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "WARN", got[0]["level"])
	assert.Equal(t, "shown", got[0]["message"])
	assert.Equal(t, 5.0, got[0]["cell"])
	assert.Contains(t, got[0]["caller"], "logging/logging_test.go")
	assert.Equal(t, "boom", got[1]["error"])
}

func TestFatalExits(t *testing.T) {
	var buf bytes.Buffer
	l := New(InfoLevel, &buf)
	code := -1
	l.exit = func(c int) { code = c }
	l.Fatal("stop")
	assert.Equal(t, 1, code)
}

func TestNonFiniteFields(t *testing.T) {
	var buf bytes.Buffer
	New(InfoLevel, &buf).Info("score", map[string]interface{}{"best": math.Inf(1)})
	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "+Inf", got[0]["best"])
}

func TestTextFormat(t *testing.T) {
	l, err := NewLogger(&Config{Level: "debug", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	var buf bytes.Buffer
	l.out = &sink{w: &buf}
	l.Debug("repeat", map[string]interface{}{"b": 2, "a": 1})
	assert.Regexp(t, `DEBUG repeat a=1 b=2 caller=\S+\n$`, buf.String())

	_, err = NewLogger(&Config{Format: "xml"})
	assert.Error(t, err)
}

func TestZapLogger(t *testing.T) {
	var buf bytes.Buffer
	z := NewZapLogger(New(InfoLevel, &buf)).Named("fitting").With(zap.Int("cell", 5))
	z.Debug("hidden")
	z.Info("Finished",
		zap.Float64("best", 0.25),
		zap.String("method", "3-aa"),
		zap.Error(errors.New("skipped")),
		zap.Bool("local", true))

	got := lines(t, &buf)
	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, "INFO", e["level"])
	assert.Equal(t, "Finished", e["message"])
	assert.Equal(t, "fitting", e["logger"])
	assert.Equal(t, 5.0, e["cell"])
	assert.Equal(t, 0.25, e["best"])
	assert.Equal(t, "3-aa", e["method"])
	assert.Equal(t, "skipped", e["error"])
	assert.Equal(t, true, e["local"])
	assert.Contains(t, e["caller"], "logging/logging_test.go")
}

func TestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(Middleware(New(InfoLevel, &buf)))
	r.Get("/results/{config}", func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, FromContext(r.Context()).Logger)
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/results/3-aa", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "Request completed", got[0]["message"])
	assert.Equal(t, "/results/{config}", got[0]["route"])
	assert.Equal(t, 200.0, got[0]["status"])
	assert.Equal(t, "WARN", got[1]["level"])
	assert.Equal(t, 404.0, got[1]["status"])
}

func TestNewLoggerOutputs(t *testing.T) {
	path := t.TempDir() + "/fit.log"
	l, err := NewLogger(&Config{Level: "warning", Output: path})
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, l.level)
	l.Warn("written")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"written"`)

	l, err = NewLogger(&Config{Level: "verbose", Output: "discard"})
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, l.level)

	_, err = NewLogger(&Config{Output: t.TempDir() + "/missing/fit.log"})
	assert.Error(t, err)
}
