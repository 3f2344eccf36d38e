package errors

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/copyleftdev/ikrfit/internal/logging"
)

// RecoveryMiddleware turns a handler panic into a logged 500 response with
// a JSON body. http.ErrAbortHandler is re-raised for net/http to handle.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("Recovered from panic", map[string]interface{}{
					"error":      Errorf(KindUnknown, "panic: %v", rec).WithOperation(r.Method + " " + r.URL.Path).Error(),
					"request_id": middleware.GetReqID(r.Context()),
					"query":      r.URL.RawQuery,
					"stack":      string(debug.Stack()),
				})
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Recover converts a panic in fn into an error of the given kind.
func Recover(kind Kind, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Errorf(kind, "panic: %v", rec).WithOperation(op)
		}
	}()
	return fn()
}
