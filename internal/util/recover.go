package util

import (
	"net/http"
	"runtime/debug"
)

// WithRecover turns a handler panic into a generic JSON 500.
func WithRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			LoggerFromContext(r.Context()).Error("handler panic",
				"panic", rec,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"success":false,"message":"Internal server error"}`))
		}()
		next.ServeHTTP(w, r)
	})
}
