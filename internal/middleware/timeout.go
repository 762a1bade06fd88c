package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ErickCReis/glim-node/pkg/logging/logging"
)

// Timeout cancels the request context after d. Handlers run on the serving
// goroutine; if one gives up on the deadline without writing, the client
// gets 504.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}
			next.ServeHTTP(tw, r.WithContext(ctx))

			if tw.wroteHeader || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return
			}
			logging.L(ctx).Warn("request timeout", zap.Duration("timeout", d))
			writeJSONError(w, http.StatusGatewayTimeout, "gateway_timeout")
		})
	}
}

type timeoutWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *timeoutWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *timeoutWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
