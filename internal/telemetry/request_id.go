package telemetry

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/xeostudio/project_downloader/internal/logctx"
)

// RequestIDHeader carries the correlation id across service boundaries.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each inbound request a correlation id, reusing one
// propagated by an upstream proxy. The id is echoed on the response and
// scoped into the context so every log line for the request carries it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(logctx.WithRequestID(r.Context(), id)))
	})
}
