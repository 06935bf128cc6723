package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/btcapture/idgen"
	"github.com/hazyhaar/btcapture/kit"
)

var newRequestID = idgen.Prefixed("req_", idgen.NanoID(10))

// RequestID assigns an id to each request, or keeps a sane X-Request-ID sent
// by the client, and injects it into the context, the response headers and
// a per-request structured logger stored under LoggerKey.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = newRequestID()
		}

		ctx := kit.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
