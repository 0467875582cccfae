package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-presence/internal/metrics"
	"github.com/a-essam23/go-presence/pkg/config"
)

type UserConnectionCounter func(identityID string) int
type UserConnectionCycler func(identityID string)

// NewConnectionLimiter caps live connections per identity. In "reject" mode
// excess upgrades get 429; in "cycle" mode the oldest connection is closed to
// make room. Must run after the auth middleware.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter UserConnectionCounter,
	cycler UserConnectionCycler,
	config config.ConnectionLimitConfig,
	recorder *metrics.Recorder,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.MaxPerUser <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if !reqMeta.Authenticated() {
				logger.Warn("Connection limiter could not determine identity from metadata; blocking request for safety.")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			id := reqMeta.Identity.ID
			count := counter(id)
			if count < config.MaxPerUser {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Identity connection limit reached", slog.String("identityID", id), slog.Int("count", count))
			switch config.Mode {
			case "reject":
				recorder.ObserveRejectedUpgrade("connection_limit")
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
				return
			case "cycle":
				cycler(id)
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.Any("mode", config.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		})
	}
}
