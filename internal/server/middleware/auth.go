package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/a-essam23/go-presence/internal/metrics"
	"github.com/a-essam23/go-presence/pkg/identity"
)

const DefaultQueryParam = "token"

// Credential extracts the bearer credential from the query parameter or the
// Authorization header. The query parameter wins when both are present.
func Credential(r *http.Request, queryParam string) string {
	if queryParam == "" {
		queryParam = DefaultQueryParam
	}
	if token := r.URL.Query().Get(queryParam); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// NewAuthMiddleware resolves the caller's identity before the upgrade. Any
// failure answers 401 and the connection is never registered.
func NewAuthMiddleware(logger *slog.Logger, resolver identity.Resolver, queryParam string, recorder *metrics.Recorder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			token := Credential(r, queryParam)
			if token == "" {
				logger.Warn("Credential missing in request", slog.String("ip", reqMeta.IP))
				recorder.ObserveRejectedUpgrade("missing_credential")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ident, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				if !errors.Is(err, identity.ErrUnauthenticated) {
					logger.Error("Identity resolver failed", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				} else {
					logger.Warn("Invalid credential presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				}
				recorder.ObserveRejectedUpgrade("invalid_credential")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.Identity = ident
			next.ServeHTTP(w, r)
		})
	}
}
