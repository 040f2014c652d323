package middleware

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/auth"
	"ocpihub/backend/services/ocpi-service/internal/models"
)

type contextKey string

// Authenticate resolves the Authorization header into an auth.Caller stored in the context.
// OPTIONS requests pass through unauthenticated.
func Authenticate(a *auth.Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			caller, err := a.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusForbidden
				if errors.Is(err, auth.ErrMissingCredentials) {
					status = http.StatusUnauthorized
				}
				logger.Debug("authentication failed",
					zap.String("path", r.URL.Path),
					zap.String("request_id", RequestIDFromContext(r.Context())),
					zap.Error(err),
				)
				writeStatus(w, status, models.StatusClientError, err.Error())
				return
			}

			recordCaller(r.Context(), caller.Subject)
			next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
		})
	}
}
