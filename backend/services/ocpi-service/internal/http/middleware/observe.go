package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"ocpihub/backend/services/ocpi-service/internal/observer"
)

const exchangeKey contextKey = "exchange"

// Observe reports every request and its outcome to obs.
func Observe(obs observer.Observer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ex := &observer.Exchange{
				RequestID:     RequestIDFromContext(r.Context()),
				CorrelationID: CorrelationIDFromContext(r.Context()),
				Method:        r.Method,
				Path:          r.URL.Path,
				FromParty:     party(r, "from"),
				ToParty:       party(r, "to"),
				Started:       time.Now().UTC(),
			}
			ctx := context.WithValue(r.Context(), exchangeKey, ex)
			obs.OnRequest(ctx, *ex)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			if rctx := chi.RouteContext(ctx); rctx != nil {
				ex.Route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			obs.OnResponse(ctx, *ex, observer.Outcome{
				Status:   status,
				Bytes:    ww.BytesWritten(),
				Duration: time.Since(ex.Started),
			})
		})
	}
}

func party(r *http.Request, direction string) string {
	cc := r.Header.Get("OCPI-" + direction + "-country-code")
	pid := r.Header.Get("OCPI-" + direction + "-party-id")
	if cc == "" && pid == "" {
		return ""
	}
	return cc + "/" + pid
}

func recordCaller(ctx context.Context, subject string) {
	if ex, ok := ctx.Value(exchangeKey).(*observer.Exchange); ok {
		ex.Caller = subject
	}
}
