package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/auth"
	"ocpihub/backend/services/ocpi-service/internal/models"
	"ocpihub/backend/services/ocpi-service/internal/observer"
)

type recordingObserver struct {
	mu        sync.Mutex
	responses []observer.Exchange
	outcomes  []observer.Outcome
}

func (o *recordingObserver) OnRequest(context.Context, observer.Exchange) {}

func (o *recordingObserver) OnResponse(_ context.Context, ex observer.Exchange, out observer.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses = append(o.responses, ex)
	o.outcomes = append(o.outcomes, out)
}

func TestCorrelationMintsAndEchoesIDs(t *testing.T) {
	var seenRequest, seenCorrelation string
	h := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequest = RequestIDFromContext(r.Context())
		seenCorrelation = CorrelationIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seenRequest)
	assert.Equal(t, seenRequest, seenCorrelation)
	assert.Equal(t, seenRequest, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	req.Header.Set(HeaderCorrelationID, "corr-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-1", seenRequest)
	assert.Equal(t, "corr-1", seenCorrelation)
	assert.Equal(t, "corr-1", rec.Header().Get(HeaderCorrelationID))
}

func newAuthenticator(t *testing.T) (*auth.Authenticator, *auth.TokenService) {
	t.Helper()
	tokens := auth.NewTokenService("test-secret", time.Minute)
	return auth.NewAuthenticator(tokens, nil), tokens
}

func TestAuthenticateRejectsAndAccepts(t *testing.T) {
	a, tokens := newAuthenticator(t)
	obs := &recordingObserver{}

	r := chi.NewRouter()
	r.Use(Correlation, Observe(obs), Authenticate(a, zap.NewNop()))
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, ok := auth.CallerFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(c.Subject))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body models.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.StatusClientError, body.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/things/1", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	tok, err := tokens.GenerateToken("cpo-nl", nil, false)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/things/1", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("OCPI-from-country-code", "NL")
	req.Header.Set("OCPI-from-party-id", "ABC")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cpo-nl", rec.Body.String())

	require.Len(t, obs.responses, 3)
	last := obs.responses[2]
	assert.Equal(t, "/things/{id}", last.Route)
	assert.Equal(t, "cpo-nl", last.Caller)
	assert.Equal(t, "NL/ABC", last.FromParty)
	assert.NotEmpty(t, last.RequestID)
	assert.Equal(t, http.StatusUnauthorized, obs.outcomes[0].Status)
	assert.Equal(t, http.StatusOK, obs.outcomes[2].Status)
}
