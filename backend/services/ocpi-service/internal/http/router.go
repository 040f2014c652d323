package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/auth"
	"ocpihub/backend/services/ocpi-service/internal/http/handlers"
	"ocpihub/backend/services/ocpi-service/internal/http/middleware"
	"ocpihub/backend/services/ocpi-service/internal/mergepatch"
	"ocpihub/backend/services/ocpi-service/internal/observer"
)

// BasePath is where the EMSP interface is mounted.
const BasePath = "/ocpi/emsp/2.2"

// Routes groups handlers.
type Routes struct {
	Locations *handlers.ResourceHandler
	Tariffs   *handlers.ResourceHandler
	Sessions  *handlers.ResourceHandler
	CDRs      *handlers.ResourceHandler
	Tokens    *handlers.TokensHandler
	Commands  *handlers.CommandsHandler

	Health  http.HandlerFunc
	Metrics http.Handler
	Monitor http.Handler
}

// RouterOptions carries the cross-cutting pieces of the router.
type RouterOptions struct {
	Authenticator  *auth.Authenticator
	Observer       observer.Observer
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter registers endpoints.
func NewRouter(routes Routes, opts RouterOptions) http.Handler {
	if opts.Observer == nil {
		opts.Observer = observer.Nop{}
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization", "Content-Type", "If-None-Match",
			middleware.HeaderRequestID, middleware.HeaderCorrelationID,
			"OCPI-from-country-code", "OCPI-from-party-id", "OCPI-to-country-code", "OCPI-to-party-id",
		},
		ExposedHeaders: []string{
			"ETag", "Last-Modified", "Location", "Link", "X-Total-Count", "X-Limit",
			middleware.HeaderRequestID, middleware.HeaderCorrelationID,
		},
		MaxAge: 300,
	}))
	r.Use(middleware.Correlation)

	if routes.Health != nil {
		r.Get("/health", routes.Health)
	}
	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}
	if routes.Monitor != nil {
		r.With(middleware.Authenticate(opts.Authenticator, opts.Logger), requireAdmin).
			Method(http.MethodGet, "/monitor", routes.Monitor)
	}

	r.Route(BasePath, func(r chi.Router) {
		r.Use(middleware.Observe(opts.Observer))
		r.Use(middleware.Authenticate(opts.Authenticator, opts.Logger))

		if h := routes.Locations; h != nil {
			party := "/locations/{countryCode}/{partyID}"
			handle(r, party, endpoint{get: h.List})
			for _, p := range []string{party + "/{id}", party + "/{id}/{evseUID}", party + "/{id}/{evseUID}/{connectorID}"} {
				handle(r, p, endpoint{get: h.Get, put: h.Put, patch: h.Patch, del: h.Delete})
			}
		}
		if h := routes.Tariffs; h != nil {
			handle(r, "/tariffs/{countryCode}/{partyID}", endpoint{get: h.List})
			handle(r, "/tariffs/{countryCode}/{partyID}/{id}", endpoint{get: h.Get, put: h.Put, patch: h.Patch, del: h.Delete})
		}
		if h := routes.Sessions; h != nil {
			handle(r, "/sessions", endpoint{get: h.ListOwn})
			handle(r, "/sessions/{countryCode}/{partyID}", endpoint{get: h.List})
			handle(r, "/sessions/{countryCode}/{partyID}/{id}", endpoint{get: h.Get, put: h.Put, patch: h.Patch, del: h.Delete})
		}
		if h := routes.CDRs; h != nil {
			handle(r, "/cdrs", endpoint{get: h.ListOwn})
			handle(r, "/cdrs/{countryCode}/{partyID}", endpoint{get: h.List, post: h.Create})
			handle(r, "/cdrs/{countryCode}/{partyID}/{id}", endpoint{get: h.Get, del: h.Delete})
		}
		if h := routes.Tokens; h != nil {
			handle(r, "/tokens", endpoint{get: h.List})
			handle(r, "/tokens/{tokenUID}/authorize", endpoint{post: h.Authorize})
			handle(r, "/tokens/{countryCode}/{partyID}/{tokenUID}", endpoint{get: h.Get, put: h.Put, patch: h.Patch, del: h.Delete})
		}
		if h := routes.Commands; h != nil {
			// GET /commands/{commandID} shares its tree node with POST /commands/{commandType}.
			r.Get("/commands/{commandID}", h.Get)
			handle(r, "/commands/{commandType}", endpoint{post: h.Issue, also: []string{http.MethodGet}})
			handle(r, "/commands/{commandType}/{commandID}", endpoint{post: h.Result})
		}
	})
	return r
}

type endpoint struct {
	get, put, patch, post, del http.HandlerFunc
	// also lists methods registered on the same path outside this endpoint.
	also []string
}

// handle registers the methods of e on pattern plus an OPTIONS responder advertising them.
func handle(r chi.Router, pattern string, e endpoint) {
	allow := append([]string{http.MethodOptions}, e.also...)
	for _, m := range []struct {
		method string
		fn     http.HandlerFunc
	}{
		{http.MethodGet, e.get},
		{http.MethodPut, e.put},
		{http.MethodPatch, e.patch},
		{http.MethodPost, e.post},
		{http.MethodDelete, e.del},
	} {
		if m.fn == nil {
			continue
		}
		r.Method(m.method, pattern, m.fn)
		allow = append(allow, m.method)
	}

	header := strings.Join(allow, ", ")
	hasPatch := e.patch != nil
	r.Options(pattern, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", header)
		if hasPatch {
			w.Header().Set("Accept-Patch", mergepatch.ContentType)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := auth.CallerFromContext(r.Context())
		if err := auth.RequireAdmin(c); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
