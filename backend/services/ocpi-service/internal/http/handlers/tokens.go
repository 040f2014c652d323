package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/apierror"
	"ocpihub/backend/services/ocpi-service/internal/auth"
	"ocpihub/backend/services/ocpi-service/internal/metrics"
	"ocpihub/backend/services/ocpi-service/internal/models"
	"ocpihub/backend/services/ocpi-service/internal/service"
)

// ParamTokenUID is the token uid path segment.
const ParamTokenUID = "tokenUID"

// TokensHandler serves token listing, administration and real-time authorization.
type TokensHandler struct {
	svc     *service.ResourceService
	engine  *service.AuthorizationEngine
	baseURL string
	logger  *zap.Logger
}

// NewTokensHandler returns handler.
func NewTokensHandler(svc *service.ResourceService, engine *service.AuthorizationEngine, baseURL string, logger *zap.Logger) *TokensHandler {
	return &TokensHandler{svc: svc, engine: engine, baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

func tokenType(r *http.Request) (models.TokenType, error) {
	t, err := models.ParseTokenType(r.URL.Query().Get("type"))
	if err != nil {
		return "", apierror.InvalidParameters("%v", err)
	}
	return t, nil
}

func (h *TokensHandler) key(r *http.Request) models.ResourceKey {
	return models.ResourceKey{
		CountryCode: chi.URLParam(r, ParamCountryCode),
		PartyID:     chi.URLParam(r, ParamPartyID),
		Kind:        models.KindToken,
		ID:          chi.URLParam(r, ParamTokenUID),
	}
}

// List serves GET /tokens.
func (h *TokensHandler) List(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAnyRole(callerFrom(r), models.RoleCPO); err != nil {
		writeError(w, err)
		return
	}
	params, err := parseListParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.svc.List(r.Context(), params.filter(models.KindToken))
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, r, h.baseURL, params, page)
}

// Get serves GET /tokens/{cc}/{pid}/{uid}?type=.
func (h *TokensHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := h.key(r)
	if err := auth.RequireRole(callerFrom(r), models.RoleEMSP, key.CountryCode, key.PartyID); err != nil {
		writeError(w, err)
		return
	}
	tt, err := tokenType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.GetToken(r.Context(), key, tt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResource(w, r, http.StatusOK, res)
}

// Put serves PUT /tokens/{cc}/{pid}/{uid}?type=.
func (h *TokensHandler) Put(w http.ResponseWriter, r *http.Request) {
	key := h.key(r)
	if err := auth.RequireRole(callerFrom(r), models.RoleEMSP, key.CountryCode, key.PartyID); err != nil {
		writeError(w, err)
		return
	}
	tt, err := tokenType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	force, err := forceDowngrade(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.svc.PutToken(r.Context(), key, tt, body, force)
	if err != nil {
		writeError(w, err)
		return
	}
	status, outcome := http.StatusOK, "updated"
	if result.Created {
		status, outcome = http.StatusCreated, "created"
	}
	metrics.ResourceWritesTotal.WithLabelValues(string(models.KindToken), outcome).Inc()
	writeResource(w, r, status, result.Resource)
}

// Patch serves PATCH /tokens/{cc}/{pid}/{uid}?type=.
func (h *TokensHandler) Patch(w http.ResponseWriter, r *http.Request) {
	key := h.key(r)
	if err := auth.RequireRole(callerFrom(r), models.RoleEMSP, key.CountryCode, key.PartyID); err != nil {
		writeError(w, err)
		return
	}
	tt, err := tokenType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	force, err := forceDowngrade(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.PatchToken(r.Context(), key, tt, body, force)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ResourceWritesTotal.WithLabelValues(string(models.KindToken), "patched").Inc()
	writeResource(w, r, http.StatusOK, res)
}

// Delete serves DELETE /tokens/{cc}/{pid}/{uid}?type=.
func (h *TokensHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key := h.key(r)
	if err := auth.RequireRole(callerFrom(r), models.RoleEMSP, key.CountryCode, key.PartyID); err != nil {
		writeError(w, err)
		return
	}
	tt, err := tokenType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.DeleteToken(r.Context(), key, tt); err != nil {
		writeError(w, err)
		return
	}
	writeOCPI(w, http.StatusOK, nil)
}

// Authorize serves POST /tokens/{uid}/authorize?type=. The body is an optional LocationReference.
func (h *TokensHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	if err := auth.RequireAnyRole(caller, models.RoleCPO); err != nil {
		writeError(w, err)
		return
	}
	tt, err := tokenType(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var location *models.LocationReference
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, apierror.InvalidParameters("read body: %v", err))
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		var ref models.LocationReference
		if err := json.Unmarshal(body, &ref); err != nil {
			writeError(w, apierror.InvalidParameters("invalid location reference: %v", err))
			return
		}
		if ref.LocationID == "" {
			writeError(w, apierror.InvalidParameters("location_id is required"))
			return
		}
		location = &ref
	}

	info, err := h.engine.Authorize(r.Context(), service.AuthorizationRequest{
		TokenUID:    chi.URLParam(r, ParamTokenUID),
		TokenType:   tt,
		Location:    location,
		CallerRoles: caller.Roles,
		To:          routingParty(r, "to"),
		From:        routingParty(r, "from"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOCPI(w, http.StatusOK, info)
}
