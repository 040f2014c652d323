package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/apierror"
	"ocpihub/backend/services/ocpi-service/internal/archive"
	"ocpihub/backend/services/ocpi-service/internal/auth"
	"ocpihub/backend/services/ocpi-service/internal/metrics"
	"ocpihub/backend/services/ocpi-service/internal/models"
	"ocpihub/backend/services/ocpi-service/internal/repository"
	"ocpihub/backend/services/ocpi-service/internal/service"
)

// Path parameters shared by every party scoped route.
const (
	ParamCountryCode = "countryCode"
	ParamPartyID     = "partyID"
	ParamID          = "id"
	ParamEVSEUID     = "evseUID"
	ParamConnectorID = "connectorID"
)

// ResourceHandler serves one resource kind. Locations additionally resolve nested EVSEs and connectors.
type ResourceHandler struct {
	svc      *service.ResourceService
	kind     models.ResourceKind
	archiver archive.Archiver
	baseURL  string
	logger   *zap.Logger
}

// NewResourceHandler returns handler. archiver may be nil; it only runs for created CDRs.
func NewResourceHandler(svc *service.ResourceService, kind models.ResourceKind, archiver archive.Archiver, baseURL string, logger *zap.Logger) *ResourceHandler {
	if archiver == nil {
		archiver = archive.Noop{}
	}
	return &ResourceHandler{
		svc:      svc,
		kind:     kind,
		archiver: archiver,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}
}

func (h *ResourceHandler) key(r *http.Request) models.ResourceKey {
	key := models.ResourceKey{
		CountryCode: chi.URLParam(r, ParamCountryCode),
		PartyID:     chi.URLParam(r, ParamPartyID),
		Kind:        h.kind,
		ID:          chi.URLParam(r, ParamID),
		EVSEUID:     chi.URLParam(r, ParamEVSEUID),
		ConnectorID: chi.URLParam(r, ParamConnectorID),
	}
	if h.kind == models.KindLocation {
		switch {
		case key.ConnectorID != "":
			key.Kind = models.KindConnector
		case key.EVSEUID != "":
			key.Kind = models.KindEVSE
		}
	}
	return key
}

// List serves GET /{kind}/{cc}/{pid}.
func (h *ResourceHandler) List(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAnyRole(callerFrom(r), models.RoleCPO); err != nil {
		writeError(w, err)
		return
	}
	params, err := parseListParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter := params.filter(h.kind)
	filter.CountryCode = chi.URLParam(r, ParamCountryCode)
	filter.PartyID = chi.URLParam(r, ParamPartyID)

	page, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, r, h.baseURL, params, page)
}

// ListOwn serves the unscoped GET /{kind}, limited to the caller's parties.
func (h *ResourceHandler) ListOwn(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	if err := auth.RequireAnyRole(caller, models.RoleCPO); err != nil {
		writeError(w, err)
		return
	}
	params, err := parseListParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.svc.List(r.Context(), scopeToCaller(params.filter(h.kind), caller))
	if err != nil {
		writeError(w, err)
		return
	}
	writePage(w, r, h.baseURL, params, page)
}

// Get serves GET on a single resource.
func (h *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireAnyRole(callerFrom(r), models.RoleCPO); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Get(r.Context(), h.key(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeResource(w, r, http.StatusOK, res)
}

// Put serves PUT: 201 on create, 200 on replace.
func (h *ResourceHandler) Put(w http.ResponseWriter, r *http.Request) {
	key := h.key(r)
	if err := auth.RequireRole(callerFrom(r), models.RoleCPO, key.CountryCode, key.PartyID); err != nil {
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

	result, err := h.svc.Put(r.Context(), key, body, force)
	if err != nil {
		h.rejected(key, err)
		writeError(w, err)
		return
	}
	status, outcome := http.StatusOK, "updated"
	if result.Created {
		status, outcome = http.StatusCreated, "created"
	}
	metrics.ResourceWritesTotal.WithLabelValues(string(key.Kind), outcome).Inc()
	h.logger.Debug("resource stored",
		zap.String("key", key.String()),
		zap.Bool("created", result.Created),
		zap.String("etag", result.Resource.ETag),
	)
	writeResource(w, r, status, result.Resource)
}

// Patch serves PATCH with an RFC 7396 merge patch body.
func (h *ResourceHandler) Patch(w http.ResponseWriter, r *http.Request) {
	key := h.key(r)
	if err := auth.RequireRole(callerFrom(r), models.RoleCPO, key.CountryCode, key.PartyID); err != nil {
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

	res, err := h.svc.Patch(r.Context(), key, body, force)
	if err != nil {
		h.rejected(key, err)
		writeError(w, err)
		return
	}
	metrics.ResourceWritesTotal.WithLabelValues(string(key.Kind), "patched").Inc()
	writeResource(w, r, http.StatusOK, res)
}

// Delete removes the resource. Nested deletes only touch the containing location.
func (h *ResourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key := h.key(r)
	if err := auth.RequireRole(callerFrom(r), models.RoleCPO, key.CountryCode, key.PartyID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.Delete(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	metrics.ResourceWritesTotal.WithLabelValues(string(key.Kind), "deleted").Inc()
	writeOCPI(w, http.StatusOK, nil)
}

// Create serves POST /{kind}/{cc}/{pid}; the id comes from the body and may only be used once.
func (h *ResourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	cc, pid := chi.URLParam(r, ParamCountryCode), chi.URLParam(r, ParamPartyID)
	if err := auth.RequireRole(callerFrom(r), models.RoleCPO, cc, pid); err != nil {
		writeError(w, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := models.DecodeDocument(body)
	if err != nil {
		writeError(w, apierror.InvalidParameters("%v", err))
		return
	}
	key := models.ResourceKey{CountryCode: cc, PartyID: pid, Kind: h.kind, ID: doc.String(models.FieldID)}

	res, err := h.svc.Create(r.Context(), key, body)
	if err != nil {
		h.rejected(key, err)
		writeError(w, err)
		return
	}
	metrics.ResourceWritesTotal.WithLabelValues(string(key.Kind), "created").Inc()
	if err := h.archiver.Archive(r.Context(), res); err != nil {
		h.logger.Warn("cdr archive failed", zap.String("key", key.String()), zap.Error(err))
	}

	w.Header().Set("Location", requestURL(r, h.baseURL)+"/"+key.ID)
	writeResource(w, r, http.StatusCreated, res)
}

func (h *ResourceHandler) rejected(key models.ResourceKey, err error) {
	var downgrade *repository.DowngradeError
	if errors.As(err, &downgrade) {
		metrics.ResourceWritesTotal.WithLabelValues(string(key.Kind), "rejected").Inc()
		h.logger.Info("stale write rejected",
			zap.String("key", key.String()),
			zap.Time("stored", downgrade.Stored),
			zap.Time("incoming", downgrade.Incoming),
		)
	}
}
