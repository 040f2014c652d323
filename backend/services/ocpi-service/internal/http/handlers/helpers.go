package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ocpihub/backend/services/ocpi-service/internal/apierror"
	"ocpihub/backend/services/ocpi-service/internal/auth"
	"ocpihub/backend/services/ocpi-service/internal/commands"
	"ocpihub/backend/services/ocpi-service/internal/mergepatch"
	"ocpihub/backend/services/ocpi-service/internal/models"
	"ocpihub/backend/services/ocpi-service/internal/repository"
	"ocpihub/backend/services/ocpi-service/internal/service"
)

const (
	maxBodySize  = 1 << 20
	defaultLimit = 100
	maxLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOCPI(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, models.NewResponse(models.StatusSuccess, "", data))
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	writeJSON(w, apiErr.HTTPStatus, models.NewResponse(apiErr.Code, apiErr.Message, nil))
}

// toAPIError maps typed domain errors onto the OCPI error taxonomy.
func toAPIError(err error) *apierror.Error {
	var (
		apiErr       *apierror.Error
		roleErr      *auth.RoleError
		downgradeErr *repository.DowngradeError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &roleErr):
		return apierror.Forbidden(roleErr.Error())
	case errors.As(err, &downgradeErr):
		return apierror.Conflict("%s", downgradeErr.Error())
	case errors.Is(err, mergepatch.ErrInvalidPatch),
		errors.Is(err, models.ErrInvalidDocument),
		errors.Is(err, repository.ErrAlreadyExists):
		return apierror.InvalidParameters("%s", err.Error())
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, commands.ErrNotFound):
		return apierror.NotFound("%s", err.Error())
	}
	return apierror.From(err)
}

// writeResource renders a single resource with its validators. GETs honour If-None-Match.
func writeResource(w http.ResponseWriter, r *http.Request, status int, res models.VersionedResource) {
	etag := strconv.Quote(res.ETag)
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", res.LastUpdated.UTC().Format(http.TimeFormat))
	if r.Method == http.MethodGet && noneMatch(r.Header.Values("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeOCPI(w, status, json.RawMessage(res.Payload))
}

// noneMatch reports whether an If-None-Match header matches etag. Comparison is weak, so a
// W/ prefix is ignored; "*" matches any existing resource.
func noneMatch(values []string, etag string) bool {
	for _, v := range values {
		for _, candidate := range strings.Split(v, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
				return true
			}
		}
	}
	return false
}

type listParams struct {
	offset   int
	limit    int
	dateFrom time.Time
	dateTo   time.Time
}

func parseListParams(r *http.Request) (listParams, error) {
	q := r.URL.Query()
	p := listParams{limit: defaultLimit}

	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, apierror.InvalidParameters("invalid offset %q", v)
		}
		p.offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, apierror.InvalidParameters("invalid limit %q", v)
		}
		p.limit = n
	}
	if p.limit > maxLimit {
		p.limit = maxLimit
	}
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{{"date_from", &p.dateFrom}, {"date_to", &p.dateTo}} {
		if v := q.Get(f.name); v != "" {
			t, err := models.ParseTime(v)
			if err != nil {
				return p, apierror.InvalidParameters("invalid %s %q", f.name, v)
			}
			*f.dst = t
		}
	}
	return p, nil
}

func (p listParams) filter(kind models.ResourceKind) repository.Filter {
	return repository.Filter{
		Kind:     kind,
		DateFrom: p.dateFrom,
		DateTo:   p.dateTo,
		Offset:   p.offset,
		Limit:    p.limit,
	}
}

// writePage renders a listing with X-Total-Count, X-Limit and a rel="next" Link when more remain.
func writePage(w http.ResponseWriter, r *http.Request, baseURL string, p listParams, page repository.Page) {
	w.Header().Set("X-Total-Count", strconv.Itoa(page.Total))
	w.Header().Set("X-Limit", strconv.Itoa(p.limit))
	if next := p.offset + len(page.Items); len(page.Items) > 0 && next < page.Total {
		q := r.URL.Query()
		q.Set("offset", strconv.Itoa(next))
		q.Set("limit", strconv.Itoa(p.limit))
		w.Header().Set("Link", fmt.Sprintf("<%s?%s>; rel=\"next\"", requestURL(r, baseURL), q.Encode()))
	}

	items := make([]json.RawMessage, 0, len(page.Items))
	for _, res := range page.Items {
		items = append(items, json.RawMessage(res.Payload))
	}
	writeOCPI(w, http.StatusOK, items)
}

// requestURL is the absolute URL of the request path without its query.
func requestURL(r *http.Request, baseURL string) string {
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err == nil {
			return u.Scheme + "://" + u.Host + r.URL.Path
		}
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, apierror.InvalidParameters("read body: %v", err)
	}
	if len(body) == 0 {
		return nil, apierror.InvalidParameters("request body is required")
	}
	return body, nil
}

// forceDowngrade reads the forceDowngrade query flag; nil when absent.
func forceDowngrade(r *http.Request) (*bool, error) {
	v := r.URL.Query().Get("forceDowngrade")
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, apierror.InvalidParameters("invalid forceDowngrade %q", v)
	}
	return &b, nil
}

func callerFrom(r *http.Request) auth.Caller {
	c, _ := auth.CallerFromContext(r.Context())
	return c
}

// routingParty reads the OCPI-to-* or OCPI-from-* header pair.
func routingParty(r *http.Request, direction string) *service.Party {
	cc := r.Header.Get("OCPI-" + direction + "-country-code")
	pid := r.Header.Get("OCPI-" + direction + "-party-id")
	if cc == "" || pid == "" {
		return nil
	}
	return &service.Party{CountryCode: cc, PartyID: pid}
}

// scopeToCaller limits a listing to the caller's own CPO parties. Admins see everything.
func scopeToCaller(f repository.Filter, c auth.Caller) repository.Filter {
	if c.Admin {
		return f
	}
	roles := c.RolesOf(models.RoleCPO)
	if len(roles) == 1 {
		f.CountryCode, f.PartyID = roles[0].CountryCode, roles[0].PartyID
		return f
	}
	f.Predicate = func(res models.VersionedResource) bool {
		for _, role := range roles {
			if role.Matches(res.Key.CountryCode, res.Key.PartyID) {
				return true
			}
		}
		return false
	}
	return f
}
