package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/apierror"
	"ocpihub/backend/services/ocpi-service/internal/metrics"
	"ocpihub/backend/services/ocpi-service/internal/models"
	"ocpihub/backend/services/ocpi-service/internal/repository"
)

var newAuthorizationReference = uuid.NewString

// Party identifies a party through the OCPI-to/OCPI-from routing headers.
type Party struct {
	CountryCode string
	PartyID     string
}

// AuthorizationRequest is one real-time authorization query.
type AuthorizationRequest struct {
	TokenUID    string
	TokenType   models.TokenType
	Location    *models.LocationReference
	CallerRoles []models.PartyRole
	To          *Party
	From        *Party
}

// Delegate decides authorizations elsewhere, e.g. at a clearing house. Returning a nil decision
// without error hands the request back to the local engine.
type Delegate interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (*models.AuthorizationInfo, error)
}

// AuthorizationEngine decides token authorizations from stored tokens and locations.
type AuthorizationEngine struct {
	store    repository.Store
	delegate Delegate
	logger   *zap.Logger
}

// NewAuthorizationEngine builds engine. delegate may be nil.
func NewAuthorizationEngine(store repository.Store, delegate Delegate, logger *zap.Logger) *AuthorizationEngine {
	return &AuthorizationEngine{store: store, delegate: delegate, logger: logger}
}

// Authorize returns a decision or an *apierror.Error describing why none could be made.
func (e *AuthorizationEngine) Authorize(ctx context.Context, req AuthorizationRequest) (models.AuthorizationInfo, error) {
	if e.delegate != nil {
		info, err := e.delegate.Authorize(ctx, req)
		if err != nil {
			return models.AuthorizationInfo{}, err
		}
		if info != nil {
			return *info, nil
		}
	}

	status, err := e.resolveToken(ctx, req)
	if err != nil {
		return models.AuthorizationInfo{}, err
	}

	info := models.AuthorizationInfo{
		Allowed:                allowedFor(status.Status),
		Token:                  status.Token.Raw,
		AuthorizationReference: newAuthorizationReference(),
	}
	text := infoText(status.Token.Language, info.Allowed)
	info.Info = &text

	if req.Location != nil {
		ref, err := e.narrowLocation(ctx, req)
		if err != nil {
			return models.AuthorizationInfo{}, err
		}
		info.Location = ref
	}

	metrics.AuthorizationsTotal.WithLabelValues(string(info.Allowed)).Inc()
	e.logger.Info("token authorized",
		zap.String("token_uid", status.Token.UID),
		zap.String("party", status.Token.CountryCode+"/"+status.Token.PartyID),
		zap.String("allowed", string(info.Allowed)),
	)
	return info, nil
}

func (e *AuthorizationEngine) resolveToken(ctx context.Context, req AuthorizationRequest) (models.TokenStatus, error) {
	var candidates []models.VersionedResource
	if req.To != nil {
		res, err := e.store.TryGet(ctx, models.ResourceKey{
			CountryCode: req.To.CountryCode,
			PartyID:     req.To.PartyID,
			Kind:        models.KindToken,
			ID:          req.TokenUID,
		})
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return models.TokenStatus{}, err
		default:
			candidates = append(candidates, res)
		}
	} else {
		page, err := e.store.List(ctx, repository.Filter{Kind: models.KindToken, ID: req.TokenUID})
		if err != nil {
			return models.TokenStatus{}, err
		}
		candidates = page.Items
	}

	var matches []models.TokenStatus
	for _, res := range candidates {
		status, err := models.TokenStatusFrom(res)
		if err != nil {
			e.logger.Warn("stored token unreadable", zap.String("key", res.Key.String()), zap.Error(err))
			continue
		}
		if status.Token.Type == req.TokenType {
			matches = append(matches, status)
		}
	}
	switch len(matches) {
	case 0:
		return models.TokenStatus{}, apierror.UnknownToken("unknown token %s", req.TokenUID)
	case 1:
		return matches[0], nil
	default:
		return models.TokenStatus{}, apierror.InvalidParameters(
			"token %s is ambiguous, send OCPI-to-country-code and OCPI-to-party-id", req.TokenUID)
	}
}

// narrowLocation resolves the location namespace and keeps only EVSEs that exist.
func (e *AuthorizationEngine) narrowLocation(ctx context.Context, req AuthorizationRequest) (*models.LocationReference, error) {
	scope, ok := locationScope(req)
	if !ok {
		return nil, apierror.InvalidParameters("could not determine location scope")
	}
	ref := req.Location
	res, err := e.store.TryGet(ctx, models.ResourceKey{
		CountryCode: scope.CountryCode,
		PartyID:     scope.PartyID,
		Kind:        models.KindLocation,
		ID:          ref.LocationID,
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apierror.UnknownLocation("location %s unknown", ref.LocationID)
	}
	if err != nil {
		return nil, err
	}
	if len(ref.EVSEUIDs) == 0 {
		return &models.LocationReference{LocationID: ref.LocationID}, nil
	}

	loc, err := res.Document()
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{})
	for _, evse := range loc.Objects(models.FieldEVSEs) {
		known[evse.String(models.FieldUID)] = struct{}{}
	}
	var kept, missing []string
	for _, uid := range ref.EVSEUIDs {
		if _, ok := known[uid]; ok {
			kept = append(kept, uid)
		} else {
			missing = append(missing, uid)
		}
	}
	if len(kept) == 0 {
		if len(missing) == 1 {
			return nil, apierror.InvalidParameters("EVSE %s unknown", missing[0])
		}
		return nil, apierror.InvalidParameters("EVSEs %s unknown", strings.Join(missing, ", "))
	}
	return &models.LocationReference{LocationID: ref.LocationID, EVSEUIDs: kept}, nil
}

// locationScope picks the caller's only CPO role, else the OCPI-from headers.
func locationScope(req AuthorizationRequest) (Party, bool) {
	var cpo []models.PartyRole
	for _, role := range req.CallerRoles {
		if role.Role == models.RoleCPO {
			cpo = append(cpo, role)
		}
	}
	if len(cpo) == 1 {
		return Party{CountryCode: cpo[0].CountryCode, PartyID: cpo[0].PartyID}, true
	}
	if req.From != nil && req.From.CountryCode != "" && req.From.PartyID != "" {
		return *req.From, true
	}
	return Party{}, false
}

func allowedFor(status models.TokenState) models.AllowedType {
	switch status {
	case models.TokenAllowed:
		return models.AllowedAllowed
	case models.TokenBlocked:
		return models.AllowedBlocked
	case models.TokenExpired:
		return models.AllowedExpired
	case models.TokenNoCredit:
		return models.AllowedNoCredit
	default:
		return models.AllowedNotAllowed
	}
}

const defaultLanguage = "en"

var infoMessages = map[string]map[models.AllowedType]string{
	"en": {
		models.AllowedAllowed:    "Charging authorized",
		models.AllowedBlocked:    "Token is blocked",
		models.AllowedExpired:    "Token has expired",
		models.AllowedNoCredit:   "Not enough credit",
		models.AllowedNotAllowed: "Token is not allowed to charge",
	},
	"de": {
		models.AllowedAllowed:    "Laden autorisiert",
		models.AllowedBlocked:    "Token ist gesperrt",
		models.AllowedExpired:    "Token ist abgelaufen",
		models.AllowedNoCredit:   "Nicht genügend Guthaben",
		models.AllowedNotAllowed: "Token ist nicht zum Laden berechtigt",
	},
}

// infoText picks the message in the token language, falling back to English.
func infoText(language string, allowed models.AllowedType) models.DisplayText {
	lang := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	messages, ok := infoMessages[lang]
	if !ok {
		lang, messages = defaultLanguage, infoMessages[defaultLanguage]
	}
	text, ok := messages[allowed]
	if !ok {
		text = "Authorization result: " + string(allowed)
	}
	return models.DisplayText{Language: lang, Text: text}
}
