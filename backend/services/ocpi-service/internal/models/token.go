package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TokenType is the OCPI token type.
type TokenType string

const (
	TokenTypeRFID      TokenType = "RFID"
	TokenTypeAppUser   TokenType = "APP_USER"
	TokenTypeAdHocUser TokenType = "AD_HOC_USER"
	TokenTypeOther     TokenType = "OTHER"

	DefaultTokenType = TokenTypeRFID
)

const (
	FieldTokenStatus    = "status"
	FieldTokenValid     = "valid"
	FieldTokenLanguage  = "language"
	FieldTokenWhitelist = "whitelist"
)

// ParseTokenType validates a token type, defaulting to RFID when empty.
func ParseTokenType(s string) (TokenType, error) {
	if s == "" {
		return DefaultTokenType, nil
	}
	switch t := TokenType(strings.ToUpper(s)); t {
	case TokenTypeRFID, TokenTypeAppUser, TokenTypeAdHocUser, TokenTypeOther:
		return t, nil
	}
	return "", fmt.Errorf("unknown token type %q", s)
}

// TokenState is the authorization relevant status of a token.
type TokenState string

const (
	TokenAllowed  TokenState = "ALLOWED"
	TokenBlocked  TokenState = "BLOCKED"
	TokenExpired  TokenState = "EXPIRED"
	TokenNoCredit TokenState = "NO_CREDIT"
	TokenUnknown  TokenState = "UNKNOWN"
)

// Token is the subset of the token object the hub interprets.
type Token struct {
	CountryCode string
	PartyID     string
	UID         string
	Type        TokenType
	Whitelist   string
	Language    string
	Raw         json.RawMessage
}

// TokenStatus is a token together with its derived state.
type TokenStatus struct {
	Token  Token
	Status TokenState
}

// TokenStatusFrom interprets a stored token resource. The explicit status field wins; otherwise
// valid=true maps to ALLOWED and valid=false to BLOCKED.
func TokenStatusFrom(res VersionedResource) (TokenStatus, error) {
	doc, err := res.Document()
	if err != nil {
		return TokenStatus{}, err
	}
	tokenType, err := ParseTokenType(doc.String(FieldType))
	if err != nil {
		return TokenStatus{}, err
	}
	tok := Token{
		CountryCode: res.Key.CountryCode,
		PartyID:     res.Key.PartyID,
		UID:         res.Key.ID,
		Type:        tokenType,
		Whitelist:   doc.String(FieldTokenWhitelist),
		Language:    doc.String(FieldTokenLanguage),
		Raw:         res.Payload,
	}

	status := TokenUnknown
	switch s := TokenState(strings.ToUpper(doc.String(FieldTokenStatus))); s {
	case TokenAllowed, TokenBlocked, TokenExpired, TokenNoCredit, TokenUnknown:
		status = s
	default:
		if valid, ok := doc[FieldTokenValid].(bool); ok {
			if valid {
				status = TokenAllowed
			} else {
				status = TokenBlocked
			}
		}
	}
	return TokenStatus{Token: tok, Status: status}, nil
}

// AllowedType is the authorization decision.
type AllowedType string

const (
	AllowedAllowed    AllowedType = "ALLOWED"
	AllowedBlocked    AllowedType = "BLOCKED"
	AllowedExpired    AllowedType = "EXPIRED"
	AllowedNoCredit   AllowedType = "NO_CREDIT"
	AllowedNotAllowed AllowedType = "NOT_ALLOWED"
)

// LocationReference narrows an authorization request to a location and optional EVSEs.
type LocationReference struct {
	LocationID string   `json:"location_id"`
	EVSEUIDs   []string `json:"evse_uids,omitempty"`
}

// AuthorizationInfo is the real-time authorization decision.
type AuthorizationInfo struct {
	Allowed                AllowedType        `json:"allowed"`
	Token                  json.RawMessage    `json:"token"`
	Location               *LocationReference `json:"location,omitempty"`
	AuthorizationReference string             `json:"authorization_reference,omitempty"`
	Info                   *DisplayText       `json:"info,omitempty"`
}
