package models

import "time"

// StatusCode is the application level OCPI status carried in every response body.
type StatusCode int

const (
	StatusSuccess              StatusCode = 1000
	StatusClientError          StatusCode = 2000
	StatusInvalidParameters    StatusCode = 2001
	StatusNotEnoughInformation StatusCode = 2002
	StatusUnknownLocation      StatusCode = 2003
	StatusUnknownToken         StatusCode = 2004
	StatusServerError          StatusCode = 3000
	StatusUnableToUseClientAPI StatusCode = 3001
)

// Response is the OCPI response envelope.
type Response struct {
	Data          any        `json:"data,omitempty"`
	StatusCode    StatusCode `json:"status_code"`
	StatusMessage string     `json:"status_message,omitempty"`
	Timestamp     string     `json:"timestamp"`
}

// NewResponse builds an envelope stamped with the current time.
func NewResponse(code StatusCode, message string, data any) Response {
	return Response{
		Data:          data,
		StatusCode:    code,
		StatusMessage: message,
		Timestamp:     FormatTime(time.Now()),
	}
}

// Role is an OCPI party role.
type Role string

const (
	RoleCPO  Role = "CPO"
	RoleEMSP Role = "EMSP"
	RoleHUB  Role = "HUB"
)

// PartyRole binds a role to a party identity.
type PartyRole struct {
	CountryCode string `json:"country_code" yaml:"countryCode"`
	PartyID     string `json:"party_id" yaml:"partyId"`
	Role        Role   `json:"role" yaml:"role"`
}

// Matches reports whether the role belongs to the given party.
func (p PartyRole) Matches(countryCode, partyID string) bool {
	return p.CountryCode == countryCode && p.PartyID == partyID
}

// DisplayText is a localized message.
type DisplayText struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}
