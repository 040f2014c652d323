package auth

import (
	"errors"
	"strings"
)

var (
	// ErrMissingCredentials is returned when no Authorization header is present.
	ErrMissingCredentials = errors.New("missing authorization header")
	// ErrInvalidCredentials is returned when the header cannot be verified.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Authenticator accepts "Bearer <jwt>" access tokens and "Token <credentials>" OCPI tokens.
type Authenticator struct {
	tokens   *TokenService
	registry *CredentialRegistry
}

// NewAuthenticator returns authenticator. Either source may be nil.
func NewAuthenticator(tokens *TokenService, registry *CredentialRegistry) *Authenticator {
	return &Authenticator{tokens: tokens, registry: registry}
}

// Authenticate resolves the Authorization header value into a caller.
func (a *Authenticator) Authenticate(header string) (Caller, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Caller{}, ErrMissingCredentials
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return Caller{}, ErrInvalidCredentials
	}
	scheme, value := parts[0], strings.TrimSpace(parts[1])

	switch {
	case strings.EqualFold(scheme, "Bearer") && a.tokens != nil:
		claims, err := a.tokens.ValidateToken(value)
		if err != nil {
			return Caller{}, ErrInvalidCredentials
		}
		return Caller{Subject: claims.Subject, Roles: claims.Roles, Admin: claims.Admin}, nil
	case strings.EqualFold(scheme, "Token") && a.registry != nil:
		if c, ok := a.registry.Lookup(value); ok {
			return c, nil
		}
	}
	return Caller{}, ErrInvalidCredentials
}
