package auth

import (
	"context"
	"fmt"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

type contextKey string

const callerKey contextKey = "caller"

// Caller is the authenticated party behind a request.
type Caller struct {
	Subject string
	Roles   []models.PartyRole
	Admin   bool
}

// RolesOf returns the caller's roles of the given kind.
func (c Caller) RolesOf(role models.Role) []models.PartyRole {
	var out []models.PartyRole
	for _, r := range c.Roles {
		if r.Role == role {
			out = append(out, r)
		}
	}
	return out
}

// HasRole reports whether the caller holds role for the party.
func (c Caller) HasRole(role models.Role, countryCode, partyID string) bool {
	for _, r := range c.Roles {
		if r.Role == role && r.Matches(countryCode, partyID) {
			return true
		}
	}
	return false
}

// RoleError is returned when the caller lacks the role an operation needs.
type RoleError struct {
	Subject     string
	Role        models.Role
	CountryCode string
	PartyID     string
}

func (e *RoleError) Error() string {
	if e.CountryCode == "" {
		return fmt.Sprintf("caller %q requires role %s", e.Subject, e.Role)
	}
	return fmt.Sprintf("caller %q requires role %s for %s/%s", e.Subject, e.Role, e.CountryCode, e.PartyID)
}

// RequireRole checks that the caller holds role for the party. Admins pass every check.
func RequireRole(c Caller, role models.Role, countryCode, partyID string) error {
	if c.Admin || c.HasRole(role, countryCode, partyID) {
		return nil
	}
	return &RoleError{Subject: c.Subject, Role: role, CountryCode: countryCode, PartyID: partyID}
}

// RequireAnyRole checks that the caller holds role for at least one party.
func RequireAnyRole(c Caller, role models.Role) error {
	if c.Admin || len(c.RolesOf(role)) > 0 {
		return nil
	}
	return &RoleError{Subject: c.Subject, Role: role}
}

// RequireAdmin checks the administrative flag.
func RequireAdmin(c Caller) error {
	if c.Admin {
		return nil
	}
	return &RoleError{Subject: c.Subject, Role: "ADMIN"}
}

// WithCaller stores the caller in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext retrieves the caller from request context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}
