package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

var cpoNL = models.PartyRole{CountryCode: "NL", PartyID: "ABC", Role: models.RoleCPO}

func TestTokenServiceRoundTrip(t *testing.T) {
	svc := NewTokenService("s3cret", time.Minute)
	tok, err := svc.GenerateToken("cpo-nl", []models.PartyRole{cpoNL}, false)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "cpo-nl", claims.Subject)
	assert.Equal(t, []models.PartyRole{cpoNL}, claims.Roles)
	assert.False(t, claims.Admin)
}

func TestTokenServiceRejects(t *testing.T) {
	svc := NewTokenService("s3cret", time.Minute)
	tok, err := svc.GenerateToken("x", nil, true)
	require.NoError(t, err)

	_, err = NewTokenService("other", time.Minute).ValidateToken(tok)
	assert.Error(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.ValidateToken(tok)
	assert.Error(t, err, "expired")

	_, err = svc.GenerateToken("", nil, false)
	assert.Error(t, err)
}

func TestCredentialRegistryLookup(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)
	hash, err := hasher.Hash("cpo-token")
	require.NoError(t, err)
	reg := NewCredentialRegistry(hasher, []Credential{{Name: "cpo", TokenHash: hash, Roles: []models.PartyRole{cpoNL}}})

	c, ok := reg.Lookup("cpo-token")
	require.True(t, ok)
	assert.Equal(t, "cpo", c.Subject)

	c, ok = reg.Lookup(base64.StdEncoding.EncodeToString([]byte("cpo-token")))
	require.True(t, ok, "base64 form")
	assert.True(t, c.HasRole(models.RoleCPO, "NL", "ABC"))

	_, ok = reg.Lookup("wrong")
	assert.False(t, ok)

	c, ok = reg.Lookup("cpo-token")
	require.True(t, ok, "cached")
	assert.Equal(t, "cpo", c.Subject)
}

func TestAuthenticator(t *testing.T) {
	tokens := NewTokenService("s3cret", time.Minute)
	hasher := NewBcryptHasher(bcrypt.MinCost)
	hash, err := hasher.Hash("emsp-token")
	require.NoError(t, err)
	a := NewAuthenticator(tokens, NewCredentialRegistry(hasher, []Credential{{Name: "emsp", TokenHash: hash}}))

	jwtTok, err := tokens.GenerateToken("admin", nil, true)
	require.NoError(t, err)

	c, err := a.Authenticate("Bearer " + jwtTok)
	require.NoError(t, err)
	assert.True(t, c.Admin)

	c, err = a.Authenticate("Token emsp-token")
	require.NoError(t, err)
	assert.Equal(t, "emsp", c.Subject)

	_, err = a.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingCredentials)
	_, err = a.Authenticate("Bearer garbage")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Authenticate("Basic abc")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Authenticate("Token")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRequireRole(t *testing.T) {
	c := Caller{Subject: "cpo", Roles: []models.PartyRole{cpoNL}}

	assert.NoError(t, RequireRole(c, models.RoleCPO, "NL", "ABC"))
	assert.NoError(t, RequireAnyRole(c, models.RoleCPO))

	err := RequireRole(c, models.RoleCPO, "DE", "XYZ")
	var roleErr *RoleError
	require.True(t, errors.As(err, &roleErr))
	assert.Equal(t, "DE", roleErr.CountryCode)
	assert.Contains(t, err.Error(), "DE/XYZ")

	assert.Error(t, RequireAnyRole(c, models.RoleEMSP))
	assert.Error(t, RequireAdmin(c))
	assert.NoError(t, RequireRole(Caller{Admin: true}, models.RoleEMSP, "DE", "XYZ"))
}

func TestCallerContext(t *testing.T) {
	_, ok := CallerFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithCaller(context.Background(), Caller{Subject: "x"})
	c, ok := CallerFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "x", c.Subject)
}
