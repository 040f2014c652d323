package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// Claims represents the access token payload.
type Claims struct {
	Roles []models.PartyRole `json:"roles,omitempty"`
	Admin bool               `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenService handles JWT creation and validation.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
	now       func() time.Time
}

// NewTokenService returns configured token service.
func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return &TokenService{secret: []byte(secret), expiresIn: expiresIn, now: time.Now}
}

// GenerateToken issues JWT for the subject with the given party roles.
func (t *TokenService) GenerateToken(subject string, roles []models.PartyRole, admin bool) (string, error) {
	if subject == "" {
		return "", errors.New("token: subject is required")
	}
	if len(t.secret) == 0 {
		return "", errors.New("token: secret is not configured")
	}

	now := t.now().UTC()
	claims := Claims{
		Roles: roles,
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken verifies and decodes JWT.
func (t *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("token: invalid claims")
}
