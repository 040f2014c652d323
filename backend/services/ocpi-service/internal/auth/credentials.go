package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// Hasher defines credentials token hashing contract.
type Hasher interface {
	Hash(token string) (string, error)
	Compare(hash, token string) error
}

// BcryptHasher implements Hasher using bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a bcrypt-backed hasher.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash converts plain token into hash.
func (h *BcryptHasher) Hash(token string) (string, error) {
	if token == "" {
		return "", errors.New("credentials: empty token")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare checks if provided token matches stored hash.
func (h *BcryptHasher) Compare(hash, token string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
}

// Credential is a registered OCPI credentials token and the roles it grants.
type Credential struct {
	Name      string             `yaml:"name"`
	TokenHash string             `yaml:"tokenHash"`
	Roles     []models.PartyRole `yaml:"roles"`
	Admin     bool               `yaml:"admin"`
}

// CredentialRegistry resolves "Token <x>" credentials against bcrypt hashes.
type CredentialRegistry struct {
	hasher      Hasher
	credentials []Credential

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]int
}

// NewCredentialRegistry returns registry.
func NewCredentialRegistry(hasher Hasher, credentials []Credential) *CredentialRegistry {
	return &CredentialRegistry{
		hasher:      hasher,
		credentials: credentials,
		verified:    make(map[[sha256.Size]byte]int),
	}
}

// Lookup returns the caller a credentials token belongs to. OCPI 2.2 peers send the token
// base64 encoded, so the decoded form is tried when the raw one does not match.
func (r *CredentialRegistry) Lookup(token string) (Caller, bool) {
	if token == "" {
		return Caller{}, false
	}
	if c, ok := r.lookup(token); ok {
		return c, true
	}
	if decoded, err := base64.StdEncoding.DecodeString(token); err == nil && len(decoded) > 0 {
		return r.lookup(string(decoded))
	}
	return Caller{}, false
}

func (r *CredentialRegistry) lookup(token string) (Caller, bool) {
	digest := sha256.Sum256([]byte(token))

	r.mu.RLock()
	idx, ok := r.verified[digest]
	r.mu.RUnlock()
	if ok {
		return r.caller(idx), true
	}

	for i, cred := range r.credentials {
		if r.hasher.Compare(cred.TokenHash, token) == nil {
			r.mu.Lock()
			r.verified[digest] = i
			r.mu.Unlock()
			return r.caller(i), true
		}
	}
	return Caller{}, false
}

func (r *CredentialRegistry) caller(idx int) Caller {
	cred := r.credentials[idx]
	return Caller{Subject: cred.Name, Roles: cred.Roles, Admin: cred.Admin}
}
