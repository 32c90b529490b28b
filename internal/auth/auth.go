// Package auth issues and checks the API keys that bind requests to
// escrow parties.
//
// Lookups and health stay public; every lifecycle mutation requires a
// key, and the party a key belongs to is the only identity the escrow
// service will act for. Raw keys are shown once at issuance and only
// their SHA-256 hash is stored.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
)

// APIKey is the stored record for one issued key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`     // SHA-256 of the raw key
	Party     string     `json:"party"` // Identity the key acts for
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByParty(ctx context.Context, party string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues, validates, and revokes keys.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey issues a key for a party. The raw key is returned exactly
// once; only its hash survives.
func (m *Manager) GenerateKey(ctx context.Context, party, name string) (rawKey string, key *APIKey, err error) {
	rawKey = "sk_" + idgen.Hex(32)

	key = &APIKey{
		ID:        idgen.WithPrefix("ak_"),
		Hash:      hashKey(rawKey),
		Party:     party,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a presented credential to its key record. The
// "Bearer " prefix is optional. Revoked and expired keys fail the same
// way unknown ones do; callers learn nothing about why.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	m.touch(key)
	return key, nil
}

// touch records usage without holding up the request.
func (m *Manager) touch(key *APIKey) {
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.Update(context.Background(), key)
	}()
}

// ListKeys returns all keys for a party
func (m *Manager) ListKeys(ctx context.Context, party string) ([]*APIKey, error) {
	return m.store.GetByParty(ctx, party)
}

// RevokeKey revokes one of the party's own keys. A key ID belonging to
// someone else reads as not found.
func (m *Manager) RevokeKey(ctx context.Context, keyID, party string) error {
	keys, err := m.store.GetByParty(ctx, party)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
