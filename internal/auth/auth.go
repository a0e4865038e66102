// Package auth provides API authentication for the trade service.
//
// Authentication model:
// - Every party (buyer, seller, inspector, warehouse operator) holds API keys
// - Keys carry the party's role; handlers gate operations on role + party
// - Keys are issued on party registration and shown once
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
	ErrUnknownRole   = errors.New("unknown role")
)

// Role names what a party is allowed to do in the workflow.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleSeller    Role = "seller"
	RoleInspector Role = "inspector"
	RoleWarehouse Role = "warehouse"
	RoleFinance   Role = "finance"
	RoleAdmin     Role = "admin"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleInspector, RoleWarehouse, RoleFinance, RoleAdmin:
		return true
	}
	return false
}

// APIKey represents an issued API key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`       // SHA256 hash of key (stored)
	PartyID   string     `json:"partyId"` // The party this key belongs to
	Role      Role       `json:"role"`
	Name      string     `json:"name"` // Friendly name
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByParty(ctx context.Context, partyID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a new API key for a party.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, partyID string, role Role, name string) (rawKey string, key *APIKey, err error) {
	if !ValidRole(role) {
		return "", nil, ErrUnknownRole
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		PartyID:   partyID,
		Role:      role,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	hash := hashKey(rawKey)
	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.Update(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns all keys for a party.
func (m *Manager) ListKeys(ctx context.Context, partyID string) ([]*APIKey, error) {
	return m.store.GetByParty(ctx, partyID)
}

// RevokeKey revokes an API key.
func (m *Manager) RevokeKey(ctx context.Context, keyID, partyID string) error {
	keys, err := m.store.GetByParty(ctx, partyID)
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

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByParty(ctx context.Context, partyID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.PartyID == partyID {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
