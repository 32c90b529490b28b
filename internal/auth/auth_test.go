package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "acct-payer-1", "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Check raw key format
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}

	// Check key metadata
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.Party != "acct-payer-1" {
		t.Errorf("Expected party to match, got %s", key.Party)
	}
	if key.Name != "Test key" {
		t.Errorf("Expected name 'Test key', got %s", key.Name)
	}
}

func TestValidateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "acct-payer-1", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Validate with correct key
	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.Party != "acct-payer-1" {
		t.Errorf("Expected party acct-payer-1, got %s", key.Party)
	}

	// Validate with Bearer prefix
	if _, err = mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	// Validate with wrong key
	_, err = mgr.ValidateKey(ctx, "sk_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	// Validate with empty key
	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	// Validate with malformed key
	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestValidateKeyExpired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "acct-payer-1", "Expiring")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := store.Update(ctx, key); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for expired key, got: %v", err)
	}
}

func TestListKeys(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	mgr.GenerateKey(ctx, "acct-payer-1", "Key 1")
	mgr.GenerateKey(ctx, "acct-payer-1", "Key 2")
	mgr.GenerateKey(ctx, "acct-recipient-1", "Key 3")

	keys, err := mgr.ListKeys(ctx, "acct-payer-1")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys for acct-payer-1, got %d", len(keys))
	}

	keys, err = mgr.ListKeys(ctx, "acct-recipient-1")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("Expected 1 key for acct-recipient-1, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "acct-payer-1", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if err := mgr.RevokeKey(ctx, key.ID, "acct-payer-1"); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revocation, got: %v", err)
	}
}

func TestRevokeKeyWrongParty(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	_, key, err := mgr.GenerateKey(ctx, "acct-payer-1", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// A different party cannot revoke someone else's key
	if err := mgr.RevokeKey(ctx, key.ID, "acct-recipient-1"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound for wrong party, got: %v", err)
	}
}
