// -------------------------------------------------------------------------------
// Key Registry Tests
//
// Validates the not-initialized condition, salted hash lookups, expiry
// semantics, wholesale table replacement, and usage counting.
// -------------------------------------------------------------------------------

package keys

import (
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

const testSalt = "1e9c0b5a2f3d4c6e8a7b9d0f1a2b3c4d"

func digestFor(t *testing.T, apiKey string) string {
	t.Helper()
	salt, err := hex.DecodeString(testSalt)
	if err != nil {
		t.Fatalf("decoding test salt: %v", err)
	}
	digest, err := hashAPIKey(apiKey, salt)
	if err != nil {
		t.Fatalf("hashAPIKey: %v", err)
	}
	return digest
}

func TestGet_NotInitialized(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("whatever"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if r.Initialized() {
		t.Error("registry should not report initialized before first update")
	}
}

func TestGet_KnownKeyAndUsageCount(t *testing.T) {
	r := NewRegistry()
	expiresIn := int64(3600)
	err := r.Update(testSalt, map[string]KeyData{
		digestFor(t, "my-secret-key"): {KeyID: 7, APIKeyID: 42, Name: "CI", Scopes: []string{"read"}, ExpiresInSeconds: &expiresIn},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	key, err := r.Get("my-secret-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if key.KeyID != 7 || key.APIKeyID != 42 || key.Name != "CI" {
		t.Errorf("unexpected key info %+v", key)
	}
	if !key.HasScopes("read") || key.HasScopes("write") {
		t.Errorf("unexpected scopes %v", key.Scopes)
	}

	if _, err := r.Get("my-secret-key"); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	counts := r.GetAndResetUsageCounts()
	if counts[7] != 2 {
		t.Errorf("expected usage count 2 for key 7, got %d", counts[7])
	}
	if got := r.GetAndResetUsageCounts(); len(got) != 0 {
		t.Errorf("usage counts not drained, got %v", got)
	}
}

func TestGet_UnknownKey(t *testing.T) {
	r := NewRegistry()
	if err := r.Update(testSalt, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := r.Get("nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
	if got := r.GetAndResetUsageCounts(); len(got) != 0 {
		t.Errorf("unknown key counted as usage: %v", got)
	}
}

func TestGet_ExpiredKeyBehavesAsNotFound(t *testing.T) {
	now := time.Now()
	r := NewRegistry()
	r.now = func() time.Time { return now }

	zero := int64(0)
	positive := int64(60)
	err := r.Update(testSalt, map[string]KeyData{
		digestFor(t, "expired-key"): {KeyID: 1, ExpiresInSeconds: &zero},
		digestFor(t, "live-key"):    {KeyID: 2, ExpiresInSeconds: &positive},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Any time after registration, an expires_in of 0 is already expired.
	now = now.Add(time.Second)
	if _, err := r.Get("expired-key"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected expired key to be not found, got %v", err)
	}
	if _, err := r.Get("live-key"); err != nil {
		t.Errorf("live key should be returned, got %v", err)
	}

	counts := r.GetAndResetUsageCounts()
	if _, ok := counts[1]; ok {
		t.Error("expired key must not be usage-counted")
	}
	if counts[2] != 1 {
		t.Errorf("expected usage count 1 for live key, got %d", counts[2])
	}
}

func TestUpdate_ReplacesTableWholesale(t *testing.T) {
	r := NewRegistry()
	if err := r.Update(testSalt, map[string]KeyData{
		digestFor(t, "old-key"): {KeyID: 1},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.Update(testSalt, map[string]KeyData{
		digestFor(t, "new-key"): {KeyID: 2},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := r.Get("old-key"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("key removed on the server must be removed locally, got %v", err)
	}
	if _, err := r.Get("new-key"); err != nil {
		t.Errorf("new key should be present, got %v", err)
	}
}

func TestUpdate_RejectsInvalidSalt(t *testing.T) {
	r := NewRegistry()
	if err := r.Update("not-hex", nil); err == nil {
		t.Error("expected error for invalid salt")
	}
	if r.Initialized() {
		t.Error("failed update must not initialize the registry")
	}
}

func TestUpdate_RejectsEmptySalt(t *testing.T) {
	r := NewRegistry()
	if err := r.Update("", nil); err == nil {
		t.Error("expected error for empty salt")
	}
	if r.Initialized() {
		t.Error("empty-salt update must not initialize the registry")
	}

	// An empty-salt update must never wipe a previously received table.
	if err := r.Update(testSalt, map[string]KeyData{
		digestFor(t, "my-key"): {KeyID: 1},
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.Update("", nil); err == nil {
		t.Error("expected error for empty salt")
	}
	if _, err := r.Get("my-key"); err != nil {
		t.Errorf("existing table must survive an empty-salt update, got %v", err)
	}
}
