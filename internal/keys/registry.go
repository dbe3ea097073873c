// -------------------------------------------------------------------------------
// Key Registry - Salted-Hash API Key Verification
//
// Holds the API key table distributed by the hub, keyed by a salted scrypt
// digest so plaintext keys are never stored or transmitted by the client.
// Presented keys are hashed with the same parameters and looked up in O(1).
// The table is replaced wholesale on each update, and per-key usage counters
// are drained into the periodic sync payload.
// -------------------------------------------------------------------------------

package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"
)

// scrypt cost parameters, fixed so client digests match the hub's table.
const (
	scryptN      = 256
	scryptR      = 4
	scryptP      = 1
	scryptKeyLen = 32
)

var (
	// ErrNotInitialized is returned by Get before the first key table has
	// been received from the hub.
	ErrNotInitialized = errors.New("key registry not initialized")

	// ErrKeyNotFound is returned for unknown and expired API keys.
	ErrKeyNotFound = errors.New("api key not found")
)

// KeyInfo describes one API key as known to the client.
type KeyInfo struct {
	KeyID     int64
	APIKeyID  int64
	Name      string
	Scopes    []string
	ExpiresAt time.Time // zero means the key never expires
}

// Expired reports whether the key's expiry instant has passed.
func (k KeyInfo) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && k.ExpiresAt.Before(now)
}

// HasScopes reports whether the key carries all of the given scopes.
func (k KeyInfo) HasScopes(scopes ...string) bool {
	for _, want := range scopes {
		found := false
		for _, have := range k.Scopes {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// KeyData is the wire shape of one key table entry as sent by the hub.
// Expiry is relative at fetch time and converted to an absolute instant
// when the table is applied.
type KeyData struct {
	KeyID            int64    `json:"key_id"`
	APIKeyID         int64    `json:"api_key_id"`
	Name             string   `json:"name"`
	Scopes           []string `json:"scopes"`
	ExpiresInSeconds *int64   `json:"expires_in_seconds"`
}

// Registry verifies presented API keys against the hub-distributed table.
type Registry struct {
	mu    sync.Mutex
	salt  []byte
	keys  map[string]KeyInfo
	usage map[int64]int64

	// now is swapped in tests to control expiry evaluation.
	now func() time.Time
}

// NewRegistry creates an uninitialized registry. Lookups fail with
// ErrNotInitialized until the first Update.
func NewRegistry() *Registry {
	return &Registry{
		usage: make(map[int64]int64),
		now:   time.Now,
	}
}

// Initialized reports whether a key table has been received yet.
func (r *Registry) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.salt != nil
}

// Get verifies an API key and returns its metadata. Expired keys behave as
// unknown and do not count as usage.
func (r *Registry) Get(apiKey string) (KeyInfo, error) {
	r.mu.Lock()
	salt := r.salt
	r.mu.Unlock()
	if salt == nil {
		return KeyInfo{}, ErrNotInitialized
	}

	// The slow hash runs outside the lock; it dominates the lookup cost.
	digest, err := hashAPIKey(apiKey, salt)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("hashing api key: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[digest]
	if !ok || key.Expired(r.now()) {
		return KeyInfo{}, ErrKeyNotFound
	}
	r.usage[key.KeyID]++
	return key, nil
}

// Update replaces the whole key table atomically. Keys absent from the new
// table are dropped; readers never observe a partially applied table. An
// empty salt is rejected so a response without key material can never wipe
// a previously received table.
func (r *Registry) Update(saltHex string, table map[string]KeyData) error {
	if saltHex == "" {
		return errors.New("empty key salt")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return fmt.Errorf("decoding key salt: %w", err)
	}

	now := r.currentTime()
	keys := make(map[string]KeyInfo, len(table))
	for digest, data := range table {
		info := KeyInfo{
			KeyID:    data.KeyID,
			APIKeyID: data.APIKeyID,
			Name:     data.Name,
			Scopes:   data.Scopes,
		}
		if data.ExpiresInSeconds != nil {
			info.ExpiresAt = now.Add(time.Duration(*data.ExpiresInSeconds) * time.Second)
		}
		keys[digest] = info
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.salt = salt
	r.keys = keys
	return nil
}

// GetAndResetUsageCounts atomically drains the per-key usage counters.
func (r *Registry) GetAndResetUsageCounts() map[int64]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := r.usage
	r.usage = make(map[int64]int64)
	return counts
}

func (r *Registry) currentTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now()
}

func hashAPIKey(apiKey string, salt []byte) (string, error) {
	digest, err := scrypt.Key([]byte(apiKey), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}
