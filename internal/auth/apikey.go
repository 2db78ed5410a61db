package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLen is how much of an API key is stored in clear for lookup.
const KeyPrefixLen = 12

type KeyRecord struct {
	KeyID     string
	KeyHash   string
	KeyPrefix string
	TenantID  string
	Role      Role
	Active    bool
	ExpiresAt *time.Time
}

func (r KeyRecord) usable(now time.Time) bool {
	return r.Active && (r.ExpiresAt == nil || r.ExpiresAt.After(now))
}

// KeyStore finds the active, unexpired keys sharing a prefix.
type KeyStore interface {
	Candidates(ctx context.Context, prefix string, now time.Time) ([]KeyRecord, error)
}

func KeyPrefix(key string) string {
	if len(key) <= KeyPrefixLen {
		return key
	}
	return key[:KeyPrefixLen]
}

// HashKey returns the bcrypt hash and lookup prefix to provision for key.
func HashKey(key string) (hash string, prefix string, err error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return string(b), KeyPrefix(key), nil
}

// GenerateKey returns a random API key with a readable "ssi_" lead.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ssi_" + hex.EncodeToString(buf), nil
}

func matchKey(candidates []KeyRecord, key string) (KeyRecord, bool) {
	for _, c := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(c.KeyHash), []byte(key)) == nil {
			return c, true
		}
	}
	return KeyRecord{}, false
}

// InMemoryKeyStore serves keys provisioned through configuration.
type InMemoryKeyStore struct {
	mu       sync.RWMutex
	byPrefix map[string][]KeyRecord
}

func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{byPrefix: make(map[string][]KeyRecord)}
}

func (s *InMemoryKeyStore) Add(rec KeyRecord) error {
	if rec.KeyPrefix == "" || rec.KeyHash == "" {
		return fmt.Errorf("api key %q needs a hash and a prefix", rec.KeyID)
	}
	if _, ok := ParseRole(string(rec.Role)); !ok {
		return fmt.Errorf("api key %q has unknown role %q", rec.KeyID, rec.Role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPrefix[rec.KeyPrefix] = append(s.byPrefix[rec.KeyPrefix], rec)
	return nil
}

func (s *InMemoryKeyStore) Candidates(_ context.Context, prefix string, now time.Time) ([]KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []KeyRecord
	for _, rec := range s.byPrefix[prefix] {
		if rec.usable(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}
