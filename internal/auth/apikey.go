// Package auth holds API key generation and the bcrypt-backed key set the
// HTTP API checks requests against.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of the random part of a key.
	APIKeyLength = 32
	// APIKeyPrefix starts every generated key.
	APIKeyPrefix = "sl"
	// BcryptCost is the cost used by HashAPIKey.
	BcryptCost = 12
	// bcrypt ignores input past 72 bytes.
	bcryptMaxInputLength = 72
)

// GenerateAPIKey returns a new random key of the form sl_<base32>.
func GenerateAPIKey() (string, error) {
	random := make([]byte, APIKeyLength)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	encoded := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(random))
	return APIKeyPrefix + "_" + encoded[:APIKeyLength], nil
}

// HashAPIKey returns the bcrypt hash to put into api.auth.key_hashes.
func HashAPIKey(apiKey string) (string, error) {
	return hashAPIKey(apiKey, BcryptCost)
}

func hashAPIKey(apiKey string, cost int) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(keyBytes(apiKey), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// ValidateAPIKey reports whether apiKey matches storedHash.
func ValidateAPIKey(apiKey, storedHash string) bool {
	if apiKey == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), keyBytes(apiKey)) == nil
}

// keyBytes pre-hashes long keys so bcrypt sees all of them.
func keyBytes(apiKey string) []byte {
	b := []byte(apiKey)
	if len(b) > bcryptMaxInputLength {
		sum := sha256.Sum256(b)
		return sum[:]
	}
	return b
}

// DisplayPrefix returns a form of the key safe to log.
func DisplayPrefix(apiKey string) string {
	prefix, random, ok := strings.Cut(apiKey, "_")
	if !ok || prefix != APIKeyPrefix || random == "" {
		return "invalid_key"
	}
	return fmt.Sprintf("%s_%s...", prefix, random[:min(8, len(random))])
}

// KeySet checks presented keys against configured bcrypt hashes. Keys that
// matched once are remembered by SHA-256 digest so bcrypt runs once per key.
type KeySet struct {
	hashes []string

	mu       sync.RWMutex
	accepted map[[sha256.Size]byte]struct{}
}

// NewKeySet validates every hash and returns the set.
func NewKeySet(hashes []string) (*KeySet, error) {
	for i, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api.auth.key_hashes[%d] is not a bcrypt hash: %w", i, err)
		}
	}
	return &KeySet{
		hashes:   append([]string(nil), hashes...),
		accepted: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// Len returns the number of configured hashes.
func (s *KeySet) Len() int {
	return len(s.hashes)
}

// Match reports whether apiKey matches any configured hash.
func (s *KeySet) Match(apiKey string) bool {
	if apiKey == "" {
		return false
	}
	digest := sha256.Sum256([]byte(apiKey))

	s.mu.RLock()
	_, ok := s.accepted[digest]
	s.mu.RUnlock()
	if ok {
		return true
	}

	for _, h := range s.hashes {
		if ValidateAPIKey(apiKey, h) {
			s.mu.Lock()
			s.accepted[digest] = struct{}{}
			s.mu.Unlock()
			return true
		}
	}
	return false
}
