// Package auth implements caller identity: long-lived API keys hashed
// with argon2id, and ephemeral browser sessions established through a
// CSRF one-shot handshake. Raw key material and session tokens are
// never logged.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"github.com/epcalc/epcalc/store"
)

// ErrInvalidKey is the single failure returned for every way a key can
// fail validation. Callers must not learn whether the key was unknown,
// malformed, or revoked.
var ErrInvalidKey = errors.New("auth: invalid api key")

const (
	keyPrefix    = "epk"
	shortIDBytes = 4  // 8 hex chars
	secretBytes  = 32 // base64url encoded in the raw key
	saltBytes    = 16

	// argon2id parameters.
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32

	validationCacheTTL = time.Minute
)

// KeyInfo is the identity attached to a request after successful key
// validation.
type KeyInfo struct {
	ID      string
	Owner   string
	IsAdmin bool
}

type cachedValidation struct {
	info    KeyInfo
	expires time.Time
}

// KeyStore issues, validates, and revokes API keys against a
// persistence backend. Validation keeps a short-lived positive cache
// keyed by the SHA-256 of the raw key so the hot path avoids the
// memory-hard KDF; revocation invalidates cached entries immediately.
type KeyStore struct {
	backend store.Backend
	log     *logrus.Entry

	mu    sync.Mutex
	cache map[string]cachedValidation // sha256(raw) hex -> validation

	now func() time.Time
}

// NewKeyStore builds a key store over the given backend.
func NewKeyStore(backend store.Backend) *KeyStore {
	return &KeyStore{
		backend: backend,
		log:     logrus.WithField("component", "keystore"),
		cache:   make(map[string]cachedValidation),
		now:     time.Now,
	}
}

func hashSecret(raw string, salt []byte) []byte {
	return argon2.IDKey([]byte(raw), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return buf, nil
}

// Create issues a new key and returns the stored record plus the raw
// key. The raw key is shown exactly once; only its argon2id hash is
// retained.
func (s *KeyStore) Create(owner string, isAdmin bool) (*store.APIKey, string, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, "", errors.New("auth: owner must not be empty")
	}
	shortRaw, err := randomBytes(shortIDBytes)
	if err != nil {
		return nil, "", err
	}
	secret, err := randomBytes(secretBytes)
	if err != nil {
		return nil, "", err
	}
	salt, err := randomBytes(saltBytes)
	if err != nil {
		return nil, "", err
	}

	shortID := hex.EncodeToString(shortRaw)
	raw := fmt.Sprintf("%s_%s_%s", keyPrefix, shortID,
		base64.RawURLEncoding.EncodeToString(secret))

	key := &store.APIKey{
		ID:        uuid.NewString(),
		ShortID:   shortID,
		Owner:     owner,
		IsAdmin:   isAdmin,
		Salt:      salt,
		Hash:      hashSecret(raw, salt),
		CreatedAt: s.now().UTC(),
	}
	if err := s.backend.CreateKey(key); err != nil {
		return nil, "", fmt.Errorf("persist api key: %w", err)
	}
	s.log.WithFields(logrus.Fields{"key_id": key.ID, "owner": owner, "admin": isAdmin}).
		Info("api key issued")
	return key, raw, nil
}

// parseRaw splits a presented key into its short id without validating
// the secret. The format is epk_<shortID>_<secret>.
func parseRaw(raw string) (shortID string, ok bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix {
		return "", false
	}
	if len(parts[1]) != 2*shortIDBytes || parts[2] == "" {
		return "", false
	}
	return parts[1], true
}

// Validate checks a presented raw key and returns the caller identity.
// All failures collapse to ErrInvalidKey.
func (s *KeyStore) Validate(raw string) (KeyInfo, error) {
	shortID, ok := parseRaw(raw)
	if !ok {
		return KeyInfo{}, ErrInvalidKey
	}

	digest := sha256.Sum256([]byte(raw))
	cacheKey := hex.EncodeToString(digest[:])

	s.mu.Lock()
	if hit, ok := s.cache[cacheKey]; ok && s.now().Before(hit.expires) {
		s.mu.Unlock()
		s.touch(hit.info.ID)
		return hit.info, nil
	}
	s.mu.Unlock()

	key, err := s.backend.GetKeyByShortID(shortID)
	if err != nil {
		return KeyInfo{}, ErrInvalidKey
	}
	if key.Revoked() {
		return KeyInfo{}, ErrInvalidKey
	}
	want := hashSecret(raw, key.Salt)
	if subtle.ConstantTimeCompare(want, key.Hash) != 1 {
		return KeyInfo{}, ErrInvalidKey
	}

	info := KeyInfo{ID: key.ID, Owner: key.Owner, IsAdmin: key.IsAdmin}
	s.mu.Lock()
	s.cache[cacheKey] = cachedValidation{info: info, expires: s.now().Add(validationCacheTTL)}
	s.mu.Unlock()
	s.touch(info.ID)
	return info, nil
}

// touch records last use best-effort; a storage failure must not fail
// the request.
func (s *KeyStore) touch(id string) {
	if err := s.backend.TouchKey(id, s.now().UTC()); err != nil {
		s.log.WithError(err).WithField("key_id", id).Warn("recording key use failed")
	}
}

// Revoke marks the key revoked and drops any cached validations for
// it, so a revoked key never validates again.
func (s *KeyStore) Revoke(id string) error {
	if err := s.backend.RevokeKey(id, s.now().UTC()); err != nil {
		return err
	}
	s.mu.Lock()
	for k, v := range s.cache {
		if v.info.ID == id {
			delete(s.cache, k)
		}
	}
	s.mu.Unlock()
	s.log.WithField("key_id", id).Info("api key revoked")
	return nil
}

// List returns every stored key record.
func (s *KeyStore) List() ([]*store.APIKey, error) {
	return s.backend.ListKeys()
}
