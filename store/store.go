// Package store defines the persistence boundary for API keys and
// usage events, with a durable bbolt backend and an in-memory backend
// for tests. Browser sessions are deliberately not persisted; they are
// ephemeral state owned by the auth package.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned for lookups of absent records.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a unique constraint (key id or short
// id) would be violated.
var ErrDuplicate = errors.New("store: duplicate")

// APIKey is the stored form of an issued key. Only the salted hash of
// the secret is retained; the raw key exists solely at issuance.
type APIKey struct {
	ID         string     `json:"id"`
	ShortID    string     `json:"short_id"` // raw-key prefix used for lookup
	Owner      string     `json:"owner"`
	IsAdmin    bool       `json:"is_admin"`
	Salt       []byte     `json:"salt"`
	Hash       []byte     `json:"hash"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// UsageEvent is one append-only metering record.
type UsageEvent struct {
	ID       string    `json:"id"`
	KeyID    string    `json:"key_id"`
	Endpoint string    `json:"endpoint"`
	Cost     int64     `json:"cost"`
	Params   string    `json:"params"` // short human-readable summary
	At       time.Time `json:"at"`
}

// Backend is the persistence contract the identity store and usage
// meter are written against. Implementations serialise writes; all
// methods are safe for concurrent use.
type Backend interface {
	// Keys.
	CreateKey(key *APIKey) error
	GetKey(id string) (*APIKey, error)
	GetKeyByShortID(shortID string) (*APIKey, error)
	ListKeys() ([]*APIKey, error)
	RevokeKey(id string, at time.Time) error
	TouchKey(id string, at time.Time) error

	// Usage events.
	AppendUsage(ev *UsageEvent) error
	ListUsage(limit int) ([]*UsageEvent, error)
	PruneUsage(olderThan time.Time) (int, error)

	Ping() error
	Close() error
}
