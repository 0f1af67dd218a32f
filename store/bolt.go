package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketKeys     = []byte("keys")       // id -> APIKey JSON
	bucketKeyIndex = []byte("keys_short") // short id -> id
	bucketUsage    = []byte("usage")      // fixed-width unix-nano timestamp + id -> UsageEvent JSON
)

// BoltBackend stores keys and usage events in a single bbolt file.
// bbolt serialises writers internally, which satisfies the Backend
// concurrency contract without extra locking here.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the database file and ensures the
// buckets exist.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKeys, bucketKeyIndex, bucketUsage} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise bolt buckets: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) CreateKey(key *APIKey) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		index := tx.Bucket(bucketKeyIndex)
		if keys.Get([]byte(key.ID)) != nil || index.Get([]byte(key.ShortID)) != nil {
			return ErrDuplicate
		}
		raw, err := json.Marshal(key)
		if err != nil {
			return err
		}
		if err := keys.Put([]byte(key.ID), raw); err != nil {
			return err
		}
		return index.Put([]byte(key.ShortID), []byte(key.ID))
	})
}

func (b *BoltBackend) GetKey(id string) (*APIKey, error) {
	var key *APIKey
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKeys).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		key = new(APIKey)
		return json.Unmarshal(raw, key)
	})
	return key, err
}

func (b *BoltBackend) GetKeyByShortID(shortID string) (*APIKey, error) {
	var key *APIKey
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeyIndex).Get([]byte(shortID))
		if id == nil {
			return ErrNotFound
		}
		raw := tx.Bucket(bucketKeys).Get(id)
		if raw == nil {
			return ErrNotFound
		}
		key = new(APIKey)
		return json.Unmarshal(raw, key)
	})
	return key, err
}

func (b *BoltBackend) ListKeys() ([]*APIKey, error) {
	var keys []*APIKey
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(_, raw []byte) error {
			key := new(APIKey)
			if err := json.Unmarshal(raw, key); err != nil {
				return err
			}
			keys = append(keys, key)
			return nil
		})
	})
	return keys, err
}

func (b *BoltBackend) updateKey(id string, mutate func(*APIKey)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		raw := keys.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		key := new(APIKey)
		if err := json.Unmarshal(raw, key); err != nil {
			return err
		}
		mutate(key)
		out, err := json.Marshal(key)
		if err != nil {
			return err
		}
		return keys.Put([]byte(id), out)
	})
}

func (b *BoltBackend) RevokeKey(id string, at time.Time) error {
	return b.updateKey(id, func(k *APIKey) {
		if k.RevokedAt == nil {
			k.RevokedAt = &at
		}
	})
}

func (b *BoltBackend) TouchKey(id string, at time.Time) error {
	return b.updateKey(id, func(k *APIKey) { k.LastUsedAt = &at })
}

// usageKey orders events chronologically in the bucket: fixed-width
// nanosecond timestamp so lexicographic order is time order, with the
// id suffix disambiguating same-instant events.
func usageKey(ev *UsageEvent) []byte {
	return []byte(fmt.Sprintf("%020d/%s", ev.At.UnixNano(), ev.ID))
}

func (b *BoltBackend) AppendUsage(ev *UsageEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsage).Put(usageKey(ev), raw)
	})
}

// ListUsage returns up to limit events, most recent first.
func (b *BoltBackend) ListUsage(limit int) ([]*UsageEvent, error) {
	var events []*UsageEvent
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUsage).Cursor()
		for k, raw := c.Last(); k != nil && len(events) < limit; k, raw = c.Prev() {
			ev := new(UsageEvent)
			if err := json.Unmarshal(raw, ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

func (b *BoltBackend) PruneUsage(olderThan time.Time) (int, error) {
	cutoff := []byte(fmt.Sprintf("%020d", olderThan.UnixNano()))
	pruned := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUsage).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func (b *BoltBackend) Ping() error {
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketKeys) == nil {
			return fmt.Errorf("keys bucket missing")
		}
		return nil
	})
}

func (b *BoltBackend) Close() error { return b.db.Close() }
