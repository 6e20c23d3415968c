package trust

import (
	"crypto"
	"time"
)

// Key is one published signing key from the identity provider.
type Key struct {
	ID        string
	Algorithm string
	Public    crypto.PublicKey
}

// KeySet is an immutable snapshot of the identity provider's published
// signing keys. It is replaced wholesale on refresh and never mutated, so
// concurrent readers need no locking.
type KeySet struct {
	keys      map[string]Key
	fetchedAt time.Time
	ttl       time.Duration
}

// NewKeySet builds a snapshot from the given keys. A non-positive ttl means
// the set never goes stale on its own.
func NewKeySet(keys []Key, fetchedAt time.Time, ttl time.Duration) *KeySet {
	indexed := make(map[string]Key, len(keys))
	for _, k := range keys {
		if k.ID == "" {
			continue
		}
		indexed[k.ID] = k
	}
	return &KeySet{keys: indexed, fetchedAt: fetchedAt, ttl: ttl}
}

// Key returns the key with the given id.
func (s *KeySet) Key(kid string) (Key, bool) {
	if s == nil {
		return Key{}, false
	}
	key, ok := s.keys[kid]
	return key, ok
}

// Len reports how many keys the snapshot holds.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// FetchedAt reports when the snapshot was retrieved.
func (s *KeySet) FetchedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.fetchedAt
}

// Fresh reports whether the snapshot is still within its validity window.
func (s *KeySet) Fresh(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.ttl <= 0 {
		return true
	}
	return now.Sub(s.fetchedAt) < s.ttl
}

// WithinGrace reports whether a stale snapshot may still serve lookups
// while refresh is failing.
func (s *KeySet) WithinGrace(now time.Time, grace time.Duration) bool {
	if s == nil {
		return false
	}
	if s.ttl <= 0 {
		return true
	}
	return now.Sub(s.fetchedAt) < s.ttl+grace
}
