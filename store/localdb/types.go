// Package localdb provides the durable local store for the offline cache
// using bbolt: cached entity collections with LRU and secondary indexes,
// versioned cache namespaces, the mutation queue and preferences.
package localdb

import (
	"encoding/json"
	"time"
)

// Default entity collections created on open.
const (
	CollectionCards    = "cards"
	CollectionDecks    = "decks"
	CollectionComments = "comments"
)

// CachedRecord is a cached entity (card, deck, comment).
type CachedRecord struct {
	ID           string
	Payload      []byte
	LastAccessed time.Time
	CachedAt     time.Time
	// UpdatedAt is the producer's modification time; zero when unknown.
	UpdatedAt time.Time
	// Digest is the canonical BLAKE3 digest of Payload.
	Digest string
}

// CacheEntry is a response payload stored in a cache namespace.
type CacheEntry struct {
	Namespace string
	Key       string
	Payload   []byte
	StoredAt  time.Time
	Digest    string
}

// PendingAction is a write made while offline, replayed in SequenceID order.
type PendingAction struct {
	SequenceID     uint64          `json:"sequence_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitzero"`
	LastError      string          `json:"last_error,omitempty"`
}

// Usage reports storage consumption against the available quota.
type Usage struct {
	UsedBytes  int64   `json:"used_bytes"`
	QuotaBytes int64   `json:"quota_bytes"`
	Percent    float64 `json:"percent"`
}

// Stats summarises store contents for observability.
type Stats struct {
	Collections      map[string]int `json:"collections"`
	Namespaces       map[string]int `json:"namespaces"`
	PendingMutations int            `json:"pending_mutations"`
	Preferences      int            `json:"preferences"`
}

// CollectionSpec declares an entity collection and the top-level JSON fields
// of its payloads that are indexed for GetByIndex.
type CollectionSpec struct {
	Name    string
	Indexes []string
}

// DefaultCollections returns the collections created on every open.
func DefaultCollections() []CollectionSpec {
	return []CollectionSpec{
		{Name: CollectionCards},
		{Name: CollectionDecks},
		{Name: CollectionComments, Indexes: []string{"card_id"}},
	}
}
