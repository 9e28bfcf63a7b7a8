package localdb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// Entity collections - nested structure: entities -> collection -> id -> envelope
	bucketEntities = []byte("entities")

	// Secondary indexes - nested structure: indexes -> collection -> index -> [value][id] -> id
	bucketIndexes = []byte("indexes")

	// Cache namespaces - nested structure: cache -> namespace -> resource key -> envelope
	bucketCache = []byte("cache")

	// Mutation queue: 8-byte big-endian sequence -> PendingAction JSON
	bucketMutations = []byte("mutations")

	// Preferences: name -> raw value
	bucketPreferences = []byte("preferences")

	// Engine bookkeeping (active cache version and similar): name -> raw value
	bucketMeta = []byte("meta")
)

// Built-in index names maintained for every collection.
const (
	IndexLastAccessed = "last_accessed"
	IndexCachedAt     = "cached_at"
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// encodeSequence converts a mutation sequence number to its queue key.
func encodeSequence(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// makeTimeIndexKey creates a key for a time-ordered index.
// Format: [8-byte timestamp][id]
func makeTimeIndexKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	copy(key[:8], encodeTimestamp(t))
	copy(key[8:], id)
	return key
}

// makeValueIndexKey creates a key for a value index.
// Format: [value][separator][id]
func makeValueIndexKey(value, id string) []byte {
	key := make([]byte, len(value)+1+len(id))
	copy(key, value)
	key[len(value)] = 0 // null separator
	copy(key[len(value)+1:], id)
	return key
}

// valueIndexPrefix returns the scan prefix for all ids indexed under value.
func valueIndexPrefix(value string) []byte {
	return append([]byte(value), 0)
}
