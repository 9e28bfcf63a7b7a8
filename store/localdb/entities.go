package localdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// CacheEntity upserts a record fetched from the network and stamps
// LastAccessed with the current time. An existing CachedAt is preserved.
//
// Conflicts are resolved last-write-wins on UpdatedAt: when the stored
// record carries a newer UpdatedAt than rec, its payload is kept and only
// LastAccessed is refreshed. The stored record is returned.
func (d *DB) CacheEntity(ctx context.Context, collection string, rec *CachedRecord) (*CachedRecord, error) {
	if rec == nil || rec.ID == "" {
		return nil, errors.New("localdb: record id is required")
	}

	var stored *CachedRecord
	err := d.update(ctx, "cache_entity", func(tx *bbolt.Tx) error {
		records, _, err := d.collectionBuckets(tx, collection)
		if err != nil {
			return err
		}

		now := d.now()
		next := &CachedRecord{
			ID:           rec.ID,
			Payload:      rec.Payload,
			LastAccessed: now,
			CachedAt:     now,
			UpdatedAt:    rec.UpdatedAt,
		}

		existing, err := d.getRecordInTx(records, rec.ID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			// Unreadable records are replaced rather than blocking the refresh.
			d.logger.Warn("replacing unreadable record", "collection", collection, "id", rec.ID, "error", err)
		default:
			next.CachedAt = existing.CachedAt
			if !existing.UpdatedAt.IsZero() && !rec.UpdatedAt.IsZero() && existing.UpdatedAt.After(rec.UpdatedAt) {
				d.logger.Debug("keeping newer cached record",
					"collection", collection,
					"id", rec.ID,
					"stored_updated_at", existing.UpdatedAt,
					"incoming_updated_at", rec.UpdatedAt)
				next.Payload = existing.Payload
				next.UpdatedAt = existing.UpdatedAt
			}
		}

		if err := d.putRecordInTx(tx, collection, next); err != nil {
			return err
		}
		stored = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// TouchOnRead refreshes LastAccessed for id without altering its payload,
// keeping hot records warm against eviction.
func (d *DB) TouchOnRead(ctx context.Context, collection, id string) error {
	return d.update(ctx, "touch", func(tx *bbolt.Tx) error {
		records, indexes, err := d.collectionBuckets(tx, collection)
		if err != nil {
			return err
		}

		val := records.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		env, err := unmarshalEnvelope(val)
		if err != nil {
			return fmt.Errorf("decoding record %s: %w", id, err)
		}

		accessIdx := indexes.Bucket([]byte(IndexLastAccessed))
		if err := accessIdx.Delete(makeTimeIndexKey(env.lastAccessed, id)); err != nil {
			return fmt.Errorf("deleting last_accessed index: %w", err)
		}

		env.lastAccessed = d.now()
		if err := records.Put([]byte(id), env.marshal()); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		return accessIdx.Put(makeTimeIndexKey(env.lastAccessed, id), []byte(id))
	})
}

// EvictLeastRecentlyUsed deletes all but the keepCount most recently accessed
// records of a collection and returns how many were deleted.
//
// The last_accessed index is walked newest-first only until keepCount
// survivors are counted; victims are then removed oldest-first, so the
// collection is never loaded into memory.
func (d *DB) EvictLeastRecentlyUsed(ctx context.Context, collection string, keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}

	var deleted int
	err := d.update(ctx, "evict_lru", func(tx *bbolt.Tx) error {
		_, indexes, err := d.collectionBuckets(tx, collection)
		if err != nil {
			return err
		}
		accessIdx := indexes.Bucket([]byte(IndexLastAccessed))

		// cutoff is the index key of the oldest survivor; nil evicts everything.
		var cutoff []byte
		if keepCount > 0 {
			cursor := accessIdx.Cursor()
			survivors := 0
			for k, _ := cursor.Last(); k != nil; k, _ = cursor.Prev() {
				survivors++
				if survivors == keepCount {
					cutoff = bytes.Clone(k)
					break
				}
			}
			if cutoff == nil {
				return nil // fewer records than keepCount
			}
		}

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Reposition after every delete; bbolt cursors are invalidated by writes.
			k, v := accessIdx.Cursor().First()
			if k == nil || (cutoff != nil && bytes.Compare(k, cutoff) >= 0) {
				return nil
			}
			key, id := bytes.Clone(k), string(v)
			if err := d.deleteRecordInTx(tx, collection, id); err != nil {
				return fmt.Errorf("evicting %s/%s: %w", collection, id, err)
			}
			// Drop a dangling index key whose record is already gone.
			if err := accessIdx.Delete(key); err != nil {
				return fmt.Errorf("deleting last_accessed index: %w", err)
			}
			deleted++
		}
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		d.logger.Info("evicted least recently used records",
			"collection", collection,
			"deleted", deleted,
			"keep", keepCount)
	}
	return deleted, nil
}
