package localdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/telemetry"
)

var (
	// ErrNotFound is returned when a record, entry or preference does not exist.
	ErrNotFound = offlinecache.ErrNotFound

	// ErrStoreUnavailable is returned when the database failed to open or is closed.
	ErrStoreUnavailable = offlinecache.ErrStoreUnavailable

	// ErrUnknownCollection is returned for collections that were never declared.
	ErrUnknownCollection = errors.New("localdb: unknown collection")

	// ErrUnknownIndex is returned by GetByIndex for undeclared indexes.
	ErrUnknownIndex = errors.New("localdb: unknown index")
)

// DB is the bbolt-backed local store.
type DB struct {
	mu          sync.RWMutex // guards db against Close
	db          *bbolt.DB
	path        string
	codec       *Codec
	collections map[string]CollectionSpec
	logger      *slog.Logger
	now         func() time.Time
	noSync      bool // disables fsync per transaction (for testing only)
	quota       int64
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// WithQuota fixes the quota reported by EstimateUsage. Without it the
// capacity of the filesystem holding the database is used.
func WithQuota(bytes int64) Option {
	return func(d *DB) {
		d.quota = bytes
	}
}

// WithCollection declares an additional entity collection.
func WithCollection(spec CollectionSpec) Option {
	return func(d *DB) {
		d.collections[spec.Name] = spec
	}
}

// New creates a new DB instance with options. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		collections: make(map[string]CollectionSpec),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, spec := range DefaultCollections() {
		d.collections[spec.Name] = spec
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path. Any failure is reported as
// ErrStoreUnavailable and must be treated as fatal by the caller.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("%w: opening database: %w", ErrStoreUnavailable, err)
	}

	if err := d.createBuckets(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: creating codec: %w", ErrStoreUnavailable, err)
	}

	d.mu.Lock()
	d.db = db
	d.path = path
	d.codec = codec
	d.mu.Unlock()

	d.logger.Debug("opened localdb", "path", path, "collections", len(d.collections), "noSync", d.noSync)
	return nil
}

func (d *DB) createBuckets(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketIndexes, bucketCache, bucketMutations, bucketPreferences, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		entities := tx.Bucket(bucketEntities)
		indexes := tx.Bucket(bucketIndexes)
		for name, spec := range d.collections {
			if _, err := entities.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating collection %s: %w", name, err)
			}
			idx, err := indexes.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return fmt.Errorf("creating index bucket %s: %w", name, err)
			}
			for _, index := range append([]string{IndexLastAccessed, IndexCachedAt}, spec.Indexes...) {
				if _, err := idx.CreateBucketIfNotExists([]byte(index)); err != nil {
					return fmt.Errorf("creating index %s/%s: %w", name, index, err)
				}
			}
		}
		return nil
	})
}

// Close closes the database and releases resources. Later calls on the DB
// return ErrStoreUnavailable.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.codec != nil {
		d.codec.Close()
		d.codec = nil
	}
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing localdb")
	err := d.db.Close()
	d.db = nil
	return err
}

// Collections returns the declared collection names in sorted order.
func (d *DB) Collections() []string {
	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// view runs fn in a read transaction, recording the operation.
func (d *DB) view(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	return d.run(ctx, op, false, fn)
}

// update runs fn in a read-write transaction, recording the operation.
func (d *DB) update(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	return d.run(ctx, op, true, fn)
}

func (d *DB) run(ctx context.Context, op string, writable bool, fn func(tx *bbolt.Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return ErrStoreUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	var err error
	if writable {
		err = d.db.Update(fn)
	} else {
		err = d.db.View(fn)
	}
	telemetry.RecordStoreOp(ctx, op, outcomeFromError(err), time.Since(start))
	return err
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (d *DB) collectionBuckets(tx *bbolt.Tx, collection string) (records, indexes *bbolt.Bucket, err error) {
	if _, ok := d.collections[collection]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	records = tx.Bucket(bucketEntities).Bucket([]byte(collection))
	indexes = tx.Bucket(bucketIndexes).Bucket([]byte(collection))
	if records == nil || indexes == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return records, indexes, nil
}

// Put upserts a record. Zero timestamps are stamped with the current time.
// Repeated puts of the same record are idempotent.
func (d *DB) Put(ctx context.Context, collection string, rec *CachedRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("localdb: record id is required")
	}

	now := d.now()
	if rec.CachedAt.IsZero() {
		rec.CachedAt = now
	}
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = now
	}

	return d.update(ctx, "put", func(tx *bbolt.Tx) error {
		return d.putRecordInTx(tx, collection, rec)
	})
}

// putRecordInTx writes rec and rewrites its index entries.
func (d *DB) putRecordInTx(tx *bbolt.Tx, collection string, rec *CachedRecord) error {
	records, indexes, err := d.collectionBuckets(tx, collection)
	if err != nil {
		return err
	}

	env, err := d.codec.seal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", collection, rec.ID, err)
	}
	env.storedAt = d.now()
	env.cachedAt = rec.CachedAt
	env.lastAccessed = rec.LastAccessed
	env.updatedAt = rec.UpdatedAt
	env.indexValues = extractIndexValues(d.collections[collection].Indexes, rec.Payload)
	rec.Digest = env.digest

	if err := d.removeIndexesInTx(records, indexes, rec.ID); err != nil {
		return err
	}
	if err := records.Put([]byte(rec.ID), env.marshal()); err != nil {
		return fmt.Errorf("putting record: %w", err)
	}
	return writeIndexes(indexes, rec.ID, env)
}

// removeIndexesInTx deletes every index entry that points at the stored
// version of id. Missing records are a no-op.
func (d *DB) removeIndexesInTx(records, indexes *bbolt.Bucket, id string) error {
	val := records.Get([]byte(id))
	if val == nil {
		return nil
	}
	old, err := unmarshalEnvelope(val)
	if err != nil {
		return fmt.Errorf("decoding stored record %s: %w", id, err)
	}

	if err := indexes.Bucket([]byte(IndexLastAccessed)).Delete(makeTimeIndexKey(old.lastAccessed, id)); err != nil {
		return fmt.Errorf("deleting last_accessed index: %w", err)
	}
	if err := indexes.Bucket([]byte(IndexCachedAt)).Delete(makeTimeIndexKey(old.cachedAt, id)); err != nil {
		return fmt.Errorf("deleting cached_at index: %w", err)
	}
	for _, iv := range old.indexValues {
		b := indexes.Bucket([]byte(iv.name))
		if b == nil {
			continue
		}
		if err := b.Delete(makeValueIndexKey(iv.value, id)); err != nil {
			return fmt.Errorf("deleting %s index: %w", iv.name, err)
		}
	}
	return nil
}

func writeIndexes(indexes *bbolt.Bucket, id string, env *envelope) error {
	if err := indexes.Bucket([]byte(IndexLastAccessed)).Put(makeTimeIndexKey(env.lastAccessed, id), []byte(id)); err != nil {
		return fmt.Errorf("putting last_accessed index: %w", err)
	}
	if err := indexes.Bucket([]byte(IndexCachedAt)).Put(makeTimeIndexKey(env.cachedAt, id), []byte(id)); err != nil {
		return fmt.Errorf("putting cached_at index: %w", err)
	}
	for _, iv := range env.indexValues {
		b := indexes.Bucket([]byte(iv.name))
		if b == nil {
			continue
		}
		if err := b.Put(makeValueIndexKey(iv.value, id), []byte(id)); err != nil {
			return fmt.Errorf("putting %s index: %w", iv.name, err)
		}
	}
	return nil
}

// extractIndexValues reads the named top-level fields from a JSON payload.
// Non-JSON payloads and missing fields produce no index values.
func extractIndexValues(names []string, payload []byte) []indexValue {
	if len(names) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}

	var values []indexValue
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(bytes.TrimSpace(raw))
		}
		values = append(values, indexValue{name: name, value: s})
	}
	return values
}

// Get retrieves a record by id. It does not update LastAccessed; see TouchOnRead.
func (d *DB) Get(ctx context.Context, collection, id string) (*CachedRecord, error) {
	var rec *CachedRecord
	err := d.view(ctx, "get", func(tx *bbolt.Tx) error {
		records, _, err := d.collectionBuckets(tx, collection)
		if err != nil {
			return err
		}
		rec, err = d.getRecordInTx(records, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *DB) getRecordInTx(records *bbolt.Bucket, id string) (*CachedRecord, error) {
	val := records.Get([]byte(id))
	if val == nil {
		return nil, ErrNotFound
	}
	return d.decodeRecord(id, val)
}

func (d *DB) decodeRecord(id string, val []byte) (*CachedRecord, error) {
	env, err := unmarshalEnvelope(val)
	if err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}
	payload, err := d.codec.open(env)
	if err != nil {
		return nil, fmt.Errorf("opening record %s: %w", id, err)
	}
	return &CachedRecord{
		ID:           id,
		Payload:      payload,
		LastAccessed: env.lastAccessed,
		CachedAt:     env.cachedAt,
		UpdatedAt:    env.updatedAt,
		Digest:       env.digest,
	}, nil
}

// GetAll returns records in id order. A limit of zero returns everything.
func (d *DB) GetAll(ctx context.Context, collection string, limit int) ([]*CachedRecord, error) {
	var out []*CachedRecord
	err := d.view(ctx, "get_all", func(tx *bbolt.Tx) error {
		records, _, err := d.collectionBuckets(tx, collection)
		if err != nil {
			return err
		}
		cursor := records.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			rec, err := d.decodeRecord(string(k), v)
			if err != nil {
				d.logger.Warn("skipping unreadable record", "collection", collection, "id", string(k), "error", err)
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// GetByIndex returns the records whose declared index field equals value.
func (d *DB) GetByIndex(ctx context.Context, collection, index, value string) ([]*CachedRecord, error) {
	if index == IndexLastAccessed || index == IndexCachedAt || !slices.Contains(d.collections[collection].Indexes, index) {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownIndex, collection, index)
	}

	var out []*CachedRecord
	err := d.view(ctx, "get_by_index", func(tx *bbolt.Tx) error {
		records, indexes, err := d.collectionBuckets(tx, collection)
		if err != nil {
			return err
		}
		prefix := valueIndexPrefix(value)
		cursor := indexes.Bucket([]byte(index)).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			rec, err := d.getRecordInTx(records, string(v))
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Delete removes a record and its index entries. Missing ids are a no-op.
func (d *DB) Delete(ctx context.Context, collection, id string) error {
	return d.update(ctx, "delete", func(tx *bbolt.Tx) error {
		return d.deleteRecordInTx(tx, collection, id)
	})
}

func (d *DB) deleteRecordInTx(tx *bbolt.Tx, collection, id string) error {
	records, indexes, err := d.collectionBuckets(tx, collection)
	if err != nil {
		return err
	}
	if err := d.removeIndexesInTx(records, indexes, id); err != nil {
		return err
	}
	return records.Delete([]byte(id))
}

// Clear removes every record of a collection.
func (d *DB) Clear(ctx context.Context, collection string) error {
	return d.update(ctx, "clear", func(tx *bbolt.Tx) error {
		if _, _, err := d.collectionBuckets(tx, collection); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntities).DeleteBucket([]byte(collection)); err != nil {
			return fmt.Errorf("deleting collection %s: %w", collection, err)
		}
		if err := tx.Bucket(bucketIndexes).DeleteBucket([]byte(collection)); err != nil {
			return fmt.Errorf("deleting indexes %s: %w", collection, err)
		}
		return d.recreateCollectionInTx(tx, collection)
	})
}

func (d *DB) recreateCollectionInTx(tx *bbolt.Tx, collection string) error {
	if _, err := tx.Bucket(bucketEntities).CreateBucket([]byte(collection)); err != nil {
		return fmt.Errorf("creating collection %s: %w", collection, err)
	}
	idx, err := tx.Bucket(bucketIndexes).CreateBucket([]byte(collection))
	if err != nil {
		return fmt.Errorf("creating index bucket %s: %w", collection, err)
	}
	for _, index := range append([]string{IndexLastAccessed, IndexCachedAt}, d.collections[collection].Indexes...) {
		if _, err := idx.CreateBucket([]byte(index)); err != nil {
			return fmt.Errorf("creating index %s/%s: %w", collection, index, err)
		}
	}
	return nil
}

// Count returns the number of records in a collection.
func (d *DB) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := d.view(ctx, "count", func(tx *bbolt.Tx) error {
		records, _, err := d.collectionBuckets(tx, collection)
		if err != nil {
			return err
		}
		n = records.Stats().KeyN
		return nil
	})
	return n, err
}
