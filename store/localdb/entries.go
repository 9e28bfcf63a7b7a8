package localdb

import (
	"context"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// PutEntry stores payload under key in namespace, creating the namespace
// when needed. Existing entries are overwritten.
func (d *DB) PutEntry(ctx context.Context, namespace, key string, payload []byte) error {
	if namespace == "" {
		return errors.New("localdb: namespace is required")
	}
	return d.update(ctx, "put_entry", func(tx *bbolt.Tx) error {
		ns, err := tx.Bucket(bucketCache).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("creating namespace %s: %w", namespace, err)
		}

		env, err := d.codec.seal(payload)
		if err != nil {
			return fmt.Errorf("encoding entry %s: %w", key, err)
		}
		env.storedAt = d.now()
		return ns.Put([]byte(key), env.marshal())
	})
}

// GetEntry retrieves a cache entry. Missing namespaces and keys both return
// ErrNotFound.
func (d *DB) GetEntry(ctx context.Context, namespace, key string) (*CacheEntry, error) {
	var entry *CacheEntry
	err := d.view(ctx, "get_entry", func(tx *bbolt.Tx) error {
		ns := tx.Bucket(bucketCache).Bucket([]byte(namespace))
		if ns == nil {
			return ErrNotFound
		}
		val := ns.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}

		env, err := unmarshalEnvelope(val)
		if err != nil {
			return fmt.Errorf("decoding entry %s: %w", key, err)
		}
		payload, err := d.codec.open(env)
		if err != nil {
			return fmt.Errorf("opening entry %s: %w", key, err)
		}
		entry = &CacheEntry{
			Namespace: namespace,
			Key:       key,
			Payload:   payload,
			StoredAt:  env.storedAt,
			Digest:    env.digest,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteEntry removes one entry. Missing entries are a no-op.
func (d *DB) DeleteEntry(ctx context.Context, namespace, key string) error {
	return d.update(ctx, "delete_entry", func(tx *bbolt.Tx) error {
		ns := tx.Bucket(bucketCache).Bucket([]byte(namespace))
		if ns == nil {
			return nil
		}
		return ns.Delete([]byte(key))
	})
}

// CreateNamespace creates an empty namespace if it does not exist.
func (d *DB) CreateNamespace(ctx context.Context, namespace string) error {
	if namespace == "" {
		return errors.New("localdb: namespace is required")
	}
	return d.update(ctx, "create_namespace", func(tx *bbolt.Tx) error {
		_, err := tx.Bucket(bucketCache).CreateBucketIfNotExists([]byte(namespace))
		return err
	})
}

// ListNamespaces returns every cache namespace in name order.
func (d *DB) ListNamespaces(ctx context.Context) ([]string, error) {
	var names []string
	err := d.view(ctx, "list_namespaces", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCache).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// DeleteNamespace drops a namespace and all of its entries. Missing
// namespaces are a no-op.
func (d *DB) DeleteNamespace(ctx context.Context, namespace string) error {
	return d.update(ctx, "delete_namespace", func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketCache).DeleteBucket([]byte(namespace))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// ClearNamespace removes every entry of a namespace but keeps it.
func (d *DB) ClearNamespace(ctx context.Context, namespace string) error {
	return d.update(ctx, "clear_namespace", func(tx *bbolt.Tx) error {
		cache := tx.Bucket(bucketCache)
		if cache.Bucket([]byte(namespace)) == nil {
			return nil
		}
		if err := cache.DeleteBucket([]byte(namespace)); err != nil {
			return err
		}
		_, err := cache.CreateBucket([]byte(namespace))
		return err
	})
}

// CountEntries returns the number of entries in a namespace.
func (d *DB) CountEntries(ctx context.Context, namespace string) (int, error) {
	var n int
	err := d.view(ctx, "count_entries", func(tx *bbolt.Tx) error {
		ns := tx.Bucket(bucketCache).Bucket([]byte(namespace))
		if ns == nil {
			return nil
		}
		n = ns.Stats().KeyN
		return nil
	})
	return n, err
}
