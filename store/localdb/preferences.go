package localdb

import (
	"context"

	"go.etcd.io/bbolt"
)

// SetPreference stores a preference value. Preferences never expire.
func (d *DB) SetPreference(ctx context.Context, key string, value []byte) error {
	return d.update(ctx, "set_preference", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPreferences).Put([]byte(key), value)
	})
}

// GetPreference returns a copy of the stored value or ErrNotFound.
func (d *DB) GetPreference(ctx context.Context, key string) ([]byte, error) {
	return d.getRaw(ctx, "get_preference", bucketPreferences, key)
}

// DeletePreference removes a preference. Missing keys are a no-op.
func (d *DB) DeletePreference(ctx context.Context, key string) error {
	return d.update(ctx, "delete_preference", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPreferences).Delete([]byte(key))
	})
}

// PutMeta stores engine bookkeeping such as the active cache version.
func (d *DB) PutMeta(ctx context.Context, key string, value []byte) error {
	return d.update(ctx, "put_meta", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}

// GetMeta returns engine bookkeeping or ErrNotFound.
func (d *DB) GetMeta(ctx context.Context, key string) ([]byte, error) {
	return d.getRaw(ctx, "get_meta", bucketMeta, key)
}

func (d *DB) getRaw(ctx context.Context, op string, bucket []byte, key string) ([]byte, error) {
	var data []byte
	err := d.view(ctx, op, func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucket).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}
