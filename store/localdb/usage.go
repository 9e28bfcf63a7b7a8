package localdb

import (
	"context"
	"fmt"
	"path/filepath"

	"go.etcd.io/bbolt"
)

// EstimateUsage reports the database size against the quota. The quota is
// the WithQuota value, or the capacity of the filesystem holding the
// database when none was configured.
func (d *DB) EstimateUsage(ctx context.Context) (*Usage, error) {
	var used int64
	err := d.view(ctx, "estimate_usage", func(tx *bbolt.Tx) error {
		used = tx.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}

	quota := d.quota
	if quota <= 0 {
		quota, err = filesystemCapacity(filepath.Dir(d.path))
		if err != nil {
			return nil, fmt.Errorf("reading filesystem capacity: %w", err)
		}
	}

	usage := &Usage{UsedBytes: used, QuotaBytes: quota}
	if quota > 0 {
		usage.Percent = float64(used) / float64(quota) * 100
	}
	return usage, nil
}

// Stats returns record counts per collection, entry counts per namespace,
// the mutation queue length and the number of preferences.
func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Collections: make(map[string]int),
		Namespaces:  make(map[string]int),
	}
	err := d.view(ctx, "stats", func(tx *bbolt.Tx) error {
		entities := tx.Bucket(bucketEntities)
		for name := range d.collections {
			if b := entities.Bucket([]byte(name)); b != nil {
				stats.Collections[name] = b.Stats().KeyN
			}
		}

		cache := tx.Bucket(bucketCache)
		if err := cache.ForEachBucket(func(k []byte) error {
			stats.Namespaces[string(k)] = cache.Bucket(k).Stats().KeyN
			return nil
		}); err != nil {
			return err
		}

		stats.PendingMutations = tx.Bucket(bucketMutations).Stats().KeyN
		stats.Preferences = tx.Bucket(bucketPreferences).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
