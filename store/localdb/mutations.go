package localdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// EnqueueMutation appends action to the mutation queue. SequenceID is
// assigned from a monotonic counter that survives ClearMutationQueue,
// Attempts is reset and an IdempotencyKey is generated when absent.
func (d *DB) EnqueueMutation(ctx context.Context, action PendingAction) (PendingAction, error) {
	if action.Type == "" {
		return PendingAction{}, errors.New("localdb: mutation type is required")
	}

	err := d.update(ctx, "enqueue_mutation", func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}

		action.SequenceID = seq
		action.Attempts = 0
		action.LastAttemptAt = time.Time{}
		action.LastError = ""
		if action.CreatedAt.IsZero() {
			action.CreatedAt = d.now()
		}
		if action.IdempotencyKey == "" {
			action.IdempotencyKey = uuid.NewString()
		}

		data, err := json.Marshal(&action)
		if err != nil {
			return fmt.Errorf("marshaling mutation: %w", err)
		}
		return bucket.Put(encodeSequence(seq), data)
	})
	if err != nil {
		return PendingAction{}, err
	}

	d.logger.Debug("enqueued mutation", "sequence_id", action.SequenceID, "type", action.Type)
	return action, nil
}

// ListPendingMutations returns the queue in SequenceID order.
func (d *DB) ListPendingMutations(ctx context.Context) ([]PendingAction, error) {
	var actions []PendingAction
	err := d.view(ctx, "list_mutations", func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMutations).ForEach(func(k, v []byte) error {
			var action PendingAction
			if err := json.Unmarshal(v, &action); err != nil {
				return fmt.Errorf("unmarshaling mutation %d: %w", binary.BigEndian.Uint64(k), err)
			}
			actions = append(actions, action)
			return nil
		})
	})
	return actions, err
}

// CountPendingMutations returns the queue length.
func (d *DB) CountPendingMutations(ctx context.Context) (int, error) {
	var n int
	err := d.view(ctx, "count_mutations", func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketMutations).Stats().KeyN
		return nil
	})
	return n, err
}

// RecordMutationAttempt updates the bookkeeping fields of a queued action
// after a replay attempt. cause is nil for a successful attempt.
func (d *DB) RecordMutationAttempt(ctx context.Context, seq uint64, cause error) error {
	return d.update(ctx, "record_mutation_attempt", func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		key := encodeSequence(seq)

		val := bucket.Get(key)
		if val == nil {
			return ErrNotFound
		}

		var action PendingAction
		if err := json.Unmarshal(val, &action); err != nil {
			return fmt.Errorf("unmarshaling mutation %d: %w", seq, err)
		}

		action.Attempts++
		action.LastAttemptAt = d.now()
		action.LastError = ""
		if cause != nil {
			action.LastError = cause.Error()
		}

		data, err := json.Marshal(&action)
		if err != nil {
			return fmt.Errorf("marshaling mutation: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// ClearMutationQueue removes every queued action. The sequence counter is
// not reset.
func (d *DB) ClearMutationQueue(ctx context.Context) error {
	return d.update(ctx, "clear_mutations", func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		for k, _ := bucket.Cursor().First(); k != nil; k, _ = bucket.Cursor().First() {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("deleting mutation: %w", err)
			}
		}
		return nil
	})
}

// AckMutations removes every queued action with a SequenceID up to and
// including seq. Actions enqueued after a replay started are kept.
func (d *DB) AckMutations(ctx context.Context, seq uint64) (int, error) {
	var n int
	err := d.update(ctx, "ack_mutations", func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= seq; k, _ = c.First() {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("deleting mutation: %w", err)
			}
			n++
		}
		return nil
	})
	return n, err
}
