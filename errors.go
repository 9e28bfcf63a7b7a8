package offlinecache

import "errors"

var (
	// ErrStoreUnavailable is returned when the local store could not be
	// opened, or has been closed. It is fatal to the whole engine.
	ErrStoreUnavailable = errors.New("offlinecache: store unavailable")

	// ErrNetworkUnavailable is returned by network clients when the origin
	// cannot be reached. Strategies turn it into a cached or synthesized
	// response.
	ErrNetworkUnavailable = errors.New("offlinecache: network unavailable")

	// ErrNotFound signals a cache miss. It is not a failure.
	ErrNotFound = errors.New("offlinecache: not found")

	// ErrExpired signals that cached data exists but is older than its TTL.
	ErrExpired = errors.New("offlinecache: expired")

	// ErrSyncFailed is recorded on the sync state machine when a replay
	// cycle fails. The mutation queue is left untouched.
	ErrSyncFailed = errors.New("offlinecache: sync failed")
)
