package strategy

import (
	"context"
	"log/slog"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// StaleWhileRevalidate serves entries younger than TTL immediately and asks
// for a background refresh. Older entries are refetched, falling back to the
// stale copy when the network fails.
type StaleWhileRevalidate struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func (s *StaleWhileRevalidate) Name() string { return "stale_while_revalidate" }

func (s *StaleWhileRevalidate) Resolve(ctx context.Context, req Request, entry *Entry, fetch FetchFunc) Outcome {
	logger := loggerOrDefault(s.Logger)

	if entry != nil && age(s.Now, entry) < ttlOrDefault(s.TTL, DefaultSWRTTL) {
		record(ctx, logger, s.Name(), req, telemetry.CacheHit, nil)
		return Outcome{Response: fromEntry(entry, SourceCache), Revalidate: true}
	}

	resp, err := fetch(ctx, req)
	if fetchOK(resp, err) {
		record(ctx, logger, s.Name(), req, telemetry.CacheMiss, nil)
		return Outcome{Response: fromNetwork(resp), Store: storable(resp)}
	}

	if entry != nil {
		// Freshness is advisory for this class.
		record(ctx, logger, s.Name(), req, telemetry.CacheStale, fetchError(resp, err))
		return Outcome{Response: fromEntry(entry, SourceStale)}
	}

	record(ctx, logger, s.Name(), req, telemetry.CacheUnavailable, fetchError(resp, err))
	return Outcome{
		Response: UnavailableResponse(req.Key, ReasonNotCached, time.Time{}),
		Err:      offlinecache.ErrNotFound,
	}
}

func age(now func() time.Time, entry *Entry) time.Duration {
	if now == nil {
		now = time.Now
	}
	return now().Sub(entry.StoredAt)
}

func ttlOrDefault(ttl, def time.Duration) time.Duration {
	if ttl <= 0 {
		return def
	}
	return ttl
}
