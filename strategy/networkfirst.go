package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// NetworkFirst always tries the network. On failure it serves an entry
// younger than TTL, and otherwise a structured unavailable payload; an
// expired payload is never returned.
type NetworkFirst struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func (s *NetworkFirst) Name() string { return "network_first" }

func (s *NetworkFirst) Resolve(ctx context.Context, req Request, entry *Entry, fetch FetchFunc) Outcome {
	logger := loggerOrDefault(s.Logger)

	resp, err := fetch(ctx, req)
	if fetchOK(resp, err) {
		record(ctx, logger, s.Name(), req, telemetry.CacheMiss, nil)
		return Outcome{Response: fromNetwork(resp), Store: storable(resp)}
	}
	cause := fetchError(resp, err)

	switch {
	case entry == nil:
		record(ctx, logger, s.Name(), req, telemetry.CacheUnavailable, cause)
		return Outcome{
			Response: UnavailableResponse(req.Key, ReasonNotCached, time.Time{}),
			Err:      offlinecache.ErrNotFound,
		}
	case age(s.Now, entry) < ttlOrDefault(s.TTL, DefaultNetworkFirstTTL):
		record(ctx, logger, s.Name(), req, telemetry.CacheHit, cause)
		return Outcome{Response: fromEntry(entry, SourceCache)}
	default:
		record(ctx, logger, s.Name(), req, telemetry.CacheUnavailable, cause)
		return Outcome{
			Response: UnavailableResponse(req.Key, ReasonExpired, entry.StoredAt),
			Err:      offlinecache.ErrExpired,
		}
	}
}

// fetchError describes why a fetch was not usable.
func fetchError(resp *Response, err error) error {
	switch {
	case err != nil:
		return err
	case resp == nil:
		return offlinecache.ErrNetworkUnavailable
	default:
		return fmt.Errorf("%w: origin returned %d", offlinecache.ErrNetworkUnavailable, resp.Status)
	}
}
