package strategy

import (
	"context"
	"log/slog"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// CacheFirst serves any cached entry unconditionally and only goes to the
// network on a miss.
type CacheFirst struct {
	// OfflinePage returns the precached offline page, or nil.
	OfflinePage func(ctx context.Context) []byte
	Logger      *slog.Logger
}

func (s *CacheFirst) Name() string { return "cache_first" }

func (s *CacheFirst) Resolve(ctx context.Context, req Request, entry *Entry, fetch FetchFunc) Outcome {
	logger := loggerOrDefault(s.Logger)

	if entry != nil {
		record(ctx, logger, s.Name(), req, telemetry.CacheHit, nil)
		return Outcome{Response: fromEntry(entry, SourceCache)}
	}

	resp, err := fetch(ctx, req)
	if fetchOK(resp, err) {
		record(ctx, logger, s.Name(), req, telemetry.CacheMiss, nil)
		return Outcome{Response: fromNetwork(resp), Store: storable(resp)}
	}

	var page []byte
	if req.Navigational && s.OfflinePage != nil {
		page = s.OfflinePage(ctx)
	}
	record(ctx, logger, s.Name(), req, telemetry.CacheOffline, fetchError(resp, err))
	return Outcome{
		Response: OfflineResponse(req, page),
		Err:      offlinecache.ErrNetworkUnavailable,
	}
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
