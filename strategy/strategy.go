// Package strategy implements the per-class cache policies: cache-first,
// stale-while-revalidate with a TTL, and network-first with a TTL fallback.
//
// A strategy is a pure decision over the request, the cached entry (if any)
// and a fetch function. It never reads or writes the store; the caller
// applies Outcome.Store and Outcome.Revalidate.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// Default TTLs for the time-bounded strategies.
const (
	DefaultSWRTTL          = 30 * 24 * time.Hour
	DefaultNetworkFirstTTL = 7 * 24 * time.Hour
)

// Class is the declared resource class of a request.
type Class string

const (
	ClassBinary Class = "binary"
	ClassFont   Class = "font"
	ClassData   Class = "data"
	ClassOther  Class = "other"
)

// Classes lists every resource class.
func Classes() []Class {
	return []Class{ClassBinary, ClassFont, ClassData, ClassOther}
}

// ParseClass validates a class name.
func ParseClass(s string) (Class, error) {
	switch c := Class(s); c {
	case ClassBinary, ClassFont, ClassData, ClassOther:
		return c, nil
	default:
		return "", fmt.Errorf("unknown resource class %q", s)
	}
}

// Source records where a response came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceStale       Source = "stale"
	SourcePlaceholder Source = "placeholder"
	SourceUnavailable Source = "unavailable"
)

// Request identifies a resource request.
type Request struct {
	// Key is the cache key, normally the request path.
	Key   string
	Class Class
	// Navigational marks top-level document loads, which get an HTML
	// placeholder when offline.
	Navigational bool
}

// Response is the result handed back to the caller.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	StoredAt time.Time
}

// Entry is a cached payload as loaded by the caller.
type Entry struct {
	Body     []byte
	StoredAt time.Time
}

// FetchFunc performs the network request for req.
type FetchFunc func(ctx context.Context, req Request) (*Response, error)

// Outcome is a strategy decision.
type Outcome struct {
	Response *Response
	// Store asks the caller to persist Response.Body under the request key.
	Store bool
	// Revalidate asks the caller to refresh the entry in the background.
	Revalidate bool
	// Err is set when no fresh data could be produced: ErrNetworkUnavailable,
	// ErrExpired or ErrNotFound from the root package.
	Err error
}

// Strategy resolves a request against an optional cached entry.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, req Request, entry *Entry, fetch FetchFunc) Outcome
}

// fetchOK reports whether a fetch produced a usable response. Server errors
// count as failures so that cached data can be used instead.
func fetchOK(resp *Response, err error) bool {
	return err == nil && resp != nil && resp.Status < http.StatusInternalServerError
}

// storable reports whether a network response should be cached.
func storable(resp *Response) bool {
	return resp.Status >= http.StatusOK && resp.Status < http.StatusMultipleChoices
}

func fromEntry(entry *Entry, source Source) *Response {
	return &Response{
		Status:   http.StatusOK,
		Header:   http.Header{},
		Body:     entry.Body,
		Source:   source,
		StoredAt: entry.StoredAt,
	}
}

func fromNetwork(resp *Response) *Response {
	resp.Source = SourceNetwork
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	return resp
}

func record(ctx context.Context, logger *slog.Logger, name string, req Request, result telemetry.CacheResult, err error) {
	telemetry.RecordStrategyResult(ctx, name, result)
	telemetry.SetCacheResultContext(ctx, result)
	if err != nil {
		logger.Debug("strategy fell back", "strategy", name, "key", req.Key, "result", result, "error", err)
		return
	}
	logger.Debug("strategy resolved", "strategy", name, "key", req.Key, "result", result)
}
