package strategy

import (
	"encoding/json"
	"net/http"
	"time"
)

// Unavailable reasons.
const (
	ReasonExpired   = "expired"
	ReasonNotCached = "not_cached"
)

// Unavailable is the JSON body returned when neither the network nor a fresh
// cached copy can answer. Callers distinguish "no data" from "expired data"
// with Reason.
type Unavailable struct {
	Error    string    `json:"error"`
	Reason   string    `json:"reason"`
	Key      string    `json:"key"`
	CachedAt time.Time `json:"cached_at,omitzero"`
}

// DefaultOfflinePage is served to navigational requests when no offline page
// was precached.
var DefaultOfflinePage = []byte(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available offline. It will load once the connection returns.</p></body>
</html>
`)

// UnavailableResponse builds the structured 503 response for key.
func UnavailableResponse(key, reason string, cachedAt time.Time) *Response {
	body, _ := json.Marshal(Unavailable{
		Error:    "unavailable",
		Reason:   reason,
		Key:      key,
		CachedAt: cachedAt,
	})
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   body,
		Source: SourceUnavailable,
	}
}

// OfflineResponse builds the placeholder for a request that could not be
// fetched. Navigational requests get page, or DefaultOfflinePage when page is
// empty; everything else gets a small JSON error.
func OfflineResponse(req Request, page []byte) *Response {
	if req.Navigational {
		if len(page) == 0 {
			page = DefaultOfflinePage
		}
		return &Response{
			Status: http.StatusServiceUnavailable,
			Header: http.Header{"Content-Type": {"text/html; charset=utf-8"}},
			Body:   page,
			Source: SourcePlaceholder,
		}
	}
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"error":"offline"}`),
		Source: SourcePlaceholder,
	}
}
