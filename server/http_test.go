package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/offline-cache/store/localdb"
)

// testOrigin is a fake remote service that can be taken down or made to
// reject replayed mutations.
type testOrigin struct {
	*httptest.Server
	down   atomic.Bool
	reject atomic.Bool

	mu        sync.Mutex
	mutations []string
	keys      []string
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/mutations":
			if o.reject.Load() {
				http.Error(w, "mutation rejected", http.StatusInternalServerError)
				return
			}
			var body struct {
				Type string `json:"type"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			o.mu.Lock()
			o.mutations = append(o.mutations, body.Type)
			o.keys = append(o.keys, r.Header.Get("Idempotency-Key"))
			o.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/health":
			_, _ = w.Write([]byte("ok"))
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><head><link rel="icon" href="/favicon.ico"></head></html>`))
		case r.URL.Path == "/offline.html":
			_, _ = w.Write([]byte("<h1>offline</h1>"))
		case r.URL.Path == "/manifest.webmanifest", r.URL.Path == "/favicon.ico":
			_, _ = w.Write([]byte("asset"))
		case r.URL.Path == "/api/decks":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"deck-1","page":"` + r.URL.Query().Get("page") + `"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) replayed() ([]string, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.mutations...), append([]string(nil), o.keys...)
}

func newTestServer(t *testing.T, o *testOrigin, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		StoragePath: t.TempDir(),
		OriginURL:   o.URL,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	require.NoError(t, s.interceptor.Start(context.Background(), 1))
	return s
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNew_RequiresOrigin(t *testing.T) {
	_, err := New(Config{StoragePath: t.TempDir()})
	require.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, newTestOrigin(t))

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Resource(t *testing.T) {
	o := newTestOrigin(t)
	s := newTestServer(t, o)

	rec := do(t, s, http.MethodGet, "/r/data/api/decks?page=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get("X-Cache-Source"))
	assert.JSONEq(t, `[{"id":"deck-1","page":"2"}]`, rec.Body.String())

	o.down.Store(true)
	rec = do(t, s, http.MethodGet, "/r/data/api/decks?page=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get("X-Cache-Source"))
	assert.NotEmpty(t, rec.Header().Get("X-Cached-At"))
	assert.JSONEq(t, `[{"id":"deck-1","page":"2"}]`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/r/data/api/cards", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", rec.Header().Get("X-Cache-Source"))
	assert.JSONEq(t, `{"error":"unavailable","reason":"not_cached","key":"/api/cards"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/r/other/decks/42", nil)
	req.Header.Set("Accept", "text/html")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "<h1>offline</h1>", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/r/video/a.mp4", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PendingAndSync(t *testing.T) {
	o := newTestOrigin(t)
	s := newTestServer(t, o)

	for _, typ := range []string{"card.update", "card.delete"} {
		rec := do(t, s, http.MethodPost, "/pending", `{"type":"`+typ+`","payload":{"id":"card-1"}}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		action := decode[localdb.PendingAction](t, rec)
		assert.Equal(t, typ, action.Type)
	}

	rec := do(t, s, http.MethodPost, "/pending", `{"payload":{}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	status := decode[map[string]any](t, do(t, s, http.MethodGet, "/status", ""))
	assert.InDelta(t, 2, status["pending_changes"], 0)
	assert.Equal(t, "idle", status["status"])
	assert.Equal(t, true, status["ready"])
	assert.InDelta(t, 1, status["cache_version"], 0)

	rec = do(t, s, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[syncResponse](t, rec)
	assert.Equal(t, 2, result.Replayed)

	types, keys := o.replayed()
	assert.Equal(t, []string{"card.update", "card.delete"}, types)
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.NotEqual(t, keys[0], keys[1])

	status = decode[map[string]any](t, do(t, s, http.MethodGet, "/status", ""))
	assert.InDelta(t, 0, status["pending_changes"], 0)
	assert.Equal(t, "success", status["status"])
}

func TestServer_SyncFailure(t *testing.T) {
	o := newTestOrigin(t)
	s := newTestServer(t, o)

	rec := do(t, s, http.MethodPost, "/pending", `{"type":"card.update"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	o.down.Store(true)
	rec = do(t, s, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotEmpty(t, decode[syncResponse](t, rec).Error)

	rec = do(t, s, http.MethodDelete, "/pending", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	status := decode[map[string]any](t, do(t, s, http.MethodGet, "/status", ""))
	assert.InDelta(t, 0, status["pending_changes"], 0)
}

func TestServer_Reconnect(t *testing.T) {
	o := newTestOrigin(t)
	s := newTestServer(t, o)

	o.down.Store(true)
	rec := do(t, s, http.MethodPost, "/reconnect", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, false, body["online"])
	assert.Equal(t, "offline", body["indicator"])
	assert.NotEmpty(t, body["error"])

	o.down.Store(false)
	rec = do(t, s, http.MethodPost, "/reconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[map[string]any](t, rec)
	assert.Equal(t, true, body["online"])
	assert.Equal(t, "back_online", body["indicator"])
}

func TestServer_ReconnectWithRejectedReplay(t *testing.T) {
	o := newTestOrigin(t)
	s := newTestServer(t, o)

	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/pending", `{"type":"card.update"}`).Code)

	o.reject.Store(true)
	rec := do(t, s, http.MethodPost, "/reconnect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["online"])
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["last_error"], "mutation rejected")
	assert.InDelta(t, 1, body["pending_changes"], 0)
	assert.NotContains(t, body, "error")
}

func TestServer_Entities(t *testing.T) {
	s := newTestServer(t, newTestOrigin(t))

	rec := do(t, s, http.MethodPut, "/entities/cards/card-1", `{"front":"hola","back":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	put := decode[entityResponse](t, rec)
	assert.NotEmpty(t, put.Digest)

	rec = do(t, s, http.MethodPut, "/entities/comments/c-1", `{"card_id":"card-1","text":"nice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/entities/cards/card-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entity := decode[entityResponse](t, rec)
	assert.JSONEq(t, `{"front":"hola","back":"hello"}`, string(entity.Payload))

	// The response reflects the access it just recorded.
	stored, err := s.db.Get(context.Background(), "cards", "card-1")
	require.NoError(t, err)
	assert.True(t, entity.LastAccessed.Equal(stored.LastAccessed), "got %s, stored %s", entity.LastAccessed, stored.LastAccessed)
	assert.False(t, entity.LastAccessed.Before(put.LastAccessed))

	rec = do(t, s, http.MethodGet, "/entities/comments?index=card_id&value=card-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	comments := decode[[]entityResponse](t, rec)
	require.Len(t, comments, 1)
	assert.Equal(t, "c-1", comments[0].ID)

	rec = do(t, s, http.MethodGet, "/entities/cards?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]entityResponse](t, rec), 1)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/entities/cards/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/entities/widgets/x", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/entities/cards/card-2", "not json").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPut, "/entities/cards/card-2?updated_at=yesterday", `{}`).Code)
}

func TestServer_CacheGovernance(t *testing.T) {
	s := newTestServer(t, newTestOrigin(t))

	for _, id := range []string{"card-1", "card-2", "card-3"} {
		require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/entities/cards/"+id, `{}`).Code)
	}
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/r/data/api/decks", "").Code)

	rec := do(t, s, http.MethodGet, "/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.Equal(t, map[string]any{"cards": 3.0, "decks": 0.0, "comments": 0.0}, stats["collections"])
	assert.Contains(t, stats["active_namespaces"], "precache-v1")

	rec = do(t, s, http.MethodPost, "/cache/cleanup?keep=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":2,"kept":1}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/cache/cleanup?keep=-1", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/cache/cards", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/cache/widgets", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/cache", "").Code)

	stats = decode[map[string]any](t, do(t, s, http.MethodGet, "/cache/stats", ""))
	namespaces, ok := stats["namespaces"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0, namespaces["data-v1"], 0)
	assert.Positive(t, namespaces["precache-v1"])
}

func TestDeriveClass(t *testing.T) {
	tests := map[string]string{
		"/health":             "internal",
		"/metrics":            "internal",
		"/r/font/inter.woff2": "font",
		"/r/data/api/decks":   "data",
		"/r/video/a.mp4":      "unknown",
		"/entities/cards/c-1": "entities",
		"/cache/stats":        "admin",
		"/status":             "admin",
	}
	for path, want := range tests {
		assert.Equal(t, want, deriveClass(path), path)
	}
}
