package intercept

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/store/localdb"
	"github.com/wolfeidau/offline-cache/strategy"
)

const shellPage = `<!DOCTYPE html>
<html><head>
<link rel="icon" href="/icons/favicon.ico">
<link rel="apple-touch-icon" href="icons/touch.png">
<link rel="stylesheet" href="/app.css">
</head><body>app</body></html>`

// fakeOrigin serves fixed pages and can be switched offline.
type fakeOrigin struct {
	mu      sync.Mutex
	pages   map[string]string
	calls   map[string]int
	offline atomic.Bool
	// hold, when set, blocks every fetch until it is closed.
	hold chan struct{}
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		pages: map[string]string{
			"/":                     shellPage,
			"/offline.html":         "<h1>offline copy</h1>",
			"/manifest.webmanifest": `{"name":"cards"}`,
			"/icons/favicon.ico":    "ico",
			"/icons/touch.png":      "png",
		},
		calls: map[string]int{},
	}
}

func (o *fakeOrigin) set(key, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[key] = body
}

func (o *fakeOrigin) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[key]
}

func (o *fakeOrigin) fetch(ctx context.Context, req strategy.Request) (*strategy.Response, error) {
	o.mu.Lock()
	hold := o.hold
	o.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if o.offline.Load() {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", offlinecache.ErrNetworkUnavailable)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[req.Key]++
	body, ok := o.pages[req.Key]
	if !ok {
		return &strategy.Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	return &strategy.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}, nil
}

// testClock is a settable time source shared by the store and strategies.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...localdb.Option) *localdb.DB {
	t.Helper()
	db := localdb.New(append([]localdb.Option{localdb.WithNoSync(true)}, opts...)...)
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestInterceptor(t *testing.T, db *localdb.DB, origin *fakeOrigin, opts ...Option) *Interceptor {
	t.Helper()
	i := New(db, origin.fetch, opts...)
	t.Cleanup(func() { _ = i.Close() })
	return i
}

func TestInterceptor_Install(t *testing.T) {
	ctx := context.Background()

	t.Run("precaches shell, icons and manifest", func(t *testing.T) {
		db := newTestStore(t)
		origin := newFakeOrigin()
		i := newTestInterceptor(t, db, origin)

		require.NoError(t, i.Install(ctx, 1))
		assert.False(t, i.Ready(), "not ready until activated")

		for _, key := range []string{"/", "/offline.html", "/manifest.webmanifest", "/icons/favicon.ico", "/icons/touch.png"} {
			entry, err := db.GetEntry(ctx, "precache-v1", key)
			require.NoError(t, err, key)
			assert.NotEmpty(t, entry.Payload, key)
		}
		assert.Zero(t, origin.count("/app.css"), "stylesheets are not icons")

		names, err := db.ListNamespaces(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"precache-v1", "binary-v1", "font-v1", "data-v1", "other-v1"}, names)
	})

	t.Run("failed precache aborts install", func(t *testing.T) {
		db := newTestStore(t)
		origin := newFakeOrigin()
		i := newTestInterceptor(t, db, origin, WithManifest(Manifest{
			ShellPath:   "/",
			OfflinePath: "/offline.html",
			Assets:      []string{"/missing.js"},
		}))

		err := i.Install(ctx, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "/missing.js")
		require.ErrorIs(t, i.Activate(ctx), ErrNotInstalled)
		assert.False(t, i.Ready())

		names, err := db.ListNamespaces(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("offline install fails", func(t *testing.T) {
		db := newTestStore(t)
		origin := newFakeOrigin()
		origin.offline.Store(true)
		i := newTestInterceptor(t, db, origin)

		require.ErrorIs(t, i.Start(ctx, 1), offlinecache.ErrNetworkUnavailable)
		assert.False(t, i.Ready())
	})

	t.Run("invalid version", func(t *testing.T) {
		i := newTestInterceptor(t, newTestStore(t), newFakeOrigin())
		require.ErrorIs(t, i.Install(ctx, 0), ErrInvalidVersion)
	})
}

func TestInterceptor_Rollover(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	origin := newFakeOrigin()
	origin.set("/fonts/inter.woff2", "font-v1-bytes")
	i := newTestInterceptor(t, db, origin)

	require.NoError(t, i.Start(ctx, 1))
	require.NoError(t, db.CreateNamespace(ctx, "user-downloads"))

	resp := i.Handle(ctx, strategy.Request{Key: "/fonts/inter.woff2", Class: strategy.ClassFont})
	require.Equal(t, strategy.SourceNetwork, resp.Source)

	origin.set("/fonts/inter.woff2", "font-v2-bytes")
	require.NoError(t, i.Start(ctx, 2))
	assert.Equal(t, 2, i.ActiveVersion())

	names, err := db.ListNamespaces(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"precache-v2", "binary-v2", "font-v2", "data-v2", "other-v2", "user-downloads"}, names)

	// Claimed: the new generation serves subsequent requests.
	resp = i.Handle(ctx, strategy.Request{Key: "/fonts/inter.woff2", Class: strategy.ClassFont})
	assert.Equal(t, strategy.SourceNetwork, resp.Source)
	assert.Equal(t, []byte("font-v2-bytes"), resp.Body)

	raw, err := db.GetMeta(ctx, metaActiveVersion)
	require.NoError(t, err)
	assert.Equal(t, "2", string(raw))
}

func TestInterceptor_StartResumesCachedVersion(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	origin := newFakeOrigin()

	first := newTestInterceptor(t, db, origin)
	require.NoError(t, first.Start(ctx, 1))
	require.NoError(t, first.Close())

	origin.offline.Store(true)
	second := newTestInterceptor(t, db, origin)
	require.NoError(t, second.Start(ctx, 1))
	assert.True(t, second.Ready())

	resp := second.Handle(ctx, strategy.Request{Key: "/", Class: strategy.ClassOther, Navigational: true})
	assert.Equal(t, strategy.SourceCache, resp.Source)
	assert.Equal(t, []byte(shellPage), resp.Body)

	// A different version cannot be resumed.
	third := newTestInterceptor(t, db, origin)
	require.Error(t, third.Start(ctx, 2))
}

func TestInterceptor_Handle(t *testing.T) {
	ctx := context.Background()

	t.Run("passthrough before activation", func(t *testing.T) {
		origin := newFakeOrigin()
		origin.set("/api/decks", `[]`)
		i := newTestInterceptor(t, newTestStore(t), origin)

		resp := i.Handle(ctx, strategy.Request{Key: "/api/decks", Class: strategy.ClassData})
		assert.Equal(t, strategy.SourceNetwork, resp.Source)

		origin.offline.Store(true)
		resp = i.Handle(ctx, strategy.Request{Key: "/api/decks", Class: strategy.ClassData})
		assert.Equal(t, strategy.SourcePlaceholder, resp.Source)
	})

	t.Run("stale-while-revalidate refreshes in the background", func(t *testing.T) {
		db := newTestStore(t)
		origin := newFakeOrigin()
		origin.set("/img/card.png", "v1")
		i := newTestInterceptor(t, db, origin)
		require.NoError(t, i.Start(ctx, 1))

		req := strategy.Request{Key: "/img/card.png", Class: strategy.ClassBinary}
		resp := i.Handle(ctx, req)
		require.Equal(t, strategy.SourceNetwork, resp.Source)
		require.Equal(t, 1, origin.count("/img/card.png"))

		// Hold the origin so a synchronous fetch would block the caller.
		origin.set("/img/card.png", "v2")
		hold := make(chan struct{})
		origin.mu.Lock()
		origin.hold = hold
		origin.mu.Unlock()

		resp = i.Handle(ctx, req)
		assert.Equal(t, strategy.SourceCache, resp.Source)
		assert.Equal(t, []byte("v1"), resp.Body)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

		close(hold)
		i.Wait()
		assert.Equal(t, 2, origin.count("/img/card.png"), "exactly one background refresh")

		entry, err := db.GetEntry(ctx, "binary-v1", "/img/card.png")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), entry.Payload)
	})

	t.Run("background refresh errors are swallowed", func(t *testing.T) {
		db := newTestStore(t)
		origin := newFakeOrigin()
		origin.set("/img/card.png", "v1")
		i := newTestInterceptor(t, db, origin)
		require.NoError(t, i.Start(ctx, 1))

		req := strategy.Request{Key: "/img/card.png", Class: strategy.ClassBinary}
		i.Handle(ctx, req)

		origin.offline.Store(true)
		resp := i.Handle(ctx, req)
		i.Wait()
		assert.Equal(t, []byte("v1"), resp.Body)

		entry, err := db.GetEntry(ctx, "binary-v1", "/img/card.png")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), entry.Payload)
	})

	t.Run("network-first past TTL is unavailable", func(t *testing.T) {
		clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		db := newTestStore(t, localdb.WithNow(clock.Now))
		origin := newFakeOrigin()
		origin.set("/api/cards/1", `{"id":"1"}`)
		i := newTestInterceptor(t, db, origin, WithStrategies(strategy.NewSet(strategy.WithNow(clock.Now))))
		require.NoError(t, i.Start(ctx, 1))

		req := strategy.Request{Key: "/api/cards/1", Class: strategy.ClassData}
		resp := i.Handle(ctx, req)
		require.Equal(t, strategy.SourceNetwork, resp.Source)

		origin.offline.Store(true)
		clock.Advance(6 * 24 * time.Hour)
		resp = i.Handle(ctx, req)
		assert.Equal(t, strategy.SourceCache, resp.Source)
		assert.JSONEq(t, `{"id":"1"}`, string(resp.Body))
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		clock.Advance(2 * 24 * time.Hour)
		resp = i.Handle(ctx, req)
		assert.Equal(t, strategy.SourceUnavailable, resp.Source)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

		var body strategy.Unavailable
		require.NoError(t, json.Unmarshal(resp.Body, &body))
		assert.Equal(t, strategy.ReasonExpired, body.Reason)
	})

	t.Run("offline navigation gets the precached offline page", func(t *testing.T) {
		origin := newFakeOrigin()
		i := newTestInterceptor(t, newTestStore(t), origin)
		require.NoError(t, i.Start(ctx, 1))

		origin.offline.Store(true)
		resp := i.Handle(ctx, strategy.Request{Key: "/decks/42", Class: strategy.ClassOther, Navigational: true})
		assert.Equal(t, strategy.SourcePlaceholder, resp.Source)
		assert.Equal(t, []byte("<h1>offline copy</h1>"), resp.Body)

		resp = i.Handle(ctx, strategy.Request{Key: "/widgets.js", Class: strategy.ClassOther})
		assert.JSONEq(t, `{"error":"offline"}`, string(resp.Body))
	})

	t.Run("deduplicated fetches share one origin call", func(t *testing.T) {
		origin := newFakeOrigin()
		origin.set("/api/decks", `[]`)
		i := newTestInterceptor(t, newTestStore(t), origin, WithDeduplication())
		require.NoError(t, i.Start(ctx, 1))

		hold := make(chan struct{})
		origin.mu.Lock()
		origin.hold = hold
		origin.mu.Unlock()

		var wg sync.WaitGroup
		for range 5 {
			wg.Go(func() {
				resp := i.Handle(ctx, strategy.Request{Key: "/api/decks", Class: strategy.ClassData})
				assert.Equal(t, []byte(`[]`), resp.Body)
			})
		}
		time.Sleep(50 * time.Millisecond)
		close(hold)
		wg.Wait()

		assert.Equal(t, 1, origin.count("/api/decks"))
	})
}

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		version int
		ok      bool
	}{
		{"font-v3", "font", 3, true},
		{"precache-v12", "precache", 12, true},
		{"my-vault-v2", "my-vault", 2, true},
		{"user-downloads", "", 0, false},
		{"font-v0", "", 0, false},
		{"-v1", "", 0, false},
	}
	for _, tt := range tests {
		prefix, version, ok := parseNamespace(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.prefix, prefix, tt.name)
		assert.Equal(t, tt.version, version, tt.name)
	}
}
