package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/store/localdb"
)

// fakeOrigin records replayed actions and can reject or block them.
type fakeOrigin struct {
	mu       sync.Mutex
	probeErr error
	reject   string // action type to reject
	replayed []string
	probes   int

	// entered receives once per replay when hold is set.
	entered chan struct{}
	hold    chan struct{}
}

func (o *fakeOrigin) Probe(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.probes++
	return o.probeErr
}

func (o *fakeOrigin) setProbeErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.probeErr = err
}

func (o *fakeOrigin) Replay(ctx context.Context, action localdb.PendingAction) error {
	if o.hold != nil {
		o.entered <- struct{}{}
		select {
		case <-o.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if action.Type == o.reject {
		return errors.New("origin rejected change")
	}
	o.replayed = append(o.replayed, action.Type)
	return nil
}

func (o *fakeOrigin) replays() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.replayed...)
}

// countingStore counts queue reads, one per sync cycle.
type countingStore struct {
	*localdb.DB
	lists atomic.Int32
}

func (s *countingStore) ListPendingMutations(ctx context.Context) ([]localdb.PendingAction, error) {
	s.lists.Add(1)
	return s.DB.ListPendingMutations(ctx)
}

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

func newTestStore(t *testing.T) *countingStore {
	t.Helper()
	db := localdb.New(localdb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = db.Close() })
	return &countingStore{DB: db}
}

func newTestCoordinator(t *testing.T, store Store, origin Origin, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithRevertDelays(time.Hour, time.Hour)}, opts...)
	c := New(store, origin, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func addChanges(t *testing.T, c *Coordinator, types ...string) {
	t.Helper()
	for _, typ := range types {
		_, err := c.AddPendingChange(context.Background(), typ, map[string]string{"id": typ})
		require.NoError(t, err)
	}
}

func TestCoordinator_SyncPendingChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue goes straight to idle", func(t *testing.T) {
		store := newTestStore(t)
		origin := &fakeOrigin{}
		c := newTestCoordinator(t, store, origin)

		res, err := c.SyncPendingChanges(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Replayed)
		assert.False(t, res.Skipped)
		assert.Equal(t, StatusIdle, c.Snapshot().Status)
		assert.Empty(t, origin.replays())
	})

	t.Run("replays in order and clears the queue", func(t *testing.T) {
		store := newTestStore(t)
		origin := &fakeOrigin{}
		c := newTestCoordinator(t, store, origin)
		addChanges(t, c, "A", "B", "C")
		require.Equal(t, 3, c.Snapshot().PendingChanges)

		res, err := c.SyncPendingChanges(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Replayed)
		assert.Equal(t, []string{"A", "B", "C"}, origin.replays())

		snap := c.Snapshot()
		assert.Equal(t, StatusSuccess, snap.Status)
		assert.Zero(t, snap.PendingChanges)
		assert.Empty(t, snap.LastError)
		assert.False(t, snap.LastSyncAt.IsZero())

		n, err := store.CountPendingMutations(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("failure leaves the queue untouched", func(t *testing.T) {
		store := newTestStore(t)
		origin := &fakeOrigin{reject: "B"}
		c := newTestCoordinator(t, store, origin)
		addChanges(t, c, "A", "B", "C")

		res, err := c.SyncPendingChanges(ctx)
		require.ErrorIs(t, err, offlinecache.ErrSyncFailed)
		assert.Equal(t, 1, res.Replayed)
		assert.Equal(t, []string{"A"}, origin.replays())

		snap := c.Snapshot()
		assert.Equal(t, StatusError, snap.Status)
		assert.Equal(t, 3, snap.PendingChanges)
		assert.Contains(t, snap.LastError, "origin rejected change")

		actions, err := store.ListPendingMutations(ctx)
		require.NoError(t, err)
		require.Len(t, actions, 3)
		assert.Zero(t, actions[0].Attempts)
		assert.Equal(t, 1, actions[1].Attempts)
		assert.Equal(t, "origin rejected change", actions[1].LastError)
	})

	t.Run("concurrent call is a no-op", func(t *testing.T) {
		store := newTestStore(t)
		origin := &fakeOrigin{entered: make(chan struct{}, 10), hold: make(chan struct{})}
		c := newTestCoordinator(t, store, origin)
		addChanges(t, c, "A", "B")

		done := make(chan Result, 1)
		go func() {
			res, err := c.SyncPendingChanges(ctx)
			assert.NoError(t, err)
			done <- res
		}()
		<-origin.entered
		assert.Equal(t, StatusSyncing, c.Snapshot().Status)

		res, err := c.SyncPendingChanges(ctx)
		require.NoError(t, err)
		assert.True(t, res.Skipped)

		close(origin.hold)
		first := <-done
		assert.False(t, first.Skipped)
		assert.Equal(t, 2, first.Replayed)
		assert.Equal(t, []string{"A", "B"}, origin.replays())
		assert.Equal(t, int32(1), store.lists.Load(), "the skipped call never reads the queue")
	})

	t.Run("changes queued during replay survive", func(t *testing.T) {
		store := newTestStore(t)
		origin := &fakeOrigin{entered: make(chan struct{}, 10), hold: make(chan struct{})}
		c := newTestCoordinator(t, store, origin)
		addChanges(t, c, "A")

		done := make(chan error, 1)
		go func() {
			_, err := c.SyncPendingChanges(ctx)
			done <- err
		}()
		<-origin.entered
		addChanges(t, c, "late")
		close(origin.hold)
		require.NoError(t, <-done)

		actions, err := store.ListPendingMutations(ctx)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, "late", actions[0].Type)
		assert.Equal(t, 1, c.Snapshot().PendingChanges)
	})
}

func TestCoordinator_StatusReverts(t *testing.T) {
	ctx := context.Background()

	t.Run("success reverts to idle", func(t *testing.T) {
		store := newTestStore(t)
		c := newTestCoordinator(t, store, &fakeOrigin{}, WithRevertDelays(20*time.Millisecond, time.Hour))
		addChanges(t, c, "A")

		_, err := c.SyncPendingChanges(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, c.Snapshot().Status)
		assert.Eventually(t, func() bool {
			return c.Snapshot().Status == StatusIdle
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("error reverts to idle", func(t *testing.T) {
		store := newTestStore(t)
		c := newTestCoordinator(t, store, &fakeOrigin{reject: "A"}, WithRevertDelays(time.Hour, 20*time.Millisecond))
		addChanges(t, c, "A")

		_, err := c.SyncPendingChanges(ctx)
		require.Error(t, err)
		assert.Equal(t, StatusError, c.Snapshot().Status)
		assert.Eventually(t, func() bool {
			return c.Snapshot().Status == StatusIdle
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("newer transition cancels an older revert", func(t *testing.T) {
		store := newTestStore(t)
		origin := &fakeOrigin{reject: "A"}
		c := newTestCoordinator(t, store, origin, WithRevertDelays(time.Hour, 30*time.Millisecond))
		addChanges(t, c, "A")

		_, err := c.SyncPendingChanges(ctx)
		require.Error(t, err)

		origin.mu.Lock()
		origin.reject = ""
		origin.mu.Unlock()
		_, err = c.SyncPendingChanges(ctx)
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, StatusSuccess, c.Snapshot().Status)
	})
}

func TestCoordinator_SetOnline(t *testing.T) {
	store := newTestStore(t)
	origin := &fakeOrigin{}
	c := newTestCoordinator(t, store, origin, WithInitialOnline(false))

	addChanges(t, c, "A", "B", "C")
	assert.Empty(t, origin.replays(), "nothing replays while offline")

	c.SetOnline(true)
	c.SetOnline(true)
	c.Wait()

	assert.Equal(t, int32(1), store.lists.Load(), "one sync cycle for the whole queue")
	assert.Equal(t, []string{"A", "B", "C"}, origin.replays())
	assert.Zero(t, c.Snapshot().PendingChanges)

	// Going online with an empty queue starts nothing.
	c.SetOnline(false)
	c.SetOnline(true)
	c.Wait()
	assert.Equal(t, int32(1), store.lists.Load())
}

func TestCoordinator_Reconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("probe failure has no side effects", func(t *testing.T) {
		store := newTestStore(t)
		origin := &fakeOrigin{probeErr: offlinecache.ErrNetworkUnavailable}
		c := newTestCoordinator(t, store, origin, WithInitialOnline(false))
		addChanges(t, c, "A", "B")

		err := c.Reconnect(ctx)
		require.ErrorIs(t, err, offlinecache.ErrNetworkUnavailable)

		snap := c.Snapshot()
		assert.False(t, snap.Online)
		assert.Equal(t, StatusIdle, snap.Status)
		assert.Equal(t, 2, snap.PendingChanges)
		assert.Empty(t, origin.replays())
		assert.Zero(t, store.lists.Load())
	})

	t.Run("probe success goes online and syncs", func(t *testing.T) {
		store := newTestStore(t)
		origin := &fakeOrigin{}
		c := newTestCoordinator(t, store, origin, WithInitialOnline(false))
		addChanges(t, c, "A", "B")

		require.NoError(t, c.Reconnect(ctx))

		snap := c.Snapshot()
		assert.True(t, snap.Online)
		assert.Equal(t, StatusSuccess, snap.Status)
		assert.Zero(t, snap.PendingChanges)
		assert.Equal(t, []string{"A", "B"}, origin.replays())
	})

	t.Run("probe success with empty queue only goes online", func(t *testing.T) {
		store := newTestStore(t)
		c := newTestCoordinator(t, store, &fakeOrigin{}, WithInitialOnline(false))

		require.NoError(t, c.Reconnect(ctx))
		assert.True(t, c.Snapshot().Online)
		assert.Zero(t, store.lists.Load())
	})

	t.Run("rejected replay stays online and reports through the snapshot", func(t *testing.T) {
		store := newTestStore(t)
		origin := &fakeOrigin{reject: "B"}
		c := newTestCoordinator(t, store, origin, WithInitialOnline(false))
		addChanges(t, c, "A", "B", "C")

		require.NoError(t, c.Reconnect(ctx))

		snap := c.Snapshot()
		assert.True(t, snap.Online)
		assert.Equal(t, StatusError, snap.Status)
		assert.Contains(t, snap.LastError, "origin rejected change")
		assert.Equal(t, 3, snap.PendingChanges, "nothing is acked until the whole batch replays")
		assert.Equal(t, []string{"A"}, origin.replays())
	})
}

func TestCoordinator_Indicator(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	origin := &fakeOrigin{probeErr: offlinecache.ErrNetworkUnavailable}
	c := newTestCoordinator(t, newTestStore(t), origin, WithInitialOnline(false), WithNow(clock.Now))

	assert.Equal(t, IndicatorOffline, c.Indicator())

	var mu sync.Mutex
	var seen []string
	unsubscribe := c.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.Indicator)
	})

	require.Error(t, c.Reconnect(context.Background()))
	mu.Lock()
	assert.Contains(t, seen, IndicatorReconnecting)
	mu.Unlock()
	assert.Equal(t, IndicatorOffline, c.Indicator())

	origin.setProbeErr(nil)
	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, IndicatorBackOnline, c.Indicator())

	clock.Advance(DefaultBackOnlineWindow)
	assert.Empty(t, c.Indicator())

	unsubscribe()
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	c.SetOnline(false)
	mu.Lock()
	assert.Len(t, seen, n)
	mu.Unlock()
}

func TestCoordinator_AddPendingChange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	c := newTestCoordinator(t, store, &fakeOrigin{})

	a, err := c.AddPendingChange(ctx, "card.update", map[string]any{"id": "card-1", "front": "hola"})
	require.NoError(t, err)
	assert.NotZero(t, a.SequenceID)
	assert.NotEmpty(t, a.IdempotencyKey)
	assert.JSONEq(t, `{"id":"card-1","front":"hola"}`, string(a.Payload))

	b, err := c.AddPendingChange(ctx, "card.delete", json.RawMessage(`{"id":"card-2"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"card-2"}`, string(b.Payload))

	_, err = c.AddPendingChange(ctx, "bad", func() {})
	require.Error(t, err)

	assert.Equal(t, 2, c.Snapshot().PendingChanges)

	require.NoError(t, c.ClearPendingChanges(ctx))
	assert.Zero(t, c.Snapshot().PendingChanges)
	n, err := store.CountPendingMutations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCoordinator_Run(t *testing.T) {
	t.Run("syncs once the origin comes back", testRunOriginReturns)
	t.Run("syncs a leftover queue at startup", testRunLeftoverQueue)
}

func testRunOriginReturns(t *testing.T) {
	store := newTestStore(t)
	_, err := store.EnqueueMutation(context.Background(), localdb.PendingAction{Type: "A"})
	require.NoError(t, err)

	origin := &fakeOrigin{probeErr: offlinecache.ErrNetworkUnavailable}
	c := newTestCoordinator(t, store, origin, WithInitialOnline(false), WithProbeInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return c.Snapshot().PendingChanges == 1
	}, time.Second, 5*time.Millisecond, "pending count loaded from the store")
	assert.False(t, c.Snapshot().Online)

	origin.setProbeErr(nil)
	assert.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.Online && s.PendingChanges == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A"}, origin.replays())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func testRunLeftoverQueue(t *testing.T) {
	store := newTestStore(t)
	_, err := store.EnqueueMutation(context.Background(), localdb.PendingAction{Type: "A"})
	require.NoError(t, err)

	// Default connectivity is online, so a reachable origin is no transition.
	origin := &fakeOrigin{}
	c := newTestCoordinator(t, store, origin, WithProbeInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return c.Snapshot().PendingChanges == 0 && len(origin.replays()) == 1
	}, time.Second, 5*time.Millisecond)

	// Later successful checks start no further cycles.
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	c.Wait()

	assert.Equal(t, []string{"A"}, origin.replays())
	assert.Equal(t, int32(1), store.lists.Load())
	assert.Equal(t, StatusSuccess, c.Snapshot().Status)
}
