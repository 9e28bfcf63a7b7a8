// Package syncer tracks connectivity and replays the offline mutation queue
// against the origin.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/store/localdb"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Status is the sync state machine position.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Connectivity indicator values shown to users.
const (
	IndicatorOffline      = "offline"
	IndicatorReconnecting = "reconnecting"
	IndicatorBackOnline   = "back_online"
)

const (
	DefaultSuccessRevert    = 3 * time.Second
	DefaultErrorRevert      = 5 * time.Second
	DefaultProbeInterval    = 30 * time.Second
	DefaultBackOnlineWindow = 3 * time.Second
)

// Store is the mutation queue.
type Store interface {
	EnqueueMutation(ctx context.Context, action localdb.PendingAction) (localdb.PendingAction, error)
	ListPendingMutations(ctx context.Context) ([]localdb.PendingAction, error)
	CountPendingMutations(ctx context.Context) (int, error)
	RecordMutationAttempt(ctx context.Context, seq uint64, cause error) error
	AckMutations(ctx context.Context, seq uint64) (int, error)
	ClearMutationQueue(ctx context.Context) error
}

// Origin probes reachability and accepts replayed mutations.
type Origin interface {
	Probe(ctx context.Context) error
	Replay(ctx context.Context, action localdb.PendingAction) error
}

// Snapshot is the observable coordinator state.
type Snapshot struct {
	Online         bool      `json:"online"`
	Status         Status    `json:"status"`
	PendingChanges int       `json:"pending_changes"`
	LastError      string    `json:"last_error,omitempty"`
	LastSyncAt     time.Time `json:"last_sync_at,omitzero"`
	Indicator      string    `json:"indicator,omitempty"`
}

// Result describes one SyncPendingChanges call.
type Result struct {
	// Replayed is the number of actions accepted by the origin.
	Replayed int
	// Skipped is set when another sync was already running.
	Skipped  bool
	Duration time.Duration
}

// Coordinator owns connectivity state and the sync state machine.
type Coordinator struct {
	store  Store
	origin Origin
	logger *slog.Logger
	now    func() time.Time

	successRevert    time.Duration
	errorRevert      time.Duration
	probeInterval    time.Duration
	backOnlineWindow time.Duration

	syncing atomic.Bool

	mu           sync.Mutex
	online       bool
	reconnecting bool
	onlineSince  time.Time
	status       Status
	pending      int
	lastError    string
	lastSyncAt   time.Time
	gen          uint64
	revert       *time.Timer
	subs         map[int]func(Snapshot)
	nextSub      int
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithRevertDelays sets how long Success and Error are shown before the
// status returns to Idle.
func WithRevertDelays(success, failure time.Duration) Option {
	return func(c *Coordinator) {
		c.successRevert = success
		c.errorRevert = failure
	}
}

// WithProbeInterval sets the Run probing period.
func WithProbeInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.probeInterval = d
	}
}

// WithBackOnlineWindow sets how long the back online indicator is shown.
func WithBackOnlineWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		c.backOnlineWindow = d
	}
}

// WithInitialOnline sets the connectivity assumed before the first signal.
func WithInitialOnline(online bool) Option {
	return func(c *Coordinator) {
		c.online = online
	}
}

// New creates a coordinator. Call RefreshPending to load the queue length
// left by a previous run.
func New(store Store, origin Origin, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:            store,
		origin:           origin,
		logger:           slog.Default(),
		now:              time.Now,
		successRevert:    DefaultSuccessRevert,
		errorRevert:      DefaultErrorRevert,
		probeInterval:    DefaultProbeInterval,
		backOnlineWindow: DefaultBackOnlineWindow,
		online:           true,
		status:           StatusIdle,
		subs:             make(map[int]func(Snapshot)),
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "syncer")
	return c
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Indicator returns the connectivity indicator, empty when nothing should
// be shown.
func (c *Coordinator) Indicator() string {
	return c.Snapshot().Indicator
}

func (c *Coordinator) snapshotLocked() Snapshot {
	return Snapshot{
		Online:         c.online,
		Status:         c.status,
		PendingChanges: c.pending,
		LastError:      c.lastError,
		LastSyncAt:     c.lastSyncAt,
		Indicator:      c.indicatorLocked(),
	}
}

func (c *Coordinator) indicatorLocked() string {
	switch {
	case !c.online && c.reconnecting:
		return IndicatorReconnecting
	case !c.online:
		return IndicatorOffline
	case !c.onlineSince.IsZero() && c.now().Sub(c.onlineSince) < c.backOnlineWindow:
		return IndicatorBackOnline
	default:
		return ""
	}
}

// Subscribe registers fn to receive every state change. The returned func
// removes the subscription.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// mutate applies fn under the lock and notifies subscribers afterwards.
func (c *Coordinator) mutate(fn func()) Snapshot {
	c.mu.Lock()
	fn()
	snap := c.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s(snap)
	}
	return snap
}

// setStatusLocked moves the state machine and schedules the revert to Idle
// for terminal states. A newer transition invalidates older reverts.
func (c *Coordinator) setStatusLocked(status Status) {
	c.gen++
	if c.revert != nil {
		c.revert.Stop()
		c.revert = nil
	}
	c.status = status
	telemetry.RecordSyncStatus(c.ctx, string(status))

	var delay time.Duration
	switch status {
	case StatusSuccess:
		delay = c.successRevert
	case StatusError:
		delay = c.errorRevert
	default:
		return
	}
	if c.closed {
		return
	}

	gen := c.gen
	c.revert = time.AfterFunc(delay, func() {
		c.mutate(func() {
			if c.gen != gen {
				return
			}
			c.revert = nil
			c.status = StatusIdle
			telemetry.RecordSyncStatus(c.ctx, string(StatusIdle))
		})
	})
}

// RefreshPending reloads the pending count from the store.
func (c *Coordinator) RefreshPending(ctx context.Context) (int, error) {
	n, err := c.store.CountPendingMutations(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting pending changes: %w", err)
	}
	c.mutate(func() { c.pending = n })
	telemetry.UpdatePendingMutations(ctx, n)
	return n, nil
}

// AddPendingChange durably queues a mutation made while offline. payload
// is stored as JSON; []byte and json.RawMessage are used as is.
func (c *Coordinator) AddPendingChange(ctx context.Context, typ string, payload any) (localdb.PendingAction, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return localdb.PendingAction{}, err
	}

	action, err := c.store.EnqueueMutation(ctx, localdb.PendingAction{Type: typ, Payload: raw})
	if err != nil {
		return localdb.PendingAction{}, fmt.Errorf("queueing change: %w", err)
	}

	if _, err := c.RefreshPending(ctx); err != nil {
		return action, err
	}
	c.logger.Debug("queued pending change", "sequence_id", action.SequenceID, "type", typ)
	return action, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		return raw, nil
	}
}

// ClearPendingChanges discards the queue.
func (c *Coordinator) ClearPendingChanges(ctx context.Context) error {
	if err := c.store.ClearMutationQueue(ctx); err != nil {
		return fmt.Errorf("clearing pending changes: %w", err)
	}
	c.mutate(func() { c.pending = 0 })
	telemetry.UpdatePendingMutations(ctx, 0)
	c.logger.Info("cleared pending changes")
	return nil
}

// SyncPendingChanges replays the queue in order. Only one sync runs at a
// time; a call made while another is running returns a skipped Result.
//
// Replay is all or nothing: the first rejected action stops the cycle and
// leaves the queue in place. On success the replayed actions are removed.
func (c *Coordinator) SyncPendingChanges(ctx context.Context) (Result, error) {
	if !c.syncing.CompareAndSwap(false, true) {
		c.logger.Debug("sync already in progress")
		return Result{Skipped: true}, nil
	}
	defer c.syncing.Store(false)

	start := c.now()
	actions, err := c.store.ListPendingMutations(ctx)
	if err != nil {
		err = fmt.Errorf("%w: reading queue: %w", offlinecache.ErrSyncFailed, err)
		c.fail(ctx, err, 0, start)
		return Result{Duration: c.now().Sub(start)}, err
	}

	if len(actions) == 0 {
		c.mutate(func() {
			c.pending = 0
			c.setStatusLocked(StatusIdle)
		})
		return Result{Duration: c.now().Sub(start)}, nil
	}

	c.mutate(func() { c.setStatusLocked(StatusSyncing) })
	c.logger.Info("syncing pending changes", "count", len(actions))

	for n, action := range actions {
		if err := c.origin.Replay(ctx, action); err != nil {
			if rerr := c.store.RecordMutationAttempt(ctx, action.SequenceID, err); rerr != nil {
				c.logger.Warn("failed to record replay attempt", "sequence_id", action.SequenceID, "error", rerr)
			}
			err = fmt.Errorf("%w: replaying change %d: %w", offlinecache.ErrSyncFailed, action.SequenceID, err)
			c.fail(ctx, err, n, start)
			return Result{Replayed: n, Duration: c.now().Sub(start)}, err
		}
	}

	last := actions[len(actions)-1].SequenceID
	if _, err := c.store.AckMutations(ctx, last); err != nil {
		err = fmt.Errorf("%w: removing replayed changes: %w", offlinecache.ErrSyncFailed, err)
		c.fail(ctx, err, len(actions), start)
		return Result{Replayed: len(actions), Duration: c.now().Sub(start)}, err
	}

	remaining, err := c.store.CountPendingMutations(ctx)
	if err != nil {
		c.logger.Warn("failed to count pending changes", "error", err)
		remaining = 0
	}

	duration := c.now().Sub(start)
	c.mutate(func() {
		c.pending = remaining
		c.lastError = ""
		c.lastSyncAt = c.now()
		c.setStatusLocked(StatusSuccess)
	})
	telemetry.UpdatePendingMutations(ctx, remaining)
	telemetry.RecordSyncCycle(ctx, "success", len(actions), duration)
	c.logger.Info("sync complete", "replayed", len(actions), "duration", duration)

	return Result{Replayed: len(actions), Duration: duration}, nil
}

func (c *Coordinator) fail(ctx context.Context, err error, replayed int, start time.Time) {
	c.mutate(func() {
		c.lastError = err.Error()
		c.setStatusLocked(StatusError)
	})
	telemetry.RecordSyncCycle(ctx, "error", replayed, c.now().Sub(start))
	c.logger.Error("sync failed", "replayed", replayed, "error", err)
}

// setOnline records a connectivity signal and reports whether it changed
// the state together with the pending count.
func (c *Coordinator) setOnline(online bool) (changed bool, pending int) {
	c.mutate(func() {
		changed = online != c.online
		c.online = online
		if changed && online {
			c.onlineSince = c.now()
		}
		pending = c.pending
	})
	telemetry.UpdateConnectivity(c.ctx, online)

	switch {
	case changed && online:
		c.logger.Info("connection restored", "pending", pending)
	case changed:
		c.logger.Info("connection lost", "pending", pending)
	}
	return changed, pending
}

// SetOnline feeds a passive connectivity signal. Coming back online with
// pending changes starts one background sync.
func (c *Coordinator) SetOnline(online bool) {
	changed, pending := c.setOnline(online)
	if changed && online && pending > 0 {
		c.trigger()
	}
}

func (c *Coordinator) trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Go(func() {
		_, _ = c.SyncPendingChanges(c.ctx)
	})
}

// Reconnect actively probes the origin. On success the coordinator goes
// online and syncs pending changes before returning; a failed sync is
// reported through Snapshot, not the returned error. On failure it stays
// offline and nothing else changes.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	c.mutate(func() { c.reconnecting = true })
	err := c.origin.Probe(ctx)
	c.mutate(func() { c.reconnecting = false })

	if err != nil {
		c.setOnline(false)
		c.logger.Info("reconnect probe failed", "error", err)
		return fmt.Errorf("reconnecting: %w", err)
	}

	_, pending := c.setOnline(true)
	if pending > 0 {
		if _, err := c.SyncPendingChanges(ctx); err != nil {
			c.logger.Warn("sync after reconnect failed", "error", err)
		}
	}
	return nil
}

// Run probes the origin every probe interval and feeds the result to
// SetOnline until ctx is cancelled or Close is called. The first probe runs
// immediately; if it succeeds, changes left queued by a previous run are
// synced even though connectivity did not change.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.RefreshPending(ctx); err != nil {
		c.logger.Warn("failed to load pending changes", "error", err)
	}
	c.checkOrigin(ctx, true)

	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return nil
		case <-ticker.C:
			c.checkOrigin(ctx, false)
		}
	}
}

// checkOrigin feeds one probe result to the connectivity state. initial forces a
// sync of pending changes on success even without a transition.
func (c *Coordinator) checkOrigin(ctx context.Context, initial bool) {
	err := c.origin.Probe(ctx)
	if err != nil {
		c.logger.Debug("probe failed", "error", err)
	}
	online := err == nil
	changed, pending := c.setOnline(online)
	if online && pending > 0 && (changed || initial) {
		c.trigger()
	}
}

// Wait blocks until background syncs have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops background work and pending status reverts.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.revert != nil {
		c.revert.Stop()
		c.revert = nil
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
