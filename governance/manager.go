// Package governance reports local storage usage and runs user-triggered and
// periodic cleanup of cached data.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/offline-cache/store/localdb"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Store is the subset of the local store governed by the manager.
type Store interface {
	Collections() []string
	Count(ctx context.Context, collection string) (int, error)
	Clear(ctx context.Context, collection string) error
	EvictLeastRecentlyUsed(ctx context.Context, collection string, keepCount int) (int, error)
	EstimateUsage(ctx context.Context) (*localdb.Usage, error)
	Stats(ctx context.Context) (*localdb.Stats, error)
	ListNamespaces(ctx context.Context) ([]string, error)
	DeleteNamespace(ctx context.Context, namespace string) error
	ClearNamespace(ctx context.Context, namespace string) error
	ClearMutationQueue(ctx context.Context) error
}

// PendingClearer discards the mutation queue and resets its counter.
type PendingClearer interface {
	ClearPendingChanges(ctx context.Context) error
}

// ActiveNamespaces reports the cache namespaces in use.
type ActiveNamespaces interface {
	ActiveNamespaces() []string
}

// Config holds governance configuration.
type Config struct {
	// MaxCards is the number of most recently used cards kept by the
	// periodic cleanup. Zero disables the periodic cleanup.
	MaxCards int

	// CheckInterval is how often the periodic cleanup runs.
	// Default is 1 hour.
	CheckInterval time.Duration

	// Logger for governance events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		MaxCards:      500,
		CheckInterval: 1 * time.Hour,
		Logger:        slog.Default(),
	}
}

// Report summarises the local store.
type Report struct {
	Usage            localdb.Usage  `json:"usage"`
	Collections      map[string]int `json:"collections"`
	Namespaces       map[string]int `json:"namespaces"`
	PendingMutations int            `json:"pending_mutations"`
	ActiveNamespaces []string       `json:"active_namespaces,omitempty"`
}

// Manager exposes usage introspection and cleanup.
type Manager struct {
	config  Config
	store   Store
	pending PendingClearer
	active  ActiveNamespaces
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a governance manager. pending and active may be nil;
// ClearAll then clears the queue directly and treats every namespace as
// inactive.
func NewManager(store Store, pending PendingClearer, active ActiveNamespaces, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		store:   store,
		pending: pending,
		active:  active,
		logger:  cfg.Logger.With("component", "governance"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// GetCacheSize reports storage used against the available quota.
func (m *Manager) GetCacheSize(ctx context.Context) (*localdb.Usage, error) {
	usage, err := m.store.EstimateUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("estimating usage: %w", err)
	}
	telemetry.UpdateStorageUsage(ctx, usage.UsedBytes, usage.QuotaBytes)
	return usage, nil
}

// CollectionCounts returns the record count of every collection.
func (m *Manager) CollectionCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, name := range m.store.Collections() {
		n, err := m.store.Count(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, err)
		}
		counts[name] = n
	}
	return counts, nil
}

// Stats combines usage, record counts and the mutation queue length.
func (m *Manager) Stats(ctx context.Context) (*Report, error) {
	usage, err := m.GetCacheSize(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}

	report := &Report{
		Usage:            *usage,
		Collections:      stats.Collections,
		Namespaces:       stats.Namespaces,
		PendingMutations: stats.PendingMutations,
	}
	if m.active != nil {
		report.ActiveNamespaces = m.active.ActiveNamespaces()
	}
	return report, nil
}

// CleanupOldCards keeps the keepCount most recently accessed cards and
// deletes the rest. It returns the number deleted.
func (m *Manager) CleanupOldCards(ctx context.Context, keepCount int) (int, error) {
	if keepCount < 0 {
		return 0, fmt.Errorf("keep count must not be negative: %d", keepCount)
	}

	start := m.now()
	deleted, err := m.store.EvictLeastRecentlyUsed(ctx, localdb.CollectionCards, keepCount)
	if err != nil {
		return 0, fmt.Errorf("evicting cards: %w", err)
	}
	telemetry.RecordGovernanceTask(ctx, "cleanup_cards", deleted, m.now().Sub(start))

	if deleted > 0 {
		m.logger.Info("cleaned up old cards", "deleted", deleted, "kept", keepCount)
	}
	return deleted, nil
}

// ClearCollection removes every record of collection.
func (m *Manager) ClearCollection(ctx context.Context, collection string) error {
	start := m.now()
	if err := m.store.Clear(ctx, collection); err != nil {
		return fmt.Errorf("clearing %s: %w", collection, err)
	}
	telemetry.RecordGovernanceTask(ctx, "clear_collection", 0, m.now().Sub(start))
	m.logger.Info("cleared collection", "collection", collection)
	return nil
}

// ClearAll removes every record, deletes inactive cache namespaces, empties
// the runtime caches of the active version and discards the mutation
// queue. Precached assets of the active version are kept so the
// application still loads offline.
func (m *Manager) ClearAll(ctx context.Context) error {
	start := m.now()
	var errs []error

	for _, name := range m.store.Collections() {
		if err := m.store.Clear(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("clearing %s: %w", name, err))
		}
	}

	var active []string
	if m.active != nil {
		active = m.active.ActiveNamespaces()
	}
	names, err := m.store.ListNamespaces(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing namespaces: %w", err))
	}
	for _, ns := range names {
		switch {
		case !slices.Contains(active, ns):
			err = m.store.DeleteNamespace(ctx, ns)
		case isPrecache(ns):
			continue
		default:
			err = m.store.ClearNamespace(ctx, ns)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("clearing namespace %s: %w", ns, err))
		}
	}

	if m.pending != nil {
		err = m.pending.ClearPendingChanges(ctx)
	} else {
		err = m.store.ClearMutationQueue(ctx)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("clearing mutation queue: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	telemetry.RecordGovernanceTask(ctx, "clear_all", 0, m.now().Sub(start))
	m.logger.Info("cleared all cached data", "kept_namespaces", active)
	return nil
}

func isPrecache(ns string) bool {
	return strings.HasPrefix(ns, "precache-v")
}

// Start begins the periodic card cleanup.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops the periodic cleanup and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single periodic cleanup pass.
func (m *Manager) RunOnce(ctx context.Context) {
	if _, err := m.GetCacheSize(ctx); err != nil {
		m.logger.Warn("failed to estimate usage", "error", err)
	}
	if m.config.MaxCards <= 0 {
		return
	}
	if _, err := m.CleanupOldCards(ctx, m.config.MaxCards); err != nil {
		m.logger.Error("periodic cleanup failed", "error", err)
	}
}
