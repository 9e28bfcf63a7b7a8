// Package intercept routes resource requests through the cache strategies and
// owns the lifecycle of the versioned cache namespaces: install with
// precache, activation with claim, and garbage collection of old versions.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/inflight"
	"github.com/wolfeidau/offline-cache/store/localdb"
	"github.com/wolfeidau/offline-cache/strategy"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// metaActiveVersion is the meta key holding the active cache version.
const metaActiveVersion = "active_version"

var (
	// ErrNotInstalled is returned by Activate before a successful Install.
	ErrNotInstalled = errors.New("intercept: no installed version")

	// ErrInvalidVersion is returned for versions below 1.
	ErrInvalidVersion = errors.New("intercept: version must be positive")
)

// Store is the subset of the local store used by the interceptor.
type Store interface {
	PutEntry(ctx context.Context, namespace, key string, payload []byte) error
	GetEntry(ctx context.Context, namespace, key string) (*localdb.CacheEntry, error)
	CreateNamespace(ctx context.Context, namespace string) error
	ListNamespaces(ctx context.Context) ([]string, error)
	DeleteNamespace(ctx context.Context, namespace string) error
	PutMeta(ctx context.Context, key string, value []byte) error
	GetMeta(ctx context.Context, key string) ([]byte, error)
}

// Interceptor serves requests from the active cache generation.
type Interceptor struct {
	store      Store
	fetch      strategy.FetchFunc
	strategies *strategy.Set
	manifest   Manifest
	logger     *slog.Logger
	dedupe     bool
	setOpts    []strategy.Option

	mu        sync.RWMutex
	active    int // 0 until a version is activated
	installed int // last successfully installed version
	closed    bool

	// ctx bounds background revalidation; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interceptor) {
		i.logger = logger
	}
}

// WithManifest sets the precache manifest.
func WithManifest(m Manifest) Option {
	return func(i *Interceptor) {
		i.manifest = m
	}
}

// WithStrategies replaces the default strategy set.
func WithStrategies(set *strategy.Set) Option {
	return func(i *Interceptor) {
		i.strategies = set
	}
}

// WithStrategyOptions configures the default strategy set. It is ignored
// when WithStrategies is used.
func WithStrategyOptions(opts ...strategy.Option) Option {
	return func(i *Interceptor) {
		i.setOpts = append(i.setOpts, opts...)
	}
}

// WithDeduplication collapses concurrent fetches of the same resource.
func WithDeduplication() Option {
	return func(i *Interceptor) {
		i.dedupe = true
	}
}

// New creates an interceptor that fetches misses with fetch.
func New(store Store, fetch strategy.FetchFunc, opts ...Option) *Interceptor {
	ctx, cancel := context.WithCancel(context.Background())
	i := &Interceptor{
		store:    store,
		manifest: DefaultManifest(),
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "intercept")
	if i.strategies == nil {
		opts := append([]strategy.Option{strategy.WithLogger(i.logger)}, i.setOpts...)
		i.strategies = strategy.NewSet(append(opts, strategy.WithOfflinePage(i.offlinePage))...)
	}
	if i.dedupe {
		fetch = inflight.New(inflight.WithLogger(i.logger)).Wrap(fetch)
	}
	i.fetch = fetch
	return i
}

// Ready reports whether a version is active.
func (i *Interceptor) Ready() bool {
	return i.ActiveVersion() > 0
}

// ActiveVersion returns the active cache version, 0 when none.
func (i *Interceptor) ActiveVersion() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.active
}

// ActiveNamespaces returns the namespaces of the active version.
func (i *Interceptor) ActiveNamespaces() []string {
	v := i.ActiveVersion()
	if v == 0 {
		return nil
	}
	return versionNamespaces(v)
}

// Install creates the namespaces of version and precaches the manifest into
// them. Any failure aborts the install and removes what it created.
func (i *Interceptor) Install(ctx context.Context, version int) error {
	if version < 1 {
		return ErrInvalidVersion
	}
	logger := i.logger.With("version", version)

	for _, ns := range versionNamespaces(version) {
		if err := i.store.CreateNamespace(ctx, ns); err != nil {
			return fmt.Errorf("creating namespace %s: %w", ns, err)
		}
	}

	if err := i.precache(ctx, version); err != nil {
		logger.Error("install failed", "error", err)
		if stored, _ := i.storedVersion(ctx); version != stored && version != i.ActiveVersion() {
			i.dropVersion(ctx, version)
		}
		return fmt.Errorf("installing version %d: %w", version, err)
	}

	i.mu.Lock()
	i.installed = version
	i.mu.Unlock()

	logger.Info("installed cache version")
	return nil
}

// precache fetches the shell, the icons it links and every manifest asset.
func (i *Interceptor) precache(ctx context.Context, version int) error {
	ns := precacheNamespace(version)

	var paths []string
	if i.manifest.ShellPath != "" {
		shell, err := i.precacheOne(ctx, ns, i.manifest.ShellPath, true)
		if err != nil {
			return err
		}
		icons, err := DiscoverIcons(shell, i.manifest.ShellPath)
		if err != nil {
			i.logger.Warn("icon discovery failed", "error", err)
		}
		paths = append(paths, icons...)
	}
	paths = append(paths, i.manifest.paths()...)

	for _, p := range paths {
		if _, err := i.precacheOne(ctx, ns, p, false); err != nil {
			return err
		}
	}
	return nil
}

func (i *Interceptor) precacheOne(ctx context.Context, ns, key string, navigational bool) ([]byte, error) {
	req := strategy.Request{Key: key, Class: Classify(key, ""), Navigational: navigational}
	resp, err := i.fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("precaching %s: %w", key, err)
	}
	if resp.Status < http.StatusOK || resp.Status >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("precaching %s: %w: origin returned %d", key, offlinecache.ErrNetworkUnavailable, resp.Status)
	}
	if err := i.store.PutEntry(ctx, ns, key, resp.Body); err != nil {
		return nil, fmt.Errorf("storing %s: %w", key, err)
	}
	return resp.Body, nil
}

// Activate makes the installed version active for all subsequent requests
// and deletes every namespace of another version.
func (i *Interceptor) Activate(ctx context.Context) error {
	i.mu.RLock()
	version := i.installed
	i.mu.RUnlock()
	if version == 0 {
		return ErrNotInstalled
	}

	if err := i.store.PutMeta(ctx, metaActiveVersion, []byte(strconv.Itoa(version))); err != nil {
		return fmt.Errorf("persisting active version: %w", err)
	}

	i.mu.Lock()
	previous := i.active
	i.active = version
	i.mu.Unlock()

	i.logger.Info("activated cache version", "version", version, "previous", previous)
	return i.collectGarbage(ctx, version)
}

// Start installs and activates version. When the install fails but version
// was already active in a previous run, its caches are resumed so the
// application keeps working offline.
func (i *Interceptor) Start(ctx context.Context, version int) error {
	installErr := i.Install(ctx, version)
	if installErr == nil {
		return i.Activate(ctx)
	}

	if i.resume(ctx, version) {
		i.logger.Warn("install failed, resuming cached version", "version", version, "error", installErr)
		return nil
	}
	return installErr
}

// resume activates version from a previous run without refetching.
func (i *Interceptor) resume(ctx context.Context, version int) bool {
	stored, err := i.storedVersion(ctx)
	if err != nil || stored != version {
		return false
	}
	if i.manifest.ShellPath != "" {
		if _, err := i.store.GetEntry(ctx, precacheNamespace(version), i.manifest.ShellPath); err != nil {
			return false
		}
	}

	i.mu.Lock()
	i.active = version
	i.installed = version
	i.mu.Unlock()
	return true
}

// storedVersion returns the version persisted by the last activation.
func (i *Interceptor) storedVersion(ctx context.Context) (int, error) {
	raw, err := i.store.GetMeta(ctx, metaActiveVersion)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(raw))
}

// collectGarbage deletes every versioned namespace not owned by keep.
func (i *Interceptor) collectGarbage(ctx context.Context, keep int) error {
	names, err := i.store.ListNamespaces(ctx)
	if err != nil {
		return fmt.Errorf("listing namespaces: %w", err)
	}

	for _, name := range names {
		_, version, ok := parseNamespace(name)
		if !ok || version == keep {
			continue
		}
		if err := i.store.DeleteNamespace(ctx, name); err != nil {
			return fmt.Errorf("deleting namespace %s: %w", name, err)
		}
		i.logger.Info("deleted stale namespace", "namespace", name, "version", version)
	}
	return nil
}

func (i *Interceptor) dropVersion(ctx context.Context, version int) {
	for _, ns := range versionNamespaces(version) {
		if err := i.store.DeleteNamespace(ctx, ns); err != nil {
			i.logger.Warn("failed to remove namespace after failed install", "namespace", ns, "error", err)
		}
	}
}

// offlinePage returns the precached offline page of the active version.
func (i *Interceptor) offlinePage(ctx context.Context) []byte {
	v := i.ActiveVersion()
	if v == 0 || i.manifest.OfflinePath == "" {
		return nil
	}
	entry, err := i.store.GetEntry(ctx, precacheNamespace(v), i.manifest.OfflinePath)
	if err != nil {
		return nil
	}
	return entry.Payload
}

// Handle serves req and always returns a response. Before activation the
// request is passed straight to the network.
func (i *Interceptor) Handle(ctx context.Context, req strategy.Request) *strategy.Response {
	return i.handle(ctx, req, i.fetch)
}

func (i *Interceptor) handle(ctx context.Context, req strategy.Request, fetch strategy.FetchFunc) *strategy.Response {
	version := i.ActiveVersion()
	logger := i.logger.With("key", req.Key, "class", req.Class)

	if version == 0 {
		resp, err := fetch(ctx, req)
		if err != nil {
			logger.Debug("passthrough fetch failed", "error", err)
			return strategy.OfflineResponse(req, nil)
		}
		resp.Source = strategy.SourceNetwork
		return resp
	}

	// Precached assets take precedence over runtime caching.
	if entry := i.lookup(ctx, precacheNamespace(version), req.Key); entry != nil {
		telemetry.SetCacheResultContext(ctx, telemetry.CacheHit)
		return i.cachedResponse(req, entry)
	}

	ns := classNamespace(req.Class, version)
	var entry *strategy.Entry
	if e := i.lookup(ctx, ns, req.Key); e != nil {
		entry = &strategy.Entry{Body: e.Payload, StoredAt: e.StoredAt}
	}

	out := i.strategies.For(req.Class).Resolve(ctx, req, entry, fetch)

	if out.Store {
		if err := i.store.PutEntry(ctx, ns, req.Key, out.Response.Body); err != nil {
			logger.Warn("failed to store response", "namespace", ns, "error", err)
		}
	}
	if out.Revalidate {
		i.revalidate(ns, req, fetch)
	}

	resp := out.Response
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if resp.Header.Get("Content-Type") == "" && len(resp.Body) > 0 {
		resp.Header.Set("Content-Type", contentType(req))
	}
	return resp
}

func (i *Interceptor) lookup(ctx context.Context, ns, key string) *localdb.CacheEntry {
	entry, err := i.store.GetEntry(ctx, ns, key)
	if err != nil {
		if !errors.Is(err, offlinecache.ErrNotFound) {
			i.logger.Warn("cache read failed", "namespace", ns, "key", key, "error", err)
		}
		return nil
	}
	return entry
}

func (i *Interceptor) cachedResponse(req strategy.Request, entry *localdb.CacheEntry) *strategy.Response {
	return &strategy.Response{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {contentType(req)}},
		Body:     entry.Payload,
		Source:   strategy.SourceCache,
		StoredAt: entry.StoredAt,
	}
}

// revalidate refreshes key in the background. Errors are logged and
// swallowed; the refresh is bounded only by Close.
func (i *Interceptor) revalidate(ns string, req strategy.Request, fetch strategy.FetchFunc) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return
	}

	i.wg.Go(func() {
		ctx := telemetry.WithClassContext(i.ctx, string(req.Class))
		logger := i.logger.With("key", req.Key, "namespace", ns)

		resp, err := fetch(ctx, req)
		if err == nil && (resp.Status < http.StatusOK || resp.Status >= http.StatusMultipleChoices) {
			err = fmt.Errorf("origin returned %d", resp.Status)
		}
		if err == nil {
			err = i.store.PutEntry(ctx, ns, req.Key, resp.Body)
		}
		if err != nil {
			telemetry.RecordRevalidation(ctx, "error")
			logger.Debug("background revalidation failed", "error", err)
			return
		}
		telemetry.RecordRevalidation(ctx, "success")
		logger.Debug("revalidated entry")
	})
}

// Wait blocks until every background revalidation has finished.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

// Close cancels background revalidation and waits for it to stop.
func (i *Interceptor) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	i.cancel()
	i.wg.Wait()
	return nil
}
