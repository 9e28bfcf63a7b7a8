package strategy

import (
	"context"
	"log/slog"
	"time"
)

// Set maps each resource class to its strategy.
type Set struct {
	byClass map[Class]Strategy
}

type setConfig struct {
	now             func() time.Time
	logger          *slog.Logger
	swrTTL          time.Duration
	networkFirstTTL time.Duration
	offlinePage     func(ctx context.Context) []byte
}

// Option configures a Set.
type Option func(*setConfig)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *setConfig) {
		c.now = now
	}
}

// WithLogger sets the logger used by every strategy.
func WithLogger(logger *slog.Logger) Option {
	return func(c *setConfig) {
		c.logger = logger
	}
}

// WithSWRTTL overrides the stale-while-revalidate freshness window.
func WithSWRTTL(ttl time.Duration) Option {
	return func(c *setConfig) {
		c.swrTTL = ttl
	}
}

// WithNetworkFirstTTL overrides the network-first fallback window.
func WithNetworkFirstTTL(ttl time.Duration) Option {
	return func(c *setConfig) {
		c.networkFirstTTL = ttl
	}
}

// WithOfflinePage sets the source of the precached offline page used by
// cache-first placeholders.
func WithOfflinePage(fn func(ctx context.Context) []byte) Option {
	return func(c *setConfig) {
		c.offlinePage = fn
	}
}

// NewSet builds the default class mapping: binary assets use
// stale-while-revalidate, data endpoints use network-first, and fonts and
// everything else use cache-first.
func NewSet(opts ...Option) *Set {
	cfg := &setConfig{
		now:             time.Now,
		logger:          slog.Default(),
		swrTTL:          DefaultSWRTTL,
		networkFirstTTL: DefaultNetworkFirstTTL,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	cacheFirst := &CacheFirst{OfflinePage: cfg.offlinePage, Logger: cfg.logger}
	return &Set{
		byClass: map[Class]Strategy{
			ClassBinary: &StaleWhileRevalidate{TTL: cfg.swrTTL, Now: cfg.now, Logger: cfg.logger},
			ClassFont:   cacheFirst,
			ClassData:   &NetworkFirst{TTL: cfg.networkFirstTTL, Now: cfg.now, Logger: cfg.logger},
			ClassOther:  cacheFirst,
		},
	}
}

// For returns the strategy for class. Unknown classes use the ClassOther strategy.
func (s *Set) For(class Class) Strategy {
	if st, ok := s.byClass[class]; ok {
		return st
	}
	return s.byClass[ClassOther]
}
