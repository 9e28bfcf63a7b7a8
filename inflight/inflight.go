// Package inflight collapses concurrent origin fetches for the same resource
// into one request. Every waiter receives its own copy of the response.
package inflight

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/offline-cache/strategy"
)

// Group deduplicates fetches by request key using singleflight. It uses
// DoChan so each caller can respect its own context deadline without
// cancelling the in-flight fetch for others.
type Group struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// New creates a new Group.
func New(opts ...Option) *Group {
	g := &Group{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fetch once for all concurrent callers sharing key.
// The fetch receives a context detached from any single caller's
// cancellation. Returns the response, whether it was shared with another
// caller, and any error.
//
// If the caller's context expires first, Do returns the context error while
// the fetch continues for other waiters.
func (g *Group) Do(ctx context.Context, key string, fetch strategy.FetchFunc, req strategy.Request) (*strategy.Response, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fetch(context.WithoutCancel(ctx), req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			g.forgetOnError(key, res.Err)
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			g.logger.Debug("shared in-flight fetch", "key", key)
		}
		return clone(res.Val.(*strategy.Response)), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Wrap returns a FetchFunc that deduplicates fetch by class and key.
func (g *Group) Wrap(fetch strategy.FetchFunc) strategy.FetchFunc {
	return func(ctx context.Context, req strategy.Request) (*strategy.Response, error) {
		resp, _, err := g.Do(ctx, string(req.Class)+":"+req.Key, fetch, req)
		return resp, err
	}
}

// Forget removes the key from the group, allowing a subsequent call to
// start a new fetch.
func (g *Group) Forget(key string) {
	g.group.Forget(key)
}

// forgetOnError drops a failed fetch so the next caller retries. Caller
// context errors are ignored since the shared fetch may still succeed.
func (g *Group) forgetOnError(key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	g.Forget(key)
}

// clone copies the mutable parts of a shared response. Bodies are never
// written after a fetch and are shared.
func clone(resp *strategy.Response) *strategy.Response {
	if resp == nil {
		return nil
	}
	out := *resp
	out.Header = resp.Header.Clone()
	return &out
}
