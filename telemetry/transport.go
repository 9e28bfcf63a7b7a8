package telemetry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Origin fetch outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeNotModified = "not_modified"
	OutcomeRedirect    = "3xx"
	OutcomeClientError = "4xx"
	OutcomeServerError = "5xx"
	OutcomeOffline     = "offline"
	OutcomeTimeout     = "timeout"
	OutcomeCanceled    = "canceled"
	OutcomeError       = "error"
)

// InstrumentedTransport records origin fetch metrics per resource class.
type InstrumentedTransport struct {
	base  http.RoundTripper
	class string
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when nil.
// An empty class is taken from the request context, see WithClassContext.
func NewInstrumentedTransport(base http.RoundTripper, class string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, class: class}
}

// RoundTrip implements http.RoundTripper. Failed round trips are recorded
// immediately; successful ones once the body is drained or closed.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	m := &measurement{ctx: ctx, class: t.classFor(ctx), start: time.Now()}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		m.outcome = errorOutcome(ctx, err)
		m.finish()
		return nil, err
	}

	m.outcome = statusOutcome(resp.StatusCode)
	resp.Body = &measuredBody{ReadCloser: resp.Body, m: m}
	return resp, nil
}

func (t *InstrumentedTransport) classFor(ctx context.Context) string {
	if t.class != "" {
		return t.class
	}
	if c := ClassFromContext(ctx); c != "" {
		return c
	}
	return "origin"
}

// errorOutcome separates an unreachable origin from other transport failures.
func errorOutcome(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return OutcomeCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return OutcomeOffline
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return OutcomeOffline
	}
	return OutcomeError
}

func statusOutcome(status int) string {
	switch {
	case status == http.StatusNotModified:
		return OutcomeNotModified
	case status >= 500:
		return OutcomeServerError
	case status >= 400:
		return OutcomeClientError
	case status >= 300:
		return OutcomeRedirect
	default:
		return OutcomeSuccess
	}
}

// measurement is one origin fetch, recorded exactly once.
type measurement struct {
	ctx     context.Context
	class   string
	start   time.Time
	outcome string
	bytes   int64
	once    sync.Once
}

func (m *measurement) finish() {
	m.once.Do(func() {
		RecordUpstreamFetch(m.ctx, m.class, time.Since(m.start), m.bytes, m.outcome)
	})
}

// measuredBody counts body bytes and finishes the measurement at EOF or Close.
type measuredBody struct {
	io.ReadCloser
	m *measurement
}

func (b *measuredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.m.bytes += int64(n)
	if errors.Is(err, io.EOF) {
		b.m.finish()
	}
	return n, err
}

func (b *measuredBody) Close() error {
	b.m.finish()
	return b.ReadCloser.Close()
}
