package intercept

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/strategy"
)

// maxTransportBody caps bodies read through the round tripper.
const maxTransportBody = 10 * 1024 * 1024

// RoundTripper returns middleware for outbound HTTP clients: GET requests are
// served through the interceptor keyed by their full URL, everything else goes
// to base unchanged. If base is nil, http.DefaultTransport is used.
func (i *Interceptor) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{interceptor: i, base: base}
}

type roundTripper struct {
	interceptor *Interceptor
	base        http.RoundTripper
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		return t.base.RoundTrip(req)
	}

	sreq := strategy.Request{
		Key:          req.URL.String(),
		Class:        Classify(req.URL.Path, req.Header.Get("Accept")),
		Navigational: IsNavigational(req),
	}

	fetch := func(ctx context.Context, _ strategy.Request) (*strategy.Response, error) {
		resp, err := t.base.RoundTrip(req.Clone(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", offlinecache.ErrNetworkUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxTransportBody+1))
		if err != nil {
			return nil, fmt.Errorf("%w: reading body: %w", offlinecache.ErrNetworkUnavailable, err)
		}
		if len(body) > maxTransportBody {
			return nil, fmt.Errorf("response for %s exceeds %d bytes", req.URL, maxTransportBody)
		}
		return &strategy.Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
	}

	resp := t.interceptor.handle(req.Context(), sreq, fetch)

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Cache-Source", string(resp.Source))
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.Status, http.StatusText(resp.Status)),
		StatusCode:    resp.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}
