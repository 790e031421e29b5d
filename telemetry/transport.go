package telemetry

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

type fetchPriorityKey struct{}

// WithFetchPriority marks outbound requests made with ctx as high or low
// priority image fetches.
func WithFetchPriority(ctx context.Context, high bool) context.Context {
	return context.WithValue(ctx, fetchPriorityKey{}, high)
}

func fetchPriority(ctx context.Context) string {
	high, ok := ctx.Value(fetchPriorityKey{}).(bool)
	switch {
	case !ok:
		return ""
	case high:
		return "high"
	default:
		return "low"
	}
}

// Transport records UpstreamFetch metrics for every request made through it.
type Transport struct {
	base     http.RoundTripper
	upstream string
}

// NewTransport wraps base, or http.DefaultTransport when nil, for upstream.
func NewTransport(base http.RoundTripper, upstream string) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, upstream: upstream}
}

// RoundTrip implements http.RoundTripper. Successful responses are recorded
// when their body reaches EOF or is closed, so the byte count is complete.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	f := UpstreamFetch{Upstream: t.upstream, Priority: fetchPriority(ctx)}
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		f.Outcome = errorOutcome(ctx, err)
		f.Duration = time.Since(start)
		RecordUpstreamFetch(ctx, f)
		return nil, err
	}

	f.Outcome = statusOutcome(resp.StatusCode)
	f.Media = MediaClass(resp.Header.Get("Content-Type"))
	resp.Body = &meteredBody{body: resp.Body, ctx: ctx, fetch: f, start: start}
	return resp, nil
}

func errorOutcome(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case ctx.Err() != nil:
		return "canceled"
	default:
		return "error"
	}
}

func statusOutcome(code int) string {
	switch {
	case code == http.StatusNotModified:
		return "not_modified"
	case code == http.StatusNotFound:
		return "not_found"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "redirect"
	default:
		return "ok"
	}
}

// MediaClass buckets a Content-Type into vector, raster, json, other or
// none.
func MediaClass(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return "none"
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "other"
	}
	switch {
	case mediaType == "image/svg+xml":
		return "vector"
	case strings.HasPrefix(mediaType, "image/"):
		return "raster"
	case mediaType == "application/json", strings.HasPrefix(mediaType, "application/vnd.pgrst"):
		return "json"
	default:
		return "other"
	}
}

// meteredBody counts bytes read and records the fetch once.
type meteredBody struct {
	body     io.ReadCloser
	ctx      context.Context
	fetch    UpstreamFetch
	start    time.Time
	recorded bool
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.fetch.Bytes += int64(n)
	if errors.Is(err, io.EOF) {
		b.record()
	}
	return n, err
}

func (b *meteredBody) Close() error {
	b.record()
	return b.body.Close()
}

func (b *meteredBody) record() {
	if b.recorded {
		return
	}
	b.recorded = true
	b.fetch.Duration = time.Since(b.start)
	RecordUpstreamFetch(b.ctx, b.fetch)
}
