// Package download provides singleflight-based deduplication for concurrent
// upstream fetches. When several requests arrive for the same resource (an
// article listing for one journal, say), only one upstream fetch runs.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Func fetches from upstream. The context passed to Func is detached from
// any single request so that one caller timing out does not cancel the fetch
// for other waiters.
type Func[T any] func(ctx context.Context) (T, error)

// Downloader deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

type options struct {
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*options)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Downloader.
func New[T any](opts ...Option) *Downloader[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Downloader[T]{logger: o.logger}
}

// Do deduplicates concurrent fetches for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (d *Downloader[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			d.logger.Debug("fetch failed", "key", key, "shared", res.Shared, "error", res.Err)
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Typically called after a fetch error.
func (d *Downloader[T]) Forget(key string) {
	d.group.Forget(key)
}
