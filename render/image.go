package render

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wolfeidau/journal-media/imagecache"
	"github.com/wolfeidau/journal-media/imageurl"
	"github.com/wolfeidau/journal-media/telemetry"
)

const (
	// DefaultRootMargin is how close to the viewport, in pixels, an image
	// must come before it starts loading.
	DefaultRootMargin = 200

	// DefaultThreshold is the visible fraction that counts as intersecting.
	DefaultThreshold = 0.01

	maxRegistrations = 2
)

// Viewport reports when an element comes near the visible area.
type Viewport interface {
	// Observe calls onVisible once the element is within margin pixels of the
	// viewport with at least threshold of it visible. ok is false when the
	// runtime cannot observe intersections.
	Observe(margin int, threshold float64, onVisible func()) (disconnect func(), ok bool)
}

// ImageCache is the part of the image cache a renderer uses.
type ImageCache interface {
	Preload(url string, priority bool)
	Status(url string) imagecache.Status
	Subscribe(url string) (<-chan imagecache.Status, func())
}

// Renderer mounts images against a shared cache.
type Renderer struct {
	cache     ImageCache
	variants  imageurl.Variants
	logger    *slog.Logger
	margin    int
	threshold float64
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithVariants sets the bucket naming rules used for the alternate attempt.
func WithVariants(v imageurl.Variants) Option {
	return func(r *Renderer) {
		r.variants = v
	}
}

// WithLogger sets the logger for the renderer.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Renderer) {
		r.logger = logger
	}
}

// WithRootMargin sets the visibility margin in pixels.
func WithRootMargin(px int) Option {
	return func(r *Renderer) {
		r.margin = px
	}
}

// NewRenderer creates a renderer backed by cache.
func NewRenderer(cache ImageCache, opts ...Option) *Renderer {
	r := &Renderer{
		cache:     cache,
		variants:  imageurl.DefaultVariants,
		logger:    slog.Default(),
		margin:    DefaultRootMargin,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Image is one mounted image.
type Image struct {
	r     *Renderer
	props Props

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	view       View
	disconnect func()
	visible    bool

	startOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
}

// Mount starts an image. Loading begins at once for priority images or when
// vp is nil or cannot observe, and otherwise when vp reports visibility.
func (r *Renderer) Mount(ctx context.Context, props Props, vp Viewport) *Image {
	props = props.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	img := &Image{
		r:      r,
		props:  props,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		view: View{
			State:     Skeleton,
			Alt:       props.Alt,
			Width:     props.Width,
			Height:    props.Height,
			ObjectFit: props.ObjectFit,
			Priority:  props.Priority,
		},
	}

	if props.Src == "" {
		img.fail(false)
		return img
	}

	if props.Priority || vp == nil {
		img.start()
		return img
	}

	disconnect, ok := vp.Observe(r.margin, r.threshold, img.onVisible)
	if !ok {
		r.logger.Debug("intersection observation unavailable, loading eagerly", "src", props.Src)
		img.start()
		return img
	}

	img.mu.Lock()
	img.disconnect = disconnect
	seen := img.visible
	img.mu.Unlock()
	if seen {
		img.stopObserving()
	}
	return img
}

// View returns the current snapshot.
func (img *Image) View() View {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.view
}

// Wait blocks until the image is terminal or unmounted, or ctx is done, and
// returns the snapshot at that point.
func (img *Image) Wait(ctx context.Context) View {
	select {
	case <-img.done:
	case <-ctx.Done():
	}
	return img.View()
}

// Done is closed once the image is terminal or unmounted.
func (img *Image) Done() <-chan struct{} {
	return img.done
}

// Unmount stops observing and stops waiting on the cache. Any cache entry
// for the image is left in place.
func (img *Image) Unmount() {
	img.stopObserving()
	img.cancel()
	img.finish()
}

func (img *Image) onVisible() {
	img.mu.Lock()
	img.visible = true
	img.mu.Unlock()
	img.stopObserving()
	img.start()
}

func (img *Image) stopObserving() {
	img.mu.Lock()
	disconnect := img.disconnect
	img.disconnect = nil
	img.mu.Unlock()
	if disconnect != nil {
		disconnect()
	}
}

func (img *Image) start() {
	img.startOnce.Do(func() {
		go img.run()
	})
}

func (img *Image) finish() {
	img.doneOnce.Do(func() { close(img.done) })
}

func (img *Image) run() {
	defer img.finish()

	p := img.props
	url := imageurl.Optimize(p.Src, imageurl.Options{
		Width:   p.Width,
		Height:  p.Height,
		Quality: imageurl.Quality(p.UserAgent, p.Priority),
	})

	retried := false
	for {
		st, ok := img.await(url)
		if !ok {
			return
		}
		if st.Loaded {
			img.mu.Lock()
			img.view.State = Loaded
			img.view.URL = url
			img.view.Retried = retried
			img.mu.Unlock()
			telemetry.RecordRenderOutcome(img.ctx, "loaded", retried)
			return
		}
		if retried {
			break
		}
		alt, ok := img.r.variants.Alternate(url)
		if !ok || alt == url {
			break
		}
		img.r.logger.Debug("image failed, trying alternate bucket", "url", url, "alternate", alt)
		url = alt
		retried = true
	}
	img.fail(retried)
}

func (img *Image) fail(retried bool) {
	ph := NewPlaceholder(img.props.Alt, img.props.FallbackText)
	img.mu.Lock()
	img.view.State = Failed
	img.view.URL = ""
	img.view.Retried = retried
	img.view.Placeholder = &ph
	img.mu.Unlock()
	telemetry.RecordRenderOutcome(img.ctx, "placeholder", retried)
	img.finish()
}

// await registers url with the cache and waits for it to resolve. ok is
// false when the image was unmounted first. An entry removed while pending
// is registered once more; a second removal resolves as an error so
// competing renders cannot evict each other indefinitely.
func (img *Image) await(url string) (imagecache.Status, bool) {
	cache := img.r.cache
	for registrations := 0; ; registrations++ {
		if registrations == maxRegistrations {
			img.r.logger.Debug("image entry evicted while pending, giving up", "url", url)
			return imagecache.Status{Error: true}, true
		}

		ch, cancel := cache.Subscribe(url)
		cache.Preload(url, img.props.Priority)
		if st := cache.Status(url); !st.Pending() {
			cancel()
			return st, true
		}

		removed := false
		for !removed {
			select {
			case <-img.ctx.Done():
				cancel()
				return imagecache.Status{}, false
			case st, open := <-ch:
				if !open {
					removed = true
					continue
				}
				if !st.Pending() {
					cancel()
					return st, true
				}
			}
		}
	}
}
