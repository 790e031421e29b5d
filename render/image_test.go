package render

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/journal-media/imagecache"
	"github.com/wolfeidau/journal-media/imageurl"
)

// scriptedLoader fails any URL containing one of the fail substrings.
type scriptedLoader struct {
	mu    sync.Mutex
	fail  []string
	loads []string
}

func (l *scriptedLoader) Load(ctx context.Context, url string, priority bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads = append(l.loads, url)
	for _, f := range l.fail {
		if strings.Contains(url, f) {
			return errors.New("decode failed")
		}
	}
	return nil
}

func (l *scriptedLoader) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	return []byte(url), "image/png", nil
}

func (l *scriptedLoader) Loads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loads...)
}

type fakeViewport struct {
	mu           sync.Mutex
	supported    bool
	margin       int
	threshold    float64
	onVisible    func()
	disconnected bool
}

func (v *fakeViewport) Observe(margin int, threshold float64, onVisible func()) (func(), bool) {
	if !v.supported {
		return nil, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.margin, v.threshold, v.onVisible = margin, threshold, onVisible
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.disconnected = true
	}, true
}

func (v *fakeViewport) scrollIntoView() {
	v.mu.Lock()
	fn := v.onVisible
	v.mu.Unlock()
	fn()
}

func newRendererWith(t *testing.T, loader imagecache.Loader) (*Renderer, *imagecache.Cache) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cache := imagecache.New(loader, imagecache.WithLogger(logger))
	t.Cleanup(cache.Close)
	return NewRenderer(cache, WithLogger(logger)), cache
}

func waitView(t *testing.T, img *Image) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v := img.Wait(ctx)
	require.NoError(t, ctx.Err(), "image did not settle")
	return v
}

const rhcaCover = "https://x.supabase.co/storage/v1/object/public/rhca_covers/RHCA_vol_01_no_2.png"

func TestImage_AlternateBucketRetriedOnce(t *testing.T) {
	loader := &scriptedLoader{fail: []string{"rhca_covers", "rhca-covers"}}
	r, _ := newRendererWith(t, loader)

	img := r.Mount(context.Background(), Props{Src: rhcaCover, Alt: "RHCA cover", Width: 200, Height: 300, Priority: true}, nil)
	v := waitView(t, img)

	require.Equal(t, Failed, v.State)
	require.True(t, v.Retried)
	require.NotNil(t, v.Placeholder)

	loads := loader.Loads()
	require.Len(t, loads, 2, "one original load and exactly one alternate")
	require.Contains(t, loads[0], "/rhca_covers/RHCA_vol_01_no_2.png?")
	require.Contains(t, loads[0], "width=200")
	require.Contains(t, loads[0], "height=300")
	require.Contains(t, loads[1], "/rhca-covers/RHCA_vol_01_no_2.png?")
}

func TestImage_AlternateBucketSucceeds(t *testing.T) {
	loader := &scriptedLoader{fail: []string{"rhca_covers"}}
	r, _ := newRendererWith(t, loader)

	img := r.Mount(context.Background(), Props{Src: rhcaCover, Alt: "cover", Width: 200, Height: 300}, nil)
	v := waitView(t, img)

	require.Equal(t, Loaded, v.State)
	require.True(t, v.Retried)
	require.Contains(t, v.URL, "/rhca-covers/")
}

func TestImage_NoAlternateIsTerminal(t *testing.T) {
	loader := &scriptedLoader{fail: []string{"avatars"}}
	r, _ := newRendererWith(t, loader)

	img := r.Mount(context.Background(), Props{Src: "https://h/storage/v1/object/public/avatars/a.png", Alt: "Avatar"}, nil)
	v := waitView(t, img)

	require.Equal(t, Failed, v.State)
	require.False(t, v.Retried)
	require.Len(t, loader.Loads(), 1)
}

func TestImage_EmptySrcFailsWithoutNetwork(t *testing.T) {
	loader := &scriptedLoader{}
	r, cache := newRendererWith(t, loader)

	img := r.Mount(context.Background(), Props{Src: "  ", Alt: "Issue PDF", FallbackText: "No cover"}, nil)
	v := img.View()

	require.Equal(t, Failed, v.State)
	require.Equal(t, IconDocument, v.Placeholder.Icon)
	require.Equal(t, "No cover", v.Placeholder.Text)
	require.Empty(t, loader.Loads())
	require.Equal(t, 0, cache.Len())

	select {
	case <-img.Done():
	default:
		t.Fatal("empty source should settle immediately")
	}
}

func TestImage_DeferredUntilVisible(t *testing.T) {
	loader := &scriptedLoader{}
	r, cache := newRendererWith(t, loader)
	vp := &fakeViewport{supported: true}

	img := r.Mount(context.Background(), Props{Src: "https://cdn.example.org/a.png", Alt: "a"}, vp)
	require.Equal(t, Skeleton, img.View().State)
	require.Equal(t, DefaultRootMargin, vp.margin)
	require.InDelta(t, DefaultThreshold, vp.threshold, 1e-9)

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, loader.Loads())
	require.Equal(t, 0, cache.Len())

	vp.scrollIntoView()
	v := waitView(t, img)
	require.Equal(t, Loaded, v.State)

	vp.mu.Lock()
	require.True(t, vp.disconnected, "observer disconnected after first visibility")
	vp.mu.Unlock()
}

func TestImage_PriorityBypassesViewport(t *testing.T) {
	loader := &scriptedLoader{}
	r, _ := newRendererWith(t, loader)
	vp := &fakeViewport{supported: true}

	img := r.Mount(context.Background(), Props{Src: "https://cdn.example.org/hero.png", Priority: true}, vp)
	require.Equal(t, Loaded, waitView(t, img).State)
	require.Nil(t, vp.onVisible)
}

func TestImage_UnsupportedViewportFailsOpen(t *testing.T) {
	loader := &scriptedLoader{}
	r, _ := newRendererWith(t, loader)

	img := r.Mount(context.Background(), Props{Src: "https://cdn.example.org/a.png"}, &fakeViewport{supported: false})
	require.Equal(t, Loaded, waitView(t, img).State)
}

func TestImage_UnmountLeavesCacheEntry(t *testing.T) {
	loader := &scriptedLoader{}
	r, cache := newRendererWith(t, loader)
	vp := &fakeViewport{supported: true}

	img := r.Mount(context.Background(), Props{Src: "https://cdn.example.org/a.png"}, vp)
	vp.scrollIntoView()
	waitView(t, img)
	img.Unmount()

	require.Equal(t, 1, cache.Len())
	require.Equal(t, Loaded, img.View().State)
}

func TestImage_UnmountBeforeVisible(t *testing.T) {
	loader := &scriptedLoader{}
	r, _ := newRendererWith(t, loader)
	vp := &fakeViewport{supported: true}

	img := r.Mount(context.Background(), Props{Src: "https://cdn.example.org/a.png"}, vp)
	img.Unmount()

	v := waitView(t, img)
	require.Equal(t, Skeleton, v.State)
	require.Empty(t, loader.Loads())
	vp.mu.Lock()
	require.True(t, vp.disconnected)
	vp.mu.Unlock()
}

func TestImage_SharedCacheLoadsOnce(t *testing.T) {
	loader := &scriptedLoader{}
	r, _ := newRendererWith(t, loader)

	props := Props{Src: "https://cdn.example.org/a.png", Width: 100, Height: 100}
	a := r.Mount(context.Background(), props, nil)
	b := r.Mount(context.Background(), props, nil)
	require.Equal(t, Loaded, waitView(t, a).State)
	require.Equal(t, Loaded, waitView(t, b).State)
	require.Len(t, loader.Loads(), 1)
}

func TestParseObjectFit(t *testing.T) {
	require.Equal(t, FitContain, ParseObjectFit("Contain"))
	require.Equal(t, FitScaleDown, ParseObjectFit("scale-down"))
	require.Equal(t, FitCover, ParseObjectFit(""))
	require.Equal(t, FitCover, ParseObjectFit("stretch"))
}

type slowLoader struct {
	delay time.Duration
	loads atomic.Int64
}

func (l *slowLoader) Load(ctx context.Context, url string, priority bool) error {
	l.loads.Add(1)
	select {
	case <-time.After(l.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *slowLoader) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	return []byte(url), "image/png", nil
}

func TestImage_CompetingEvictionsAreBounded(t *testing.T) {
	loader := &slowLoader{delay: 50 * time.Millisecond}
	logger := slog.New(slog.DiscardHandler)
	cache := imagecache.New(loader, imagecache.WithMaxEntries(1), imagecache.WithLogger(logger))
	t.Cleanup(cache.Close)
	r := NewRenderer(cache, WithLogger(logger))

	a := r.Mount(context.Background(), Props{Src: "https://cdn.example.org/a.png", Priority: true}, nil)
	b := r.Mount(context.Background(), Props{Src: "https://cdn.example.org/b.png", Priority: true}, nil)

	va := waitView(t, a)
	vb := waitView(t, b)
	require.NotEqual(t, Skeleton, va.State)
	require.NotEqual(t, Skeleton, vb.State)

	// Each mount registers at most twice, and each registration preloads at
	// most twice.
	require.LessOrEqual(t, cache.Stats().LoadsStarted, int64(8))
	require.LessOrEqual(t, loader.loads.Load(), int64(8))
}

func TestImage_CustomVariantsAndMargin(t *testing.T) {
	loader := &scriptedLoader{fail: []string{"/journal_art/"}}
	logger := slog.New(slog.DiscardHandler)
	cache := imagecache.New(loader, imagecache.WithLogger(logger))
	t.Cleanup(cache.Close)
	r := NewRenderer(cache,
		WithLogger(logger),
		WithRootMargin(50),
		WithVariants(imageurl.Variants{{From: "journal_art", To: "journal-art"}}),
	)
	vp := &fakeViewport{supported: true}

	img := r.Mount(context.Background(), Props{Src: "https://h/storage/v1/object/public/journal_art/x.png"}, vp)
	require.Equal(t, 50, vp.margin)

	vp.scrollIntoView()
	v := waitView(t, img)
	require.Equal(t, Loaded, v.State)
	require.True(t, v.Retried)
	require.Contains(t, v.URL, "/journal-art/x.png")

	loads := loader.Loads()
	require.Len(t, loads, 2)
}
