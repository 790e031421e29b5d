package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/journal-media/articles"
	"github.com/wolfeidau/journal-media/imagecache"
	"github.com/wolfeidau/journal-media/issues"
)

type stubSource struct {
	rows map[string][]articles.Article
	err  error
}

func (s *stubSource) ListBySource(ctx context.Context, source string) ([]articles.Article, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rows[source], nil
}

// stubLoader fails URLs containing "broken" and blocks URLs containing "slow".
type stubLoader struct {
	mu    sync.Mutex
	loads []string
}

func (l *stubLoader) Load(ctx context.Context, u string, priority bool) error {
	l.mu.Lock()
	l.loads = append(l.loads, u)
	l.mu.Unlock()
	switch {
	case strings.Contains(u, "broken"):
		return errors.New("decode failed")
	case strings.Contains(u, "slow"):
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (l *stubLoader) Fetch(ctx context.Context, u string) ([]byte, string, error) {
	return []byte("img:" + u), "image/png", nil
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{
		BackendURL:    "https://x.supabase.co",
		ArticleSource: &stubSource{rows: sampleRows()},
		ImageLoader:   &stubLoader{},
		ImageHosts:    []string{"cdn.example.org", "h"},
		RenderTimeout: time.Second,
		LoadTimeout:   2 * time.Second,
		Logger:        slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.closeStores()
	})
	return s, ts
}

func sampleRows() map[string][]articles.Article {
	return map[string][]articles.Article{
		"IGM": {
			{ID: "a", Source: "IGM", Volume: "5", Issue: "2", PublicationDate: "2023-05-01", Abstract: "short", ImageURL: "igm_5_2.png"},
			{ID: "b", Source: "IGM", Volume: "5", Issue: "2", PublicationDate: "2023-05-01", Abstract: "a much longer and more detailed abstract"},
			{ID: "c", Source: "IGM", Volume: "5"},
		},
	}
}

func get(t *testing.T, u string) *http.Response {
	t.Helper()
	resp, err := http.Get(u)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func do(t *testing.T, method, u string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, u, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp := get(t, ts.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestIssues(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := get(t, ts.URL+"/issues/igm")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Source  string         `json:"source"`
		Issues  []issues.Issue `json:"issues"`
		Dropped int            `json:"dropped"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "IGM", body.Source)
	require.Equal(t, 1, body.Dropped)
	require.Len(t, body.Issues, 1)
	require.Equal(t, 2, body.Issues[0].ArticleCount)
	require.Equal(t, "a much longer and more detailed abstract", body.Issues[0].Abstract)
	require.Equal(t, "https://x.supabase.co/storage/v1/object/public/igm_covers/igm_5_2.png", body.Issues[0].CoverImage)

	resp = get(t, ts.URL+"/issues/RHCA")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Issues)
	require.Empty(t, body.Issues)

	resp = get(t, ts.URL+"/issues/nejm")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIssue(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := get(t, ts.URL+"/issues/IGM/IGM-5-2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var is issues.Issue
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&is))
	require.Equal(t, "IGM Volume 5, Issue 2", is.Title)

	resp = get(t, ts.URL+"/issues/IGM/IGM-9-9")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIssues_BackendFailure(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) {
		c.ArticleSource = &stubSource{err: errors.New("backend down")}
	})
	resp := get(t, ts.URL+"/issues/IGM")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestImageStatusAndBlob(t *testing.T) {
	s, ts := newTestServer(t, nil)
	img := "https://cdn.example.org/a.png"

	resp := get(t, ts.URL+"/images/status?url="+url.QueryEscape(img))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st imagecache.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.True(t, st.Pending())

	require.Eventually(t, func() bool {
		e, ok := s.Cache().Entry(img)
		return ok && e.Status.Blob != nil
	}, 2*time.Second, 5*time.Millisecond)

	resp = get(t, ts.URL+"/images/blob?url="+url.QueryEscape(img))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "img:"+img, string(data))

	resp = get(t, ts.URL+"/images/blob?url="+url.QueryEscape("https://cdn.example.org/none.png"))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, ts.URL+"/images/status")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreloadAndClear(t *testing.T) {
	s, ts := newTestServer(t, nil)

	resp := do(t, http.MethodPost, ts.URL+"/images/preload?priority=true&url="+url.QueryEscape("https://cdn.example.org/b.png"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, 1, s.Cache().Len())

	resp = get(t, ts.URL+"/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats imagecache.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, imagecache.DefaultMaxEntries, stats.MaxEntries)

	resp = do(t, http.MethodDelete, ts.URL+"/images/cache")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 0, s.Cache().Len())
}

func TestRender(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := get(t, ts.URL+"/images/render?priority=true&width=200&height=300&alt=Cover&src="+url.QueryEscape("https://cdn.example.org/ok.png"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "loaded", resp.Header.Get("X-Image-State"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "<img ")
	require.Contains(t, string(body), "width=200")

	resp = get(t, ts.URL+"/images/render?alt=Issue+PDF&src="+url.QueryEscape("https://h/storage/v1/object/public/rhca_covers/broken.png"))
	require.Equal(t, "failed", resp.Header.Get("X-Image-State"))
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `data-icon="document"`)

	resp = get(t, ts.URL+"/images/render?src=")
	require.Equal(t, "failed", resp.Header.Get("X-Image-State"))
}

func TestRender_TimeoutShowsSkeleton(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) {
		c.RenderTimeout = 50 * time.Millisecond
	})

	resp := get(t, ts.URL+"/images/render?src="+url.QueryEscape("https://cdn.example.org/slow.png"))
	require.Equal(t, "skeleton", resp.Header.Get("X-Image-State"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "image-skeleton")
}

func TestPlaceholderSVG(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := get(t, ts.URL+"/images/placeholder.svg?label=Cover&width=120&height=80")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `width="120"`)
}

func TestNew_BoltBlobStore(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.BlobPath = filepath.Join(t.TempDir(), "blobs.db")
	})
	require.NotNil(t, s.bolt)
}

func TestNew_RequiresArticleSource(t *testing.T) {
	_, err := New(Config{Logger: slog.New(slog.DiscardHandler), ImageLoader: &stubLoader{}})
	require.ErrorContains(t, err, "no article source")
}

func TestDeriveArea(t *testing.T) {
	require.Equal(t, "internal", deriveArea("/health"))
	require.Equal(t, "issues", deriveArea("/issues/IGM"))
	require.Equal(t, "images", deriveArea("/images/render"))
	require.Equal(t, "unknown", deriveArea("/"))
}

func TestImages_RejectUnknownHosts(t *testing.T) {
	var internalHits atomic.Int32
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		internalHits.Add(1)
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write([]byte("<svg>internal-secret</svg>"))
	}))
	defer internal.Close()

	s, ts := newTestServer(t, func(c *Config) {
		c.AuthToken = "secret"
		c.ImageLoader = nil
	})
	target := url.QueryEscape(internal.URL + "/admin/secret")

	resp := get(t, ts.URL+"/images/status?url="+target)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, ts.URL+"/images/blob?url="+target)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, ts.URL+"/images/render?src="+target)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/images/preload?url="+target, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, ts.URL+"/images/status?url="+url.QueryEscape("file:///etc/passwd"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Equal(t, 0, s.Cache().Len())
	require.Zero(t, internalHits.Load())
}

func TestNew_BackendHostAllowedForImages(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) {
		c.ImageHosts = nil
	})
	require.NoError(t, s.imageHosts.Check("https://x.supabase.co/storage/v1/object/public/igm_covers/a.png"))
	require.Error(t, s.imageHosts.Check("https://cdn.example.org/a.png"))
}
