package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/wolfeidau/journal-media/imageurl"
	"github.com/wolfeidau/journal-media/telemetry"
)

const (
	// DefaultLoadTimeout bounds a single load or blob fetch.
	DefaultLoadTimeout = 30 * time.Second

	// DefaultMaxImageSize caps the bytes read for one image.
	DefaultMaxImageSize = 16 << 20

	// priorityHigh and priorityLow are RFC 9218 urgency values.
	priorityHigh = "u=1"
	priorityLow  = "u=4"
)

var (
	// ErrNotImage is returned when the response is not a decodable image.
	ErrNotImage = errors.New("response is not a decodable image")

	// ErrTooLarge is returned when the image exceeds the size cap.
	ErrTooLarge = errors.New("image exceeds size limit")
)

// Loader performs the network side of a cache load.
type Loader interface {
	// Load fetches url and reports whether it decodes as an image.
	// priority requests elevated fetch priority.
	Load(ctx context.Context, url string, priority bool) error

	// Fetch retrieves the raw bytes and content type of url. It backs the
	// best-effort blob retention that follows a successful Load.
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// HTTPLoader loads images over HTTP.
type HTTPLoader struct {
	client  *http.Client
	maxSize int64
	allowed *imageurl.Allowlist
}

// HTTPLoaderOption configures an HTTPLoader.
type HTTPLoaderOption func(*HTTPLoader)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPLoaderOption {
	return func(l *HTTPLoader) {
		l.client = client
	}
}

// WithMaxImageSize sets the maximum number of bytes read per image.
func WithMaxImageSize(n int64) HTTPLoaderOption {
	return func(l *HTTPLoader) {
		l.maxSize = n
	}
}

// WithAllowedHosts restricts requests, including redirects, to hosts on the
// allowlist. Without it any http(s) host is fetched.
func WithAllowedHosts(a *imageurl.Allowlist) HTTPLoaderOption {
	return func(l *HTTPLoader) {
		l.allowed = a
	}
}

// NewHTTPLoader creates a loader whose requests are recorded as the
// "images" upstream.
func NewHTTPLoader(opts ...HTTPLoaderOption) *HTTPLoader {
	l := &HTTPLoader{
		client: &http.Client{
			Timeout:   DefaultLoadTimeout,
			Transport: telemetry.NewTransport(nil, "images"),
		},
		maxSize: DefaultMaxImageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.allowed != nil {
		client := *l.client
		next := client.CheckRedirect
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if err := l.allowed.Check(req.URL.String()); err != nil {
				return fmt.Errorf("redirect refused: %w", err)
			}
			if next != nil {
				return next(req, via)
			}
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		}
		l.client = &client
	}
	return l
}

// Load implements Loader.
func (l *HTTPLoader) Load(ctx context.Context, url string, priority bool) error {
	data, contentType, err := l.get(ctx, url, priority)
	if err != nil {
		return err
	}
	return checkDecodes(data, contentType)
}

// Fetch implements Loader.
func (l *HTTPLoader) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	return l.get(ctx, url, false)
}

func (l *HTTPLoader) get(ctx context.Context, url string, priority bool) ([]byte, string, error) {
	if l.allowed != nil {
		if err := l.allowed.Check(url); err != nil {
			return nil, "", err
		}
	}
	ctx = telemetry.WithFetchPriority(ctx, priority)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/*;q=0.8")
	if priority {
		req.Header.Set("Priority", priorityHigh)
	} else {
		req.Header.Set("Priority", priorityLow)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > l.maxSize {
		return nil, "", ErrTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// checkDecodes accepts SVG and WebP by content type and otherwise requires
// the registered image decoders to recognise the header.
func checkDecodes(data []byte, contentType string) error {
	if len(data) == 0 {
		return ErrNotImage
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "image/svg+xml", "image/webp", "image/avif":
		return nil
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return nil
}
