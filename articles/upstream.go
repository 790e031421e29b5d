package articles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/journal-media/telemetry"
)

const (
	// DefaultTable is the article table name.
	DefaultTable = "articles"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second
)

// Upstream queries articles through the backend's REST interface
// (PostgREST conventions under /rest/v1).
type Upstream struct {
	baseURL string
	apiKey  string
	table   string
	client  *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithBaseURL sets the backend project URL.
func WithBaseURL(u string) UpstreamOption {
	return func(up *Upstream) {
		up.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithAPIKey sets the key sent as both apikey and bearer token.
func WithAPIKey(key string) UpstreamOption {
	return func(up *Upstream) {
		up.apiKey = key
	}
}

// WithTable sets the table queried.
func WithTable(table string) UpstreamOption {
	return func(up *Upstream) {
		up.table = table
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(up *Upstream) {
		up.client = client
	}
}

// NewUpstream creates a new REST article client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		table: DefaultTable,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewTransport(nil, "articles"),
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Upstream) setAuth(req *http.Request) {
	if u.apiKey != "" {
		req.Header.Set("apikey", u.apiKey)
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}
}

// ListBySource implements Source.
func (u *Upstream) ListBySource(ctx context.Context, source string) ([]Article, error) {
	source, err := NormalizeSource(source)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("select", "*")
	q.Set("source", "eq."+source)
	q.Set("order", "publication_date.desc")
	target := fmt.Sprintf("%s/rest/v1/%s?%s", u.baseURL, url.PathEscape(u.table), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	u.setAuth(req)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}

	var rows []Article
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding articles: %w", err)
	}
	return rows, nil
}

var _ Source = (*Upstream)(nil)
