// Package telemetry carries request metadata for logging and OpenTelemetry
// metrics, and instruments outbound fetches to the article backend and
// image hosts.
package telemetry

import (
	"context"
	"net/http"
)

type tagsKey struct{}

// CacheResult is how a request was answered by the image cache.
type CacheResult string

const (
	CacheHit     CacheResult = "hit"
	CacheMiss    CacheResult = "miss"
	CachePending CacheResult = "pending"

	// CacheNone marks requests that never consult the image cache.
	CacheNone CacheResult = "none"
)

// RequestTags is filled in by handlers and read back by the logging
// middleware after the response is written.
type RequestTags struct {
	Area        string
	Endpoint    string
	CacheResult CacheResult

	// Source is the journal code of an issue request.
	Source string

	// ImageState is the state a rendered image settled in.
	ImageState string
}

// InjectTags attaches fresh tags for area to r and returns both.
func InjectTags(r *http.Request, area string) (*http.Request, *RequestTags) {
	tags := &RequestTags{Area: area, CacheResult: CacheNone}
	return r.WithContext(context.WithValue(r.Context(), tagsKey{}, tags)), tags
}

// GetTags returns the tags of r, or nil outside the logging middleware.
func GetTags(r *http.Request) *RequestTags {
	tags, _ := r.Context().Value(tagsKey{}).(*RequestTags)
	return tags
}

// SetCacheResult records how the image cache answered.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetEndpoint names the handler that served the request.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetSource records the journal an issue request resolved to.
func SetSource(r *http.Request, source string) {
	if tags := GetTags(r); tags != nil {
		tags.Source = source
	}
}

// SetImageState records the render outcome.
func SetImageState(r *http.Request, state string) {
	if tags := GetTags(r); tags != nil {
		tags.ImageState = state
	}
}

// LogAttrs returns the tags that were set, as slog key/value pairs.
func (t *RequestTags) LogAttrs() []any {
	if t == nil {
		return nil
	}
	attrs := []any{"area", t.Area}
	if t.Endpoint != "" {
		attrs = append(attrs, "endpoint", t.Endpoint)
	}
	if t.CacheResult != CacheNone && t.CacheResult != "" {
		attrs = append(attrs, "cache_result", string(t.CacheResult))
	}
	if t.Source != "" {
		attrs = append(attrs, "source", t.Source)
	}
	if t.ImageState != "" {
		attrs = append(attrs, "image_state", t.ImageState)
	}
	return attrs
}
