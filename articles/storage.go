package articles

import (
	"net/url"
	"strings"
)

// Storage resolves objects in the backend's public storage buckets.
type Storage struct {
	baseURL string
}

// NewStorage creates a resolver for the project at baseURL.
func NewStorage(baseURL string) *Storage {
	return &Storage{baseURL: strings.TrimSuffix(baseURL, "/")}
}

// URL returns a URL usable directly as an image or PDF source.
func (s *Storage) URL(bucket, key string) string {
	return StorageURL(s.baseURL, bucket, key)
}

// StorageURL builds <base>/storage/v1/object/public/<bucket>/<key>. Absolute
// URLs and data URIs in key are returned unchanged.
func StorageURL(base, bucket, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "data:") {
		return key
	}

	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.TrimSuffix(base, "/") + "/storage/v1/object/public/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}
