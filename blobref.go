package journalmedia

import (
	"fmt"
	"strings"
)

// BlobRef points at image bytes retained in a blob backend. It is what the
// image cache hands out instead of the raw payload.
type BlobRef struct {
	Hash        Hash   `json:"hash"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// NewBlobRef builds a reference for data with the given content type.
func NewBlobRef(data []byte, contentType string) BlobRef {
	return BlobRef{
		Hash:        HashBytes(data),
		Size:        int64(len(data)),
		ContentType: contentType,
	}
}

// Key returns the backend storage key for the referenced blob.
func (r BlobRef) Key() string {
	return BlobStorageKey(r.Hash)
}

// String returns "blake3:<hex>".
func (r BlobRef) String() string {
	return "blake3:" + r.Hash.String()
}

// Blob storage key layout.

const blobKeyPrefix = "blobs"

// BlobStorageKey returns the backend storage key for a blob.
// Format: blobs/{hex[:2]}/{hex}
func BlobStorageKey(h Hash) string {
	hex := h.String()
	return blobKeyPrefix + "/" + hex[:2] + "/" + hex
}

// ParseBlobStorageKey extracts a Hash from a backend storage key.
func ParseBlobStorageKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != blobKeyPrefix {
		return Hash{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	h, err := ParseHash(parts[2])
	if err != nil {
		return Hash{}, fmt.Errorf("invalid blob key %q: %w", key, err)
	}
	if !strings.HasPrefix(parts[2], parts[1]) {
		return Hash{}, fmt.Errorf("blob key shard mismatch: %s", key)
	}
	return h, nil
}
