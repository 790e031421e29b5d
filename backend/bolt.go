package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxDecompressedSize caps decompression to guard against compression bombs.
	MaxDecompressedSize = 32 * 1024 * 1024

	codecRaw  byte = 0
	codecZstd byte = 1
)

var bucketBlobs = []byte("blobs")

// ErrCorruptValue is returned when a stored value has an unknown codec byte.
var ErrCorruptValue = errors.New("corrupt blob value")

// Bolt implements Backend on a single bbolt file. Values are prefixed with a
// codec byte and zstd-compressed when that makes them smaller, which matters
// for SVG covers and PDFs more than for already-compressed rasters.
type Bolt struct {
	db  *bbolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenBolt opens (or creates) the blob database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening blob database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Bolt{db: db, enc: enc, dec: dec}, nil
}

// Close releases the database file.
func (b *Bolt) Close() error {
	b.dec.Close()
	_ = b.enc.Close()
	return b.db.Close()
}

func (b *Bolt) encode(data []byte) []byte {
	if len(data) >= CompressionThreshold {
		compressed := b.enc.EncodeAll(data, make([]byte, 1, len(data)/2+1))
		if len(compressed) < len(data)+1 {
			compressed[0] = codecZstd
			return compressed
		}
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, codecRaw)
	return append(out, data...)
}

func (b *Bolt) decode(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return nil, ErrCorruptValue
	}
	switch v[0] {
	case codecRaw:
		return bytes.Clone(v[1:]), nil
	case codecZstd:
		data, err := b.dec.DecodeAll(v[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing blob: %w", err)
		}
		return data, nil
	default:
		return nil, ErrCorruptValue
	}
}

func (b *Bolt) Write(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	value := b.encode(data)
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(key), value)
	})
}

func (b *Bolt) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		var err error
		data, err = b.decode(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(key))
	})
}

func (b *Bolt) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketBlobs).Get([]byte(key)) != nil
		return nil
	})
	return exists, err
}

func (b *Bolt) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBlobs).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

var _ Backend = (*Bolt)(nil)
