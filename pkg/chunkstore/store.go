package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/vaultfetch/pkg/manifest"
)

// ErrNotFound is wrapped by errors for objects that do not exist.
var ErrNotFound = errors.New("chunkstore: object not found")

// Options configures a Store.
type Options struct {
	// Prefix is prepended to every key.
	Prefix string
}

// Option is a functional option for configuring a Store.
type Option func(*Options)

// WithPrefix places every key under prefix.
func WithPrefix(prefix string) Option {
	return func(o *Options) {
		o.Prefix = prefix
	}
}

// Store is a chunk store backed by a blob bucket.
type Store struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
}

// Open opens the bucket at bucketURL. The store owns the bucket and closes
// it on Close. The driver for the URL scheme must be linked in by the caller.
func Open(ctx context.Context, bucketURL string, options ...Option) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open bucket: %w", err)
	}
	s := New(bucket, options...)
	s.owned = true
	return s, nil
}

// New wraps an existing bucket handle.
func New(bucket *blob.Bucket, options ...Option) *Store {
	opts := Options{}
	for _, opt := range options {
		opt(&opts)
	}
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{bucket: bucket, prefix: prefix}
}

// IsBucketURL reports whether s names a bucket rather than an HTTP location.
func IsBucketURL(s string) bool {
	scheme, _, ok := strings.Cut(s, "://")
	if !ok {
		return false
	}
	switch scheme {
	case "mem", "file", "s3", "gs":
		return true
	}
	return false
}

// Close closes the bucket if the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

// Key returns the object key of chunk c of m.
func (s *Store) Key(m *manifest.Manifest, c *manifest.ChunkInfo) string {
	return m.ChunkPath(c)
}

func (s *Store) object(key string) string {
	return s.prefix + strings.TrimPrefix(path.Clean("/"+key), "/")
}

// Fetch reads the object at key.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.object(key))
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("chunkstore: read %s: %w", key, err)
	}
	return data, nil
}

// Put writes data to key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, s.object(key), data, nil); err != nil {
		return fmt.Errorf("chunkstore: write %s: %w", key, err)
	}
	return nil
}

// Size returns the stored size of key.
func (s *Store) Size(ctx context.Context, key string) (int64, error) {
	attrs, err := s.bucket.Attributes(ctx, s.object(key))
	if err != nil {
		if isNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return 0, fmt.Errorf("chunkstore: stat %s: %w", key, err)
	}
	return attrs.Size, nil
}

// ReadManifest loads and parses the manifest stored at key.
func (s *Store) ReadManifest(ctx context.Context, key string) (*manifest.Manifest, error) {
	data, err := s.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: parse manifest %s: %w", key, err)
	}
	return m, nil
}

// WriteManifest stores m at key in binary form.
func (s *Store) WriteManifest(ctx context.Context, key string, m *manifest.Manifest) error {
	data, err := manifest.EncodeBinary(m)
	if err != nil {
		return fmt.Errorf("chunkstore: encode manifest: %w", err)
	}
	return s.Put(ctx, key, data)
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
