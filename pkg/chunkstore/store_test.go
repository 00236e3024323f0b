package chunkstore_test

import (
	"context"
	"errors"
	"testing"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/ligustah/vaultfetch/internal/testutils"
	"github.com/ligustah/vaultfetch/pkg/chunkstore"
)

func openMem(t *testing.T, opts ...chunkstore.Option) (*chunkstore.Store, *blob.Bucket) {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { bucket.Close() })
	return chunkstore.New(bucket, opts...), bucket
}

func TestFetchNotFound(t *testing.T) {
	s, _ := openMem(t)
	_, err := s.Fetch(context.Background(), "ChunksV4/00/missing.chunk")
	if !errors.Is(err, chunkstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Size(context.Background(), "missing"); !errors.Is(err, chunkstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Size, got %v", err)
	}
}

func TestPrefix(t *testing.T) {
	ctx := context.Background()
	s, bucket := openMem(t, chunkstore.WithPrefix("/builds/v1/"))

	if err := s.Put(ctx, "ChunksV4/01/a.chunk", []byte("abc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	raw, err := bucket.ReadAll(ctx, "builds/v1/ChunksV4/01/a.chunk")
	if err != nil {
		t.Fatalf("expected object under prefix: %v", err)
	}
	if string(raw) != "abc" {
		t.Errorf("expected abc, got %q", raw)
	}

	// Keys cannot climb out of the prefix.
	if err := s.Put(ctx, "../../escape", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, _ := bucket.Exists(ctx, "builds/v1/escape"); !ok {
		t.Errorf("expected cleaned key to stay under prefix")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := openMem(t)
	b := testutils.NewBuild(t, testutils.BuildOptions{},
		testutils.File{Name: "data/a.bin", Data: testutils.Pattern(1, 1000)},
	)

	if err := s.WriteManifest(ctx, "manifest.bin", b.Manifest); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	m, err := s.ReadManifest(ctx, "manifest.bin")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.Meta.BuildID != b.Manifest.Meta.BuildID {
		t.Errorf("expected build id %s, got %s", b.Manifest.Meta.BuildID, m.Meta.BuildID)
	}
	if f := m.File("data/a.bin"); f == nil || f.FileSize != 1000 {
		t.Errorf("expected data/a.bin of 1000 bytes, got %+v", f)
	}
}

func TestIsBucketURL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"mem://", true},
		{"file:///srv/chunks", true},
		{"s3://bucket?region=us-east-1", true},
		{"gs://bucket", true},
		{"https://cdn.example.com/builds", false},
		{"/srv/chunks", false},
	}
	for _, tt := range tests {
		if got := chunkstore.IsBucketURL(tt.in); got != tt.want {
			t.Errorf("IsBucketURL(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}
