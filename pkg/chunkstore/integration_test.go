//go:build integration

package chunkstore_test

import (
	"context"
	"testing"
	"time"

	vfhttp "github.com/ligustah/vaultfetch/internal/http"
	"github.com/ligustah/vaultfetch/internal/testutils"
	"github.com/ligustah/vaultfetch/pkg/chunkstore"
)

func TestMirrorToMinio(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	minio := testutils.StartMinioContainer(t, ctx, "chunkstore-test")
	defer minio.Close(ctx)

	b := threeFileBuild(t)
	cdn := testutils.StartCDN(t, b)

	store, err := minio.OpenStore(ctx, chunkstore.WithPrefix("mirror"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	res, err := store.Mirror(ctx, b.Manifest, vfhttp.NewClient(vfhttp.DefaultOptions()), cdn.URL, chunkstore.MirrorOptions{Verify: true})
	if err != nil {
		t.Fatalf("Mirror: %v", err)
	}
	if res.Copied != len(b.Chunks) {
		t.Errorf("expected %d copied, got %d", len(b.Chunks), res.Copied)
	}

	vr, err := store.Validate(ctx, b.Manifest)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !vr.Valid {
		t.Errorf("expected valid mirror, got %v", vr.Errors)
	}

	n, err := store.Delete(ctx, b.Manifest)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != len(b.Chunks) {
		t.Errorf("expected %d deleted, got %d", len(b.Chunks), n)
	}
}
