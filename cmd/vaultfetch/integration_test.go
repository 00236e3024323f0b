//go:build integration

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ligustah/vaultfetch/internal/testutils"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	b := testutils.NewBuild(t, testutils.BuildOptions{ChunkFill: 256 << 10, Compress: true},
		testutils.File{Name: "data/pack.bin", Data: testutils.Pattern(9, 1<<20)},
		testutils.File{Name: "bin/app", Data: testutils.Pattern(8, 4096), Executable: true},
	)
	manifestPath := writeManifest(t, b)

	t.Log("Starting CDN test server...")
	cdn := testutils.StartCDN(t, b)

	t.Log("Starting Minio container...")
	minio := testutils.StartMinioContainer(t, ctx, "cli-test-bucket")
	defer func() {
		if err := minio.Close(ctx); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	}()

	t.Run("mirror", func(t *testing.T) {
		exitCode := run([]string{"mirror",
			"--manifest", manifestPath,
			"--source", cdn.URL,
			"--bucket", minio.BucketURL,
			"--prefix", "app",
			"--write-manifest", "manifest.bin",
			"--workers", "4",
			"--verify",
		})
		if exitCode != ExitSuccess {
			t.Fatalf("mirror failed with exit code %d", exitCode)
		}
	})

	t.Run("validate", func(t *testing.T) {
		exitCode := run([]string{"validate",
			"--bucket", minio.BucketURL,
			"--prefix", "app",
			"--manifest-key", "manifest.bin",
		})
		if exitCode != ExitSuccess {
			t.Fatalf("validate failed with exit code %d", exitCode)
		}
	})

	t.Run("install", func(t *testing.T) {
		store, err := minio.OpenStore(ctx)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		defer store.Close()
		if _, err := store.Size(ctx, "app/manifest.bin"); err != nil {
			t.Fatalf("expected stored manifest: %v", err)
		}

		dir := filepath.Join(t.TempDir(), "app")
		exitCode := run([]string{"install",
			"--manifest", manifestPath,
			"--base-url", cdn.URL,
			"--install-dir", dir,
			"--shm-dir", t.TempDir(),
		})
		if exitCode != ExitSuccess {
			t.Fatalf("install failed with exit code %d", exitCode)
		}
		if exitCode := run([]string{"verify", "--manifest", manifestPath, "--install-dir", dir}); exitCode != ExitSuccess {
			t.Fatalf("verify failed with exit code %d", exitCode)
		}
	})

	t.Run("delete", func(t *testing.T) {
		exitCode := run([]string{"delete",
			"--bucket", minio.BucketURL,
			"--prefix", "app",
			"--manifest", manifestPath,
			"--force",
		})
		if exitCode != ExitSuccess {
			t.Fatalf("delete failed with exit code %d", exitCode)
		}

		// Validate should fail now
		exitCode = run([]string{"validate",
			"--bucket", minio.BucketURL,
			"--prefix", "app",
			"--manifest", manifestPath,
		})
		if exitCode != ExitValidationFailed {
			t.Fatalf("expected validation failure after delete, got %d", exitCode)
		}
	})
}
