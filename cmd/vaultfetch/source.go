package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	vfhttp "github.com/ligustah/vaultfetch/internal/http"
	"github.com/ligustah/vaultfetch/pkg/chunkstore"
	"github.com/ligustah/vaultfetch/pkg/manifest"
)

func isHTTP(loc string) bool {
	return strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://")
}

// readManifest loads a manifest from a local path or an HTTP URL.
func readManifest(ctx context.Context, loc string, client *vfhttp.Client) (*manifest.Manifest, error) {
	var (
		data []byte
		err  error
	)
	if isHTTP(loc) {
		data, err = client.Get(ctx, loc)
	} else {
		data, err = os.ReadFile(loc)
	}
	if err != nil {
		return nil, withCode(ExitSourceNotAccess, fmt.Errorf("read manifest: %w", err))
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, withCode(ExitValidationFailed, fmt.Errorf("parse manifest %s: %w", loc, err))
	}
	return m, nil
}

// bucketFlags select a chunk store and the manifest describing its chunks.
type bucketFlags struct {
	bucket      string
	prefix      string
	manifest    string
	manifestKey string
}

func (f *bucketFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bucket, "bucket", "", "Bucket URL (required)")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "Key prefix inside the bucket")
	cmd.Flags().StringVar(&f.manifest, "manifest", "", "Manifest file path or URL")
	cmd.Flags().StringVar(&f.manifestKey, "manifest-key", "", "Manifest key inside the bucket")
}

func (f *bucketFlags) validate() error {
	if f.bucket == "" {
		return withCode(ExitInvalidArgs, fmt.Errorf("--bucket is required"))
	}
	if (f.manifest == "") == (f.manifestKey == "") {
		return withCode(ExitInvalidArgs, fmt.Errorf("exactly one of --manifest and --manifest-key is required"))
	}
	return nil
}

func (f *bucketFlags) open(ctx context.Context, client *vfhttp.Client) (*chunkstore.Store, *manifest.Manifest, error) {
	store, err := chunkstore.Open(ctx, f.bucket, chunkstore.WithPrefix(f.prefix))
	if err != nil {
		return nil, nil, withCode(ExitStorageError, err)
	}
	var m *manifest.Manifest
	if f.manifestKey != "" {
		m, err = store.ReadManifest(ctx, f.manifestKey)
		if err != nil {
			err = withCode(ExitStorageError, err)
		}
	} else {
		m, err = readManifest(ctx, f.manifest, client)
	}
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, m, nil
}
