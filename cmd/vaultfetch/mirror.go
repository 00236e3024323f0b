package main

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"

	vfhttp "github.com/ligustah/vaultfetch/internal/http"
	"github.com/ligustah/vaultfetch/internal/progress"
	"github.com/ligustah/vaultfetch/pkg/chunkstore"
	"github.com/ligustah/vaultfetch/pkg/manifest"
)

func newMirrorCommand(c *commandContext) *cobra.Command {
	var (
		bf        bucketFlags
		source    string
		workers   int
		verify    bool
		unpackDir string
		writeKey  string
	)

	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Copy the chunks of a build from a CDN or bucket into a bucket",
		Long: `Copy every chunk of a manifest from --source (an HTTP base URL or a bucket URL)
into --bucket. Chunks already stored with the expected size are skipped, so an
interrupted mirror resumes. --unpack-dir additionally writes the decompressed
chunk payloads to a local cache usable by install --cache-dir.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bf.validate(); err != nil {
				return err
			}
			if source == "" {
				return withCode(ExitInvalidArgs, fmt.Errorf("--source is required"))
			}
			if _, err := c.loadConfig(); err != nil {
				return err
			}
			log := c.logger("mirror")
			ctx := cmd.Context()
			client := vfhttp.NewClient(vfhttp.DefaultOptions())

			store, m, err := bf.open(ctx, client)
			if err != nil {
				return err
			}
			defer store.Close()

			var (
				src     chunkstore.Source = client
				srcBase                   = source
			)
			if chunkstore.IsBucketURL(source) {
				s, err := chunkstore.Open(ctx, source)
				if err != nil {
					return withCode(ExitSourceNotAccess, err)
				}
				defer s.Close()
				src, srcBase = s, ""
			}

			total := len(m.ChunkDataList.Elements)
			var done atomic.Int32
			res, err := store.Mirror(ctx, m, src, srcBase, chunkstore.MirrorOptions{
				Workers: workers,
				Verify:  verify,
				OnChunk: func(ch *manifest.ChunkInfo, copied bool, size int64) {
					n := done.Add(1)
					fmt.Fprintf(os.Stderr, "\r[vaultfetch] Mirroring: %d/%d chunks", n, total)
					log.Debug("chunk mirrored", "guid", ch.GUID, "copied", copied, "size", size)
				},
			})
			fmt.Fprintln(os.Stderr)
			if err != nil {
				fmt.Fprintln(os.Stderr, "[vaultfetch] Run again to resume")
				return withCode(ExitSourceNotAccess, err)
			}
			fmt.Fprintf(os.Stderr, "[vaultfetch] Copied %d chunks (%s), skipped %d\n",
				res.Copied, progress.FormatBytes(res.Bytes), res.Skipped)

			if writeKey != "" {
				if err := store.WriteManifest(ctx, writeKey, m); err != nil {
					return withCode(ExitStorageError, err)
				}
				fmt.Fprintf(os.Stderr, "[vaultfetch] Manifest stored at %s\n", writeKey)
			}
			if unpackDir != "" {
				n, err := store.Unpack(ctx, m, unpackDir)
				if err != nil {
					return withCode(ExitStorageError, err)
				}
				fmt.Fprintf(os.Stderr, "[vaultfetch] Unpacked %d chunks to %s\n", n, unpackDir)
			}
			return nil
		},
	}
	bf.register(cmd)
	cmd.Flags().StringVar(&source, "source", "", "CDN base URL or bucket URL to copy from (required)")
	cmd.Flags().IntVar(&workers, "workers", 8, "Number of parallel copies")
	cmd.Flags().BoolVar(&verify, "verify", false, "Check each chunk's SHA-1 before storing it")
	cmd.Flags().StringVar(&unpackDir, "unpack-dir", "", "Also write decompressed payloads to this directory")
	cmd.Flags().StringVar(&writeKey, "write-manifest", "", "Store the manifest in the bucket under this key")
	return cmd
}
