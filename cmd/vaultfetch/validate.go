package main

import (
	"fmt"

	"github.com/spf13/cobra"

	vfhttp "github.com/ligustah/vaultfetch/internal/http"
	"github.com/ligustah/vaultfetch/internal/progress"
)

// newValidateCommand checks that every chunk of a build exists in a bucket
// with the size the manifest declares, without downloading chunk data.
func newValidateCommand(c *commandContext) *cobra.Command {
	var bf bucketFlags

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Verify that all chunks of a build exist in a bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bf.validate(); err != nil {
				return err
			}
			if _, err := c.loadConfig(); err != nil {
				return err
			}
			ctx := cmd.Context()
			store, m, err := bf.open(ctx, vfhttp.NewClient(vfhttp.DefaultOptions()))
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := store.Validate(ctx, m)
			if err != nil {
				return withCode(ExitStorageError, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Build: %s %s\n", m.Meta.AppName, m.Meta.BuildVersion)
			fmt.Fprintf(out, "Total size: %s\n", progress.FormatBytes(result.TotalSize))
			fmt.Fprintf(out, "Chunks: %d\n", result.ChunkCount)
			if result.Valid {
				fmt.Fprintln(out, "Status: VALID")
				return nil
			}

			fmt.Fprintln(out, "Status: INVALID")
			fmt.Fprintf(out, "Missing chunks: %d\n", result.MissingChunks)
			fmt.Fprintf(out, "Size mismatches: %d\n", result.SizeMismatches)
			if len(result.Errors) > 0 {
				fmt.Fprintln(out, "\nErrors:")
				for _, e := range result.Errors {
					fmt.Fprintf(out, "  - %s\n", e)
				}
			}
			return withCode(ExitValidationFailed, fmt.Errorf("bucket is missing chunks"))
		},
	}
	bf.register(cmd)
	return cmd
}
