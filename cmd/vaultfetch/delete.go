package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	vfhttp "github.com/ligustah/vaultfetch/internal/http"
)

// newDeleteCommand removes the mirrored chunks of a build from a bucket.
// It prompts for confirmation unless --force is given.
func newDeleteCommand(c *commandContext) *cobra.Command {
	var (
		bf    bucketFlags
		force bool
	)

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the chunks of a build from a bucket",
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

			if !force {
				fmt.Printf("Delete %d chunks of %s %s from %s? [y/N]: ",
					len(m.ChunkDataList.Elements), m.Meta.AppName, m.Meta.BuildVersion, bf.bucket)
				reader := bufio.NewReader(cmd.InOrStdin())
				response, _ := reader.ReadString('\n')
				response = strings.TrimSpace(strings.ToLower(response))
				if response != "y" && response != "yes" {
					fmt.Fprintln(os.Stderr, "Cancelled")
					return nil
				}
			}

			n, err := store.Delete(ctx, m)
			if err != nil {
				return withCode(ExitStorageError, err)
			}
			fmt.Fprintf(os.Stderr, "[vaultfetch] Deleted %d chunks\n", n)
			return nil
		},
	}
	bf.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "Skip confirmation prompt")
	return cmd
}
