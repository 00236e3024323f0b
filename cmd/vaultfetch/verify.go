package main

import (
	"fmt"

	"github.com/spf13/cobra"

	vfhttp "github.com/ligustah/vaultfetch/internal/http"
	"github.com/ligustah/vaultfetch/internal/install"
)

func newVerifyCommand(c *commandContext) *cobra.Command {
	var manifestLoc, dir string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check installed files against the manifest hashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestLoc == "" || dir == "" {
				return withCode(ExitInvalidArgs, fmt.Errorf("--manifest and --install-dir are required"))
			}
			if _, err := c.loadConfig(); err != nil {
				return err
			}
			ctx := cmd.Context()
			m, err := readManifest(ctx, manifestLoc, vfhttp.NewClient(vfhttp.DefaultOptions()))
			if err != nil {
				return err
			}
			res, err := install.Verify(ctx, dir, m)
			if err != nil {
				return withCode(ExitStorageError, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Build: %s %s\n", m.Meta.AppName, m.Meta.BuildVersion)
			fmt.Fprintf(out, "Files checked: %d\n", res.Checked)
			if res.OK() {
				fmt.Fprintln(out, "Status: VALID")
				return nil
			}
			fmt.Fprintln(out, "Status: INVALID")
			for _, name := range res.Missing {
				fmt.Fprintf(out, "  - missing: %s\n", name)
			}
			for _, name := range res.Mismatched {
				fmt.Fprintf(out, "  - hash mismatch: %s\n", name)
			}
			return withCode(ExitValidationFailed, fmt.Errorf("%d missing, %d mismatched", len(res.Missing), len(res.Mismatched)))
		},
	}
	cmd.Flags().StringVar(&manifestLoc, "manifest", "", "Manifest file path or URL (required)")
	cmd.Flags().StringVar(&dir, "install-dir", "", "Install directory (required)")
	return cmd
}
