package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	vfhttp "github.com/ligustah/vaultfetch/internal/http"
	"github.com/ligustah/vaultfetch/internal/progress"
	"github.com/ligustah/vaultfetch/pkg/manifest"
)

func newInspectCommand(c *commandContext) *cobra.Command {
	var (
		showChunks bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <manifest>",
		Short: "Show the metadata, files and chunks of a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.loadConfig(); err != nil {
				return err
			}
			m, err := readManifest(cmd.Context(), args[0], vfhttp.NewClient(vfhttp.DefaultOptions()))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := manifest.EncodeJSON(m)
				if err != nil {
					return err
				}
				_, err = out.Write(append(data, '\n'))
				return err
			}

			fmt.Fprintf(out, "App: %s (id %d)\n", m.Meta.AppName, m.Meta.AppID)
			fmt.Fprintf(out, "Build: %s [%s]\n", m.Meta.BuildVersion, m.Meta.BuildID)
			fmt.Fprintf(out, "Feature level: %d, data version %d\n", m.Meta.FeatureLevel, m.Meta.DataVersion)
			if m.Meta.LaunchExe != "" {
				fmt.Fprintf(out, "Launch: %s %s\n", m.Meta.LaunchExe, m.Meta.LaunchCommand)
			}
			fmt.Fprintf(out, "Files: %d (%s)\n", len(m.FileManifestList.Elements), progress.FormatBytes(m.TotalSize()))
			fmt.Fprintf(out, "Chunks: %d (%s download)\n", len(m.ChunkDataList.Elements), progress.FormatBytes(m.DownloadSize()))
			for _, cf := range m.CustomFields {
				fmt.Fprintf(out, "Custom %s: %s\n", cf.Key, cf.Value)
			}
			if len(m.Unconsumed) > 0 {
				fmt.Fprintf(out, "Unconsumed: %s\n", strings.Join(m.Unconsumed, ", "))
			}
			fmt.Fprintln(out)

			if showChunks {
				rows := make([][]string, 0, len(m.ChunkDataList.Elements))
				for i := range m.ChunkDataList.Elements {
					ch := &m.ChunkDataList.Elements[i]
					rows = append(rows, []string{
						ch.GUID.String(),
						fmt.Sprintf("%016X", ch.Hash),
						strconv.Itoa(int(ch.GroupNum)),
						progress.FormatBytes(ch.FileSize),
						m.ChunkPath(ch),
					})
				}
				fmt.Fprintln(out, renderTable([]string{"GUID", "Hash", "Group", "Size", "Path"}, rows, 2, 3))
				return nil
			}

			rows := make([][]string, 0, len(m.FileManifestList.Elements))
			for _, f := range m.FileManifestList.Elements {
				rows = append(rows, []string{
					f.Filename,
					progress.FormatBytes(f.FileSize),
					strconv.Itoa(len(f.ChunkParts)),
					fileFlags(&f),
					strings.Join(f.InstallTags, ","),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"File", "Size", "Parts", "Flags", "Tags"}, rows, 1, 2))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showChunks, "chunks", false, "List chunks instead of files")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the manifest in JSON form")
	return cmd
}

func fileFlags(f *manifest.FileManifest) string {
	var flags []string
	if f.ReadOnly() {
		flags = append(flags, "ro")
	}
	if f.Compressed() {
		flags = append(flags, "compressed")
	}
	if f.Executable() {
		flags = append(flags, "exec")
	}
	if f.SymlinkTarget != "" {
		flags = append(flags, "-> "+f.SymlinkTarget)
	}
	return strings.Join(flags, " ")
}
