package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ligustah/vaultfetch/internal/config"
	"github.com/ligustah/vaultfetch/internal/downloader"
	vfhttp "github.com/ligustah/vaultfetch/internal/http"
	"github.com/ligustah/vaultfetch/internal/install"
	"github.com/ligustah/vaultfetch/internal/metrics"
	"github.com/ligustah/vaultfetch/internal/progress"
	"github.com/ligustah/vaultfetch/internal/state"
	"github.com/ligustah/vaultfetch/internal/writer"
	"github.com/ligustah/vaultfetch/pkg/manifest"
)

func newInstallCommand(c *commandContext) *cobra.Command {
	var (
		flags     config.Config
		maxShm    string
		showStats bool
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install or update a build from its manifest",
		Long: `Download the chunks of a build and reconstruct its files in the install directory.

With --old-manifest the installed version is updated in place: unchanged files
are kept, changed files reuse matching parts of their previous version and
files no longer in the build are removed. With --state, completed files are
recorded so an interrupted install resumes where it stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxShm != "" {
				n, err := progress.ParseBytes(maxShm)
				if err != nil {
					return withCode(ExitInvalidArgs, err)
				}
				flags.MaxSharedMemory = n
			}
			base, err := c.loadConfig()
			if err != nil {
				return err
			}
			cfg := base.Merge(flags)
			if err := cfg.Validate(); err != nil {
				return withCode(ExitInvalidArgs, err)
			}
			return runInstall(cmd, c, cfg, showStats)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.Manifest, "manifest", "", "Manifest file path or URL (required)")
	f.StringVar(&flags.OldManifest, "old-manifest", "", "Manifest of the installed version")
	f.StringVar(&flags.BaseURL, "base-url", "", "CDN base URL or bucket URL holding the chunks (required)")
	f.StringVar(&flags.InstallDir, "install-dir", "", "Destination directory (required)")
	f.StringVar(&flags.CacheDir, "cache-dir", "", "Directory of unpacked chunk payloads")
	f.StringVar(&flags.StatePath, "state", "", "Resume state database path")
	f.IntVar(&flags.Workers, "workers", 0, "Number of download workers")
	f.StringVar(&maxShm, "max-shared-memory", "", "Shared memory budget, e.g. 512MiB")
	f.StringVar(&flags.ShmDir, "shm-dir", "", "Directory for the shared memory segment")
	f.StringSliceVar(&flags.Install.InstallTags, "tags", nil, "Install tags to select (default all)")
	f.IntVar(&flags.Install.ChunkAttempts, "chunk-attempts", 0, "Times a failed chunk is queued")
	f.IntVar(&flags.Download.MaxRetries, "max-retries", 0, "Download attempts per queued chunk")
	f.BoolVar(&flags.Progress, "progress", false, "Show progress")
	f.BoolVar(&flags.Force, "force", false, "Ignore resume state and rewrite every file")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.BoolVar(&showStats, "stats", true, "Print a summary when done")
	return cmd
}

func runInstall(cmd *cobra.Command, c *commandContext, cfg config.Config, showStats bool) error {
	ctx := cmd.Context()
	log := c.logger("install")

	client := vfhttp.NewClient(vfhttp.Options{
		ConnectTimeout: cfg.Download.ConnectTimeout,
		ReadTimeout:    cfg.Download.ReadTimeout,
		UserAgent:      cfg.Download.UserAgent,
	})
	m, err := readManifest(ctx, cfg.Manifest, client)
	if err != nil {
		return err
	}
	var old *manifest.Manifest
	if cfg.OldManifest != "" {
		if old, err = readManifest(ctx, cfg.OldManifest, client); err != nil {
			return err
		}
	}

	var store *state.Store
	if cfg.StatePath != "" {
		if store, err = state.Open(ctx, cfg.StatePath); err != nil {
			return withCode(ExitStorageError, err)
		}
		defer store.Close()
	}

	met := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := met.Serve(ctx, cfg.MetricsAddr, c.logger("metrics")); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	opts := install.Options{
		InstallDir:      cfg.InstallDir,
		CacheDir:        cfg.CacheDir,
		BaseURL:         cfg.BaseURL,
		Workers:         cfg.Workers,
		MaxSharedMemory: cfg.MaxSharedMemory,
		ShmDir:          cfg.ShmDir,
		InstallTags:     cfg.Install.InstallTags,
		ChunkAttempts:   cfg.Install.ChunkAttempts,
		Download: downloader.Options{
			MaxRetries:   cfg.Download.MaxRetries,
			PollInterval: cfg.Download.PollInterval,
			BackoffUnit:  cfg.Download.BackoffUnit,
			MaxBackoff:   cfg.Download.MaxBackoff,
		},
		HTTP: vfhttp.Options{
			ConnectTimeout: cfg.Download.ConnectTimeout,
			ReadTimeout:    cfg.Download.ReadTimeout,
			UserAgent:      cfg.Download.UserAgent,
		},
		State:   store,
		Force:   cfg.Force,
		Logger:  c.logger(""),
		Metrics: met,
	}
	if cfg.Progress {
		opts.Progress = os.Stderr
	}

	inst, err := install.New(m, old, opts)
	if err != nil {
		return withCode(ExitInvalidArgs, err)
	}
	plan, err := inst.Run(ctx)
	if err != nil {
		return installExit(err)
	}

	if showStats {
		fmt.Fprintf(os.Stderr, "[vaultfetch] Installed %s %s to %s\n", m.Meta.AppName, m.Meta.BuildVersion, cfg.InstallDir)
		fmt.Fprintf(os.Stderr, "[vaultfetch] Files: %d written, %d kept, %d removed\n",
			len(plan.Files), len(plan.Skipped), len(plan.Removed))
		fmt.Fprintf(os.Stderr, "[vaultfetch] Chunks: %d (%s downloaded, %s written)\n",
			len(plan.Downloads), progress.FormatBytes(plan.DownloadSize), progress.FormatBytes(plan.WriteSize))
	}
	return nil
}

func installExit(err error) error {
	var files *install.FileError
	switch {
	case errors.Is(err, install.ErrChunkFailed):
		return withCode(ExitSourceNotAccess, err)
	case errors.As(err, &files), errors.Is(err, writer.ErrLocked):
		return withCode(ExitStorageError, err)
	default:
		return err
	}
}
