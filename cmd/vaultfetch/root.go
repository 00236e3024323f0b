package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ligustah/vaultfetch/internal/config"
	"github.com/ligustah/vaultfetch/internal/logging"
)

type commandContext struct {
	configPath string
	logLevel   string
	logFormat  string

	hub *logging.Hub
}

func newRootCommand(c *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "vaultfetch",
		Short:         "Download and reconstruct manifest-described builds",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return withCode(ExitInvalidArgs, fmt.Errorf("%w\n\n%s", err, cmd.UsageString()))
	})

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&c.logFormat, "log-format", "", "Log format (console, json)")

	rootCmd.AddCommand(newInstallCommand(c))
	rootCmd.AddCommand(newVerifyCommand(c))
	rootCmd.AddCommand(newInspectCommand(c))
	rootCmd.AddCommand(newMirrorCommand(c))
	rootCmd.AddCommand(newValidateCommand(c))
	rootCmd.AddCommand(newDeleteCommand(c))
	return rootCmd
}

// loadConfig layers the config file, the environment and the global flags
// over the defaults, then starts logging.
func (c *commandContext) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(c.configPath); err != nil {
			return cfg, withCode(ExitInvalidArgs, err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, withCode(ExitInvalidArgs, err)
	}
	cfg = cfg.Merge(config.Config{LogLevel: c.logLevel, LogFormat: c.logFormat})

	if c.hub == nil {
		h, err := logging.NewHandler(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
		if err != nil {
			return cfg, withCode(ExitInvalidArgs, err)
		}
		c.hub = logging.NewHub(h, 1024)
	}
	return cfg, nil
}

func (c *commandContext) logger(component string) *slog.Logger {
	if c.hub == nil {
		return logging.NewNop()
	}
	return c.hub.Logger(component)
}

func (c *commandContext) close() {
	if c.hub != nil {
		c.hub.Close()
	}
}
