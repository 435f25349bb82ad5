package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/litelens/litelens-core/internal/infrastructure/config"
	"github.com/litelens/litelens-core/internal/infrastructure/logging"
)

// defaultConfigPath is tried when neither --config nor LITELENS_CONFIG is set.
const defaultConfigPath = "configs/config.yaml"

// Output formats.
const (
	formatText = "text"
	formatJSON = "json"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "litelens",
		Short:         "LiteLens - explore and edit SQLite databases",
		Long:          "LiteLens opens SQLite files, inspects their schema and runs statements with paged results.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if opts.Format != formatText && opts.Format != formatJSON {
				return fmt.Errorf("invalid format %q: must be %s or %s", opts.Format, formatText, formatJSON)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file (default $LITELENS_CONFIG or "+defaultConfigPath+")")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", formatText, "output format (text|json)")

	cmd.AddCommand(
		newServeCommand(opts),
		newSchemaCommand(opts),
		newQueryCommand(opts),
		newDemoCommand(opts),
		newTokenCommand(opts),
		newVersionCommand(opts),
	)

	return cmd
}

// loadConfig reads the config file named by --config or LITELENS_CONFIG.
// Without either, the default path is used if it exists and built-in
// defaults otherwise.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.ConfigPath
	if path == "" {
		path = os.Getenv("LITELENS_CONFIG")
	}
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if _, err := os.Stat(defaultConfigPath); err == nil {
		return config.Load(defaultConfigPath)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return config.Default()
}

// logger builds the process logger, raising the level to debug with --verbose.
func (o *rootOptions) logger(cfg *config.Config) *logging.Logger {
	lc := cfg.Logging
	if o.Verbose {
		lc.Level = "debug"
	}
	return logging.New(lc, version)
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newPrinter(cmd.OutOrStdout(), opts.Format)
			if opts.Format == formatJSON {
				return out.json(map[string]string{"version": version, "commit": commit, "date": date})
			}
			out.linef("litelens %s (commit %s, built %s)", version, commit, date)
			return out.err
		},
	}
}
