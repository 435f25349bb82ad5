package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/litelens/litelens-core/internal/infrastructure/database"
	"github.com/litelens/litelens-core/migrations"
)

func newDemoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "demo <path>",
		Short: "Create a sample bookshop database",
		Long: `Create a new SQLite file populated from the embedded sample scripts:
authors, books, tags (WITHOUT ROWID), notes, a view and a trigger.

The path must not exist yet.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			db, err := database.Open(cmd.Context(), database.Config{
				Path:        path,
				Create:      true,
				BusyTimeout: cfg.Engine.BusyTimeout,
				ForeignKeys: true,
			})
			if err != nil {
				return fmt.Errorf("creating %s: %w", path, err)
			}
			seedErr := db.Seed(cmd.Context(), migrations.FS, migrations.Dir)
			if closeErr := db.Close(); seedErr == nil {
				seedErr = closeErr
			}
			if seedErr != nil {
				return fmt.Errorf("seeding %s: %w", path, seedErr)
			}

			out := newPrinter(cmd.OutOrStdout(), opts.Format)
			if opts.Format == formatJSON {
				return out.json(map[string]string{"path": path})
			}
			out.linef("created %s", path)
			return out.err
		},
	}
}
