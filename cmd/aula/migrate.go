package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aula-app/aula-engine/internal/migrate"
	"github.com/aula-app/aula-engine/internal/store/pg"
)

var migrateFlags = struct {
	dsn            string
	migrationsPath string
	seedsPath      string
	timeout        time.Duration
}{}

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|seed|status]",
		Short:     "Apply or inspect PostgreSQL schema migrations",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "seed", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := migrateFlags.dsn
			if dsn == "" {
				dsn = os.Getenv("AULA_PG_DSN")
			}
			if dsn == "" {
				return errors.New("missing DSN: provide via --dsn or AULA_PG_DSN")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), migrateFlags.timeout)
			defer cancel()

			st, err := pg.Open(dsn)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer st.Close()

			mgr := migrate.Bundled(st.DB())
			if migrateFlags.migrationsPath != "" || migrateFlags.seedsPath != "" {
				mgr = migrate.NewManager(st.DB(),
					dirOrNil(migrateFlags.migrationsPath),
					dirOrNil(migrateFlags.seedsPath))
			}

			switch args[0] {
			case "up":
				err = mgr.Up(ctx)
			case "down":
				err = mgr.Down(ctx)
			case "seed":
				err = mgr.Seed(ctx)
			case "status":
				var entries []migrate.Entry
				entries, err = mgr.Status(ctx)
				for _, e := range entries {
					fmt.Fprintln(cmd.OutOrStdout(), e.String())
				}
			}
			if err != nil {
				return fmt.Errorf("migrate %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&migrateFlags.dsn, "dsn", "", "PostgreSQL DSN (default $AULA_PG_DSN)")
	cmd.Flags().StringVar(&migrateFlags.migrationsPath, "migrations", "", "directory of SQL migrations to use instead of the bundled ones")
	cmd.Flags().StringVar(&migrateFlags.seedsPath, "seeds", "", "directory of SQL seeds to use instead of the bundled ones")
	cmd.Flags().DurationVar(&migrateFlags.timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

// dirOrNil opens path as a file system; an empty path disables that half.
func dirOrNil(path string) fs.FS {
	if path == "" {
		return nil
	}
	return os.DirFS(path)
}
