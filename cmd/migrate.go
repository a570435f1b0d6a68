package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goreply/internal/config"
	"github.com/nextlevelbuilder/goreply/internal/store/pg"
)

var migrationsDir string

// snapshotMigrations locates the schema files and checks the configured store against them.
type snapshotMigrations struct {
	dir string
	dsn string
}

func migrationsDirectory() string {
	switch {
	case migrationsDir != "":
		return migrationsDir
	case os.Getenv("GOREPLY_MIGRATIONS_DIR") != "":
		return os.Getenv("GOREPLY_MIGRATIONS_DIR")
	}
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// migrationsFor validates sc for schema management. The migration files only know the
// default table, so a custom store.table has to be provisioned by hand.
func migrationsFor(sc config.StoreConfig) (snapshotMigrations, error) {
	if sc.Table != "" && sc.Table != pg.DefaultTable {
		return snapshotMigrations{}, fmt.Errorf("store.table is %q but migrations manage %q; create the table manually or drop the setting", sc.Table, pg.DefaultTable)
	}
	if sc.PostgresDSN == "" {
		return snapshotMigrations{}, errors.New("GOREPLY_POSTGRES_DSN environment variable is not set")
	}
	return snapshotMigrations{dir: migrationsDirectory(), dsn: sc.PostgresDSN}, nil
}

// withMigrator loads the config, opens a migrator and hands it to fn.
func withMigrator(fn func(m *migrate.Migrate) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sm, err := migrationsFor(cfg.Store)
	if err != nil {
		return err
	}
	m, err := migrate.New("file://"+sm.dir, sm.dsn)
	if err != nil {
		return fmt.Errorf("open migrations in %s: %w", sm.dir, err)
	}
	defer m.Close()
	return fn(m)
}

func logVersion(m *migrate.Migrate, msg string) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info(msg, "version", "none")
		return
	}
	slog.Info(msg, "version", v, "dirty", dirty)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres snapshot schema",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "migrations directory (default: next to the binary)")

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(*cobra.Command, []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if err := ignoreNoChange(m.Steps(-max(steps, 1))); err != nil {
					return fmt.Errorf("roll back %d step(s): %w", steps, err)
				}
				logVersion(m, "migrate: rolled back")
				return nil
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "number of steps to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(*cobra.Command, []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					if err := ignoreNoChange(m.Up()); err != nil {
						return fmt.Errorf("apply migrations: %w", err)
					}
					logVersion(m, "migrate: schema up to date")
					return nil
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(*cobra.Command, []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					v, dirty, err := m.Version()
					if errors.Is(err, migrate.ErrNilVersion) {
						fmt.Println("version: none")
						return nil
					}
					if err != nil {
						return fmt.Errorf("read version: %w", err)
					}
					fmt.Printf("version: %d, dirty: %v\n", v, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Record a version without running migrations (clears the dirty flag)",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("version %q: %w", args[0], err)
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Force(v); err != nil {
						return fmt.Errorf("force version %d: %w", v, err)
					}
					logVersion(m, "migrate: version forced")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate up or down to a version",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("version %q: %w", args[0], err)
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := ignoreNoChange(m.Migrate(uint(v))); err != nil {
						return fmt.Errorf("migrate to %d: %w", v, err)
					}
					logVersion(m, "migrate: moved")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "drop",
			Short: "Drop every table in the database (destructive)",
			RunE: func(*cobra.Command, []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Drop(); err != nil {
						return fmt.Errorf("drop schema: %w", err)
					}
					slog.Warn("migrate: all tables dropped")
					return nil
				})
			},
		},
	)
	return cmd
}
