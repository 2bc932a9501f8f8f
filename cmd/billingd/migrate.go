package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gobilling/internal/config"
	"github.com/mihaimyh/gobilling/storage/gormstore"
	"github.com/mihaimyh/gobilling/storage/postgres"
)

func migrateCmd() *cobra.Command {
	var (
		down        int
		showVersion bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply the billing schema to the configured SQL backend.

Postgres uses the embedded golang-migrate files; gorm storage migrates its
models. Examples:
  billingd migrate
  billingd migrate --down 1
  billingd migrate --version`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			backend := cfg.Storage.Backend
			if backend == config.BackendTiered {
				backend = cfg.Storage.TieredCold
			}

			switch backend {
			case config.BackendPostgres:
				dsn := cfg.Storage.PostgresDSN
				if dsn == "" {
					return fmt.Errorf("storage.postgres_dsn is required")
				}
				switch {
				case showVersion:
					version, dirty, err := postgres.MigrationVersion(dsn)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "version %d (dirty: %t)\n", version, dirty)
					return nil
				case down > 0:
					if err := postgres.MigrateDown(dsn, down); err != nil {
						return err
					}
					fmt.Fprintf(out, "rolled back %d migration(s)\n", down)
					return nil
				default:
					if err := postgres.Migrate(dsn); err != nil {
						return err
					}
					fmt.Fprintln(out, "migrations applied")
					return nil
				}

			case config.BackendGorm:
				if down > 0 || showVersion {
					return fmt.Errorf("gorm storage only supports forward migration")
				}
				db, err := gormstore.Open(cfg.Storage.GormDriver, cfg.Storage.GormDSN, nil)
				if err != nil {
					return err
				}
				if sqlDB, err := db.DB(); err == nil {
					defer sqlDB.Close()
				}
				if _, err := gormstore.New(db); err != nil {
					return err
				}
				fmt.Fprintln(out, "gorm models migrated")
				return nil

			default:
				return fmt.Errorf("storage backend %q has no migrations", backend)
			}
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations")
	cmd.Flags().BoolVar(&showVersion, "version", false, "print the current schema version")
	return cmd
}
