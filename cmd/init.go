package cmd

import (
	"fmt"
	"log"

	"github.com/TitanVJ/wall-e-models/walle"
	"github.com/spf13/cobra"
)

var resetLevels bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database, level table and runtime config",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable WALLE_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable WALLE_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		gdb, err := walle.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		db := walle.NewDatabase(gdb, nil, cfg.DatabaseType == "postgres")
		defer func() {
			if sqlDB, e := gdb.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		out := cmd.OutOrStdout()

		if resetLevels {
			deleted, e := walle.ClearLevels(ctx, db)
			if e != nil {
				log.Fatalf("Error clearing levels: %v", e)
			}
			fmt.Fprintf(out, "Deleted %d levels\n", deleted)
		}

		count, err := walle.PopulateLevels(ctx, db, cfg.Leveling.MaxLevel)
		if err != nil {
			log.Fatalf("Error populating levels: %v", err)
		}
		if count > 0 {
			fmt.Fprintf(out, "Created %d levels\n", count)
		} else {
			fmt.Fprintln(out, "Levels already populated")
		}

		if err = walle.EnsureRuntimeConfig(ctx, db); err != nil {
			log.Fatalf("Error creating runtime config: %v", err)
		}

		fmt.Fprintln(out, "Initialization complete")
	},
}

//nolint:gochecknoinits
func init() {
	initCmd.Flags().BoolVar(
		&resetLevels,
		"reset-levels",
		false,
		"Delete and regenerate the level table. Role bindings are lost",
	)
	rootCmd.AddCommand(initCmd)
}
