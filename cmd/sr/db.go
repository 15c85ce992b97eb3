package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/scanroom/internal/db"
	"github.com/zulandar/scanroom/internal/server"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBSweepCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the server database and migrate all tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	c := cfg.Server.Database
	if _, err := db.Prepare(c); err != nil {
		return fmt.Errorf("prepare database: %w", err)
	}
	if c.Driver == "sqlite" {
		fmt.Fprintf(out, "Using sqlite database %s\n", c.Path)
	} else {
		fmt.Fprintf(out, "Using %s database %s at %s:%d\n", c.Driver, c.Name, c.Host, c.Port)
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))
	return nil
}

func newDBSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the retention sweep once",
		Long:  "Removes pending consultations that never received a message and placeholder uploads with no conversation, older than server.cleanup.pending_ttl.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBSweep(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBSweep(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := db.Prepare(cfg.Server.Database)
	if err != nil {
		return fmt.Errorf("prepare database: %w", err)
	}
	cleaner, err := server.NewCleaner(server.CleanerOpts{
		DB:        gormDB,
		UploadDir: cfg.Server.UploadDir,
		Schedule:  cfg.Server.Cleanup.Schedule,
		TTL:       cfg.Server.Cleanup.PendingTTL,
	})
	if err != nil {
		return err
	}
	res, err := cleaner.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d consultations, %d scans, %d files\n",
		res.Consultations, res.Scans, res.Files)
	return nil
}
