package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/scanroom/internal/db"
	"github.com/zulandar/scanroom/internal/server"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noCleanup  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reference imaging server",
		Long:  "Runs the reference collaborator: scan uploads, chat, consultation autosave, patient history and the timeline event stream, plus the scheduled retention sweep.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, noCleanup)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&noCleanup, "no-cleanup", false, "disable the retention sweep")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, noCleanup bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	gormDB, err := db.Prepare(cfg.Server.Database)
	if err != nil {
		return fmt.Errorf("prepare database: %w", err)
	}

	var cleaner *server.Cleaner
	if !noCleanup {
		cleaner, err = server.NewCleaner(server.CleanerOpts{
			DB:        gormDB,
			UploadDir: cfg.Server.UploadDir,
			Schedule:  cfg.Server.Cleanup.Schedule,
			TTL:       cfg.Server.Cleanup.PendingTTL,
		})
		if err != nil {
			return err
		}
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx, server.StartOpts{
			DB:        gormDB,
			Port:      cfg.Server.Port,
			UploadDir: cfg.Server.UploadDir,
			Out:       cmd.OutOrStdout(),
		})
	})
	if cleaner != nil {
		g.Go(func() error {
			return cleaner.Run(ctx)
		})
	}
	return g.Wait()
}
