package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zulandar/scanroom/internal/dashboard"
)

func newUploadCmd() *cobra.Command {
	var (
		configPath string
		patientID  string
		scanType   string
	)

	cmd := &cobra.Command{
		Use:   "upload <image>",
		Short: "Upload a scan image and save its consultation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, configPath, patientID, scanType, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	addPatientFlag(cmd, &patientID)
	cmd.Flags().StringVarP(&scanType, "type", "t", "", "scan type, e.g. \"Chest X-Ray\"")
	return cmd
}

func runUpload(cmd *cobra.Command, configPath, patientFlag, scanType, path string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	pid, err := resolvePatient(cfg, patientFlag)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	notifier, err := buildNotifier(cfg, out)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	d, err := dashboard.Mount(ctx, dashboard.Opts{
		Backend:   client,
		PatientID: pid,
		Window:    cfg.Autosave.Window,
		Retry:     retryPolicy(cfg),
		Notifier:  notifier,
	})
	if err != nil {
		return err
	}

	resp, uploadErr := d.Upload(ctx, filepath.Base(path), scanType, data)
	res := d.Close(ctx)
	if uploadErr != nil {
		return uploadErr
	}
	if !res.OK {
		return fmt.Errorf("save consultation: %w", res.Err)
	}
	fmt.Fprintf(out, "Scan %s stored as %s\n", resp.ScanID, resp.Filename)
	return nil
}
