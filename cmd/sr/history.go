package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/scanroom/internal/api"
)

func newHistoryCmd() *cobra.Command {
	var (
		configPath string
		patientID  string
		scanID     string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a patient's scans or print one scan's conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, configPath, patientID, scanID)
		},
	}

	addConfigFlag(cmd, &configPath)
	addPatientFlag(cmd, &patientID)
	cmd.Flags().StringVar(&scanID, "scan", "", "print the stored conversation for this scan")
	return cmd
}

func runHistory(cmd *cobra.Command, configPath, patientFlag, scanID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	pid, err := resolvePatient(cfg, patientFlag)
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if scanID == "" {
		resp, res := client.PatientHistory(cmd.Context(), pid)
		if !res.OK {
			return fmt.Errorf("patient history: %w", res.Err)
		}
		printScans(out, resp.Scans)
		return nil
	}

	resp, res := client.ChatHistory(cmd.Context(), api.HistoryRequest{PatientID: pid, ScanID: scanID})
	if !res.OK {
		return fmt.Errorf("chat history: %w", res.Err)
	}
	if len(resp.Messages) == 0 {
		fmt.Fprintf(out, "No conversation stored for scan %s.\n", scanID)
		return nil
	}
	for _, m := range resp.Messages {
		printMessage(out, m.Role, m.Content, len(m.Attachments))
	}
	return nil
}
