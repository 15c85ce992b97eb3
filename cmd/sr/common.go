package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/autosave"
	"github.com/zulandar/scanroom/internal/config"
	"github.com/zulandar/scanroom/internal/notify"
	"github.com/zulandar/scanroom/internal/notify/discord"
	"github.com/zulandar/scanroom/internal/notify/slack"
)

const defaultConfigPath = "scanroom.yaml"

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", defaultConfigPath, "path to Scanroom config file")
}

func addPatientFlag(cmd *cobra.Command, pid *string) {
	cmd.Flags().StringVarP(pid, "patient", "p", "", "patient id (overrides patient_id in config)")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// resolvePatient returns the flag value, falling back to the config.
func resolvePatient(cfg *config.Config, flag string) (string, error) {
	pid := strings.ToUpper(strings.TrimSpace(flag))
	if pid == "" {
		pid = cfg.PatientID
	}
	if pid == "" {
		return "", fmt.Errorf("patient id is required (--patient or patient_id in config)")
	}
	return pid, nil
}

func newClient(cfg *config.Config) (*api.Client, error) {
	return api.NewClient(api.ClientOpts{
		BaseURL:   cfg.API.BaseURL,
		ImageBase: cfg.API.ImageBase,
		Timeout:   cfg.API.Timeout,
	})
}

func retryPolicy(cfg *config.Config) autosave.RetryPolicy {
	r := cfg.Autosave.Retry
	return autosave.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		Multiplier:   r.Multiplier,
		MaxDelay:     r.MaxDelay,
	}
}

// buildNotifier prints every notice to out and forwards failures to the
// configured care-team channels.
func buildNotifier(cfg *config.Config, out io.Writer) (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewWriter(out)}
	if c := cfg.Notify.Slack; c.Enabled() {
		n, err := slack.New(slack.Opts{BotToken: c.BotToken, ChannelID: c.ChannelID})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, notify.FailuresOnly(n))
	}
	if c := cfg.Notify.Discord; c.Enabled() {
		n, err := discord.New(discord.Opts{BotToken: c.BotToken, ChannelID: c.ChannelID})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, notify.FailuresOnly(n))
	}
	return notifiers, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.ErrOrStderr(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func printScans(out io.Writer, scans []api.ScanSummary) {
	if len(scans) == 0 {
		fmt.Fprintln(out, "No scans found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tTITLE\tSTATUS\tCHAT\tFINDING")
	for _, s := range scans {
		chat := "-"
		if s.HasChatHistory {
			chat = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Date, truncate(s.Title, 30), s.Status, chat, truncate(s.Finding, 50))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
