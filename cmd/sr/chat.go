package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/dashboard"
	"github.com/zulandar/scanroom/internal/session"
	"golang.org/x/term"
)

const chatHelp = `Commands:
  /upload <path> [type]  upload a scan and make it current
  /scans                 list the patient's scans
  /open <scan-id>        recall a stored scan and its conversation
  /view <scan-id>        show a stored scan's image without moving the chat
  /back                  close the recalled scan
  /clear                 save and forget the current scan
  /save                  save the current consultation now
  /status                show what is selected
  /quit                  save and exit
Anything else is sent as a question about the focused scan.`

func newChatCmd() *cobra.Command {
	var (
		configPath string
		patientID  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive consultation session for one patient",
		Long:  "Opens a consultation session: upload scans, recall prior studies and ask questions. The current scan's consultation is autosaved.\n\n" + chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, patientID)
		},
	}

	addConfigFlag(cmd, &configPath)
	addPatientFlag(cmd, &patientID)
	return cmd
}

// lockedWriter serializes output from the prompt loop and background
// notices.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runChat(cmd *cobra.Command, configPath, patientFlag string) error {
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
	out := &lockedWriter{w: cmd.OutOrStdout()}
	notifier, err := buildNotifier(cfg, out)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

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

	r := &repl{d: d, out: out, seen: make(map[string]bool)}
	fmt.Fprintf(out, "Consultation for patient %s. Type /help for commands.\n", pid)
	r.loop(ctx, cmd.InOrStdin(), isTerminal(cmd.InOrStdin()))

	res := d.Close(context.WithoutCancel(ctx))
	if !res.OK {
		return fmt.Errorf("final save: %w", res.Err)
	}
	return nil
}

type repl struct {
	d    *dashboard.Dashboard
	out  io.Writer
	seen map[string]bool // message ids already printed
}

func (r *repl) loop(ctx context.Context, in io.Reader, prompt bool) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		if prompt {
			fmt.Fprint(r.out, "> ")
		}
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !r.handle(ctx, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// handle runs one input line and reports whether the session continues.
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if err := r.d.Send(line); err != nil {
			r.fail(err)
			return true
		}
		r.d.Wait()
		r.printThread()
		return true
	}

	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	switch fields[0] {
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/upload":
		path := arg(1)
		if path == "" {
			r.fail(fmt.Errorf("usage: /upload <path> [type]"))
			break
		}
		data, err := os.ReadFile(path)
		if err != nil {
			r.fail(err)
			break
		}
		scanType := strings.Join(fields[2:], " ")
		if _, err := r.d.Upload(ctx, filepath.Base(path), scanType, data); err != nil {
			break
		}
		r.printThread()
	case "/scans":
		scans, err := r.d.RefreshTimeline(ctx)
		if err != nil {
			r.fail(err)
			break
		}
		printScans(r.out, scans)
	case "/open":
		if err := r.d.OpenHistoryByID(arg(1)); err != nil {
			r.fail(err)
			break
		}
		r.d.Wait()
		r.printThread()
	case "/view":
		summary, ok := r.find(arg(1))
		if !ok {
			break
		}
		if err := r.d.ViewImage(summary); err != nil {
			r.fail(err)
			break
		}
		fmt.Fprintf(r.out, "Viewing %s (%s): %s\n", summary.Title, summary.Date, summary.Filename)
	case "/back":
		r.d.ClearHistorical()
		r.printStatus()
	case "/clear":
		if res := r.d.ClearCurrent(ctx); !res.OK {
			r.fail(res.Err)
		}
		r.printStatus()
	case "/save":
		if res := r.d.Save(ctx); !res.OK {
			r.fail(res.Err)
			break
		}
		fmt.Fprintln(r.out, "Saved.")
	case "/status":
		r.printStatus()
	default:
		r.fail(fmt.Errorf("unknown command %s, try /help", fields[0]))
	}
	return true
}

func (r *repl) find(id string) (api.ScanSummary, bool) {
	for _, s := range r.d.Timeline() {
		if s.ID == id {
			return s, true
		}
	}
	r.fail(fmt.Errorf("scan %q not in patient history, try /scans", id))
	return api.ScanSummary{}, false
}

// printThread prints the focused thread's messages not shown yet.
func (r *repl) printThread() {
	th := r.d.View().Thread
	for _, m := range th.Messages {
		if r.seen[m.ID] {
			continue
		}
		r.seen[m.ID] = true
		printMessage(r.out, m.Role, m.Content, len(m.Attachments))
	}
}

func (r *repl) printStatus() {
	v := r.d.View()
	show := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	fmt.Fprintf(r.out, "patient %s  current %s  recalled %s  chat %s  threads %d\n",
		v.PatientID, show(v.CurrentScanID), show(v.HistoricalScanID), show(v.ChatScanID), v.OpenThreads)
}

func (r *repl) fail(err error) {
	if errors.Is(err, session.ErrNoScan) {
		fmt.Fprintln(r.out, "No scan selected. Upload one with /upload or recall one with /open.")
		return
	}
	fmt.Fprintf(r.out, "error: %v\n", err)
}

func printMessage(out io.Writer, role, content string, images int) {
	label := "assistant"
	if role == api.RoleUser {
		label = "you"
	}
	fmt.Fprintf(out, "[%s]\n%s\n", label, content)
	if images > 0 {
		fmt.Fprintf(out, "(%d image(s) attached)\n", images)
	}
	fmt.Fprintln(out)
}
