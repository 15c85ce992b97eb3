// Package dashboard wires the session store, the autosave coordinator and
// the timeline into one context object a front end drives.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/autosave"
	"github.com/zulandar/scanroom/internal/notify"
	"github.com/zulandar/scanroom/internal/session"
	"github.com/zulandar/scanroom/internal/timeline"
)

// Backend is the persistence channel the dashboard talks to.
type Backend interface {
	Upload(ctx context.Context, req api.UploadRequest) (api.UploadResponse, api.Result)
	Chat(ctx context.Context, req api.ChatRequest) (api.ChatResponse, api.Result)
	ChatHistory(ctx context.Context, req api.HistoryRequest) (api.HistoryResponse, api.Result)
	PatientHistory(ctx context.Context, patientID string) (api.PatientHistoryResponse, api.Result)
	Autosave(ctx context.Context, req api.AutosaveRequest) api.Result
}

// Notice titles shown to the user.
const (
	titleUploadOK      = "Upload successful"
	titleUploadFailed  = "Upload failed"
	titleHistoryLoad   = "Retrieving historical context..."
	titleHistoryFailed = "Could not load conversation history"
	titleSaveFailed    = "Autosave failed"
	titleChatFailed    = "Chat failed"

	// chatErrorMessage is appended to the thread when a reply cannot be
	// fetched.
	chatErrorMessage = "Sorry, I couldn't process that request. Please try again."
)

// Opts holds parameters for mounting a Dashboard.
type Opts struct {
	Backend   Backend
	PatientID string
	Window    time.Duration // autosave quiescence window
	Retry     autosave.RetryPolicy
	Clock     autosave.Clock
	Notifier  notify.Notifier
	// OnTimeline is called with the patient's scan list after every refetch.
	OnTimeline func([]api.ScanSummary)
}

// Dashboard is one mounted session: a patient, their threads, and the
// pending autosave. All methods are safe for concurrent use.
type Dashboard struct {
	backend   Backend
	patientID string
	store     *session.Store
	saver     *autosave.Coordinator
	signal    *timeline.Signal
	timeline  *timeline.View
	notifier  notify.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup // timeline follower
	wg     sync.WaitGroup // outstanding requests

	closeOnce sync.Once
	closeRes  api.Result
}

// Mount creates a Dashboard and starts following the patient's timeline.
// The returned Dashboard must be closed.
func Mount(ctx context.Context, opts Opts) (*Dashboard, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("dashboard: backend is required")
	}
	store, err := session.NewStore(opts.PatientID)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Discard
	}

	d := &Dashboard{
		backend:   opts.Backend,
		patientID: opts.PatientID,
		store:     store,
		signal:    &timeline.Signal{},
		notifier:  notifier,
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.saver, err = autosave.New(autosave.Opts{
		Saver:   opts.Backend,
		Window:  opts.Window,
		Retry:   opts.Retry,
		Clock:   opts.Clock,
		OnError: d.saveFailed,
	})
	if err != nil {
		d.cancel()
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	d.timeline, err = timeline.NewView(timeline.ViewOpts{
		Fetcher:   opts.Backend,
		PatientID: opts.PatientID,
		Signal:    d.signal,
		OnChange:  opts.OnTimeline,
	})
	if err != nil {
		d.cancel()
		return nil, fmt.Errorf("dashboard: %w", err)
	}

	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		d.timeline.Run(d.ctx)
	}()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.timeline.Refresh(d.ctx); err != nil {
			log.Printf("dashboard: initial timeline load: %v", err)
		}
	}()
	return d, nil
}

// PatientID returns the mounted patient.
func (d *Dashboard) PatientID() string { return d.patientID }

// View returns a consistent copy of the session.
func (d *Dashboard) View() session.View { return d.store.View() }

// Thread returns the thread for scanID.
func (d *Dashboard) Thread(scanID string) (session.Thread, bool) { return d.store.Thread(scanID) }

// Timeline returns the last fetched scan list.
func (d *Dashboard) Timeline() []api.ScanSummary { return d.timeline.Scans() }

// TimelineVersion returns how many uploads the timeline has been told about.
func (d *Dashboard) TimelineVersion() uint64 { return d.signal.Value() }

// RefreshTimeline refetches the scan list now.
func (d *Dashboard) RefreshTimeline(ctx context.Context) ([]api.ScanSummary, error) {
	return d.timeline.Refresh(ctx)
}

// Upload sends a scan image and, once the collaborator has stored it, makes
// it the current scan. A failed upload leaves the session untouched and is
// not retried.
func (d *Dashboard) Upload(ctx context.Context, filename, scanType string, data []byte) (api.UploadResponse, error) {
	resp, res := d.backend.Upload(ctx, api.UploadRequest{
		PatientID: d.patientID,
		ScanType:  scanType,
		Filename:  filename,
		Data:      data,
	})
	if !res.OK {
		d.notify(notify.Notice{Kind: notify.KindUploadFailed, Title: titleUploadFailed, Body: errText(res.Err)})
		return resp, fmt.Errorf("dashboard: upload: %w", res.Err)
	}

	// The previous consultation goes out before the new scan replaces it.
	if prev := d.store.View().CurrentScanID; prev != "" {
		if r := d.saver.ForceSave(ctx); !r.OK {
			log.Printf("dashboard: flush %s before upload: %v", prev, r.Err)
		}
	}

	if err := d.store.AdoptUpload(resp.ScanID); err != nil {
		return resp, fmt.Errorf("dashboard: upload: %w", err)
	}
	d.signal.Bump()
	d.notify(notify.Notice{Kind: notify.KindUploadOK, Title: titleUploadOK, Body: resp.Filename, ScanID: resp.ScanID})

	d.scheduleSave(&api.Attachment{Filename: filename, Data: data})
	return resp, nil
}

// OpenHistory recalls a stored scan's conversation next to the current scan.
// The transcript is fetched in the background; a failed fetch degrades to
// the synthesized introduction.
func (d *Dashboard) OpenHistory(summary api.ScanSummary) error {
	if err := d.store.OpenHistorical(summary); err != nil {
		return err
	}
	d.notify(notify.Notice{Kind: notify.KindHistoryLoad, Title: titleHistoryLoad, ScanID: summary.ID})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		resp, res := d.backend.ChatHistory(d.ctx, api.HistoryRequest{
			PatientID: d.patientID,
			ScanID:    summary.ID,
		})
		var msgs []session.Message
		if res.OK {
			msgs = make([]session.Message, 0, len(resp.Messages))
			for _, m := range resp.Messages {
				msgs = append(msgs, session.FromWire(m))
			}
		} else if d.ctx.Err() == nil {
			log.Printf("dashboard: history for %s: %v", summary.ID, res.Err)
			d.notify(notify.Notice{Kind: notify.KindHistoryFailed, Title: titleHistoryFailed, Body: errText(res.Err), ScanID: summary.ID})
		}
		d.store.ApplyHistory(summary.ID, msgs)
	}()
	return nil
}

// OpenHistoryByID looks scanID up in the timeline and opens it.
func (d *Dashboard) OpenHistoryByID(scanID string) error {
	summary, ok := d.timeline.Find(scanID)
	if !ok {
		return fmt.Errorf("dashboard: scan %q not in patient history", scanID)
	}
	return d.OpenHistory(summary)
}

// ViewImage shows a stored scan's image without moving the conversation.
func (d *Dashboard) ViewImage(summary api.ScanSummary) error {
	return d.store.ViewImage(summary)
}

// ClearHistorical closes the recalled scan and returns to the current one.
func (d *Dashboard) ClearHistorical() {
	d.store.ClearHistorical()
}

// ClearCurrent flushes and forgets the current scan.
func (d *Dashboard) ClearCurrent(ctx context.Context) api.Result {
	res := d.saver.ForceSave(ctx)
	d.store.ClearCurrent()
	return res
}

// Send appends text to the focused thread right away and asks for a reply
// in the background. Replies land in the thread they were asked from, in
// the order they arrive.
func (d *Dashboard) Send(text string) error {
	sc, err := d.store.AppendUser(text)
	if err != nil {
		return err
	}
	d.scheduleSave(nil)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		resp, res := d.backend.Chat(d.ctx, sc.Request())
		if !res.OK {
			if d.ctx.Err() != nil {
				return
			}
			log.Printf("dashboard: chat on %s: %v", sc.ThreadScanID, res.Err)
			d.store.AppendError(sc.ThreadScanID, chatErrorMessage)
			d.notify(notify.Notice{Kind: notify.KindChatFailed, Title: titleChatFailed, Body: errText(res.Err), ScanID: sc.ThreadScanID})
			return
		}
		d.store.AppendReply(sc.ThreadScanID, session.Message{
			Role:        api.RoleAssistant,
			Content:     resp.Message,
			Attachments: resp.Images,
			Intent:      resp.Intent,
		})
		d.scheduleSave(nil)
	}()
	return nil
}

// Save flushes the pending autosave now.
func (d *Dashboard) Save(ctx context.Context) api.Result {
	return d.saver.ForceSave(ctx)
}

// Wait blocks until every background request has resolved.
func (d *Dashboard) Wait() {
	d.wg.Wait()
}

// Close flushes the pending autosave, then stops background work. It is
// safe to call more than once; later calls return the first result.
func (d *Dashboard) Close(ctx context.Context) api.Result {
	d.closeOnce.Do(func() {
		d.closeRes = d.saver.ForceSave(ctx)
		d.saver.Close()
		d.cancel()
		d.wg.Wait()
		d.loops.Wait()
	})
	return d.closeRes
}

// scheduleSave queues the current scan's consultation for autosave.
// Recalled threads are stored by the collaborator as they are chatted on.
func (d *Dashboard) scheduleSave(att *api.Attachment) {
	v := d.store.View()
	if v.CurrentScanID == "" {
		return
	}
	th, ok := d.store.Thread(v.CurrentScanID)
	if !ok {
		return
	}
	status := api.StatusPending
	if th.Diagnosis != "" {
		status = api.StatusCompleted
	}
	err := d.saver.Schedule(autosave.Snapshot{
		ScanID:     th.ScanID,
		PatientID:  d.patientID,
		Messages:   th.Persistable(),
		Status:     status,
		Diagnosis:  th.Diagnosis,
		AIAnalysis: th.AIAnalysis,
		Attachment: att,
	})
	if err != nil && !errors.Is(err, autosave.ErrClosed) {
		log.Printf("dashboard: schedule autosave: %v", err)
	}
}

func (d *Dashboard) saveFailed(s autosave.Snapshot, err error) {
	d.notify(notify.Notice{Kind: notify.KindSaveFailed, Title: titleSaveFailed, Body: errText(err), ScanID: s.ScanID})
}

func (d *Dashboard) notify(n notify.Notice) {
	n.PatientID = d.patientID
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	if err := d.notifier.Notify(context.Background(), n); err != nil {
		log.Printf("dashboard: notify %s: %v", n.Kind, err)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
