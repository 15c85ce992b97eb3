// Package autosave debounces consultation snapshots into at most one write
// per quiescence window.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zulandar/scanroom/internal/api"
)

// DefaultWindow is the quiescence window between the last mutation and a flush.
const DefaultWindow = 2 * time.Second

var (
	// ErrNoScan is returned when a snapshot has no scan to save against.
	ErrNoScan = errors.New("autosave: snapshot has no scan id")
	// ErrClosed is returned by Schedule after Close.
	ErrClosed = errors.New("autosave: coordinator closed")
)

// Saver is the persistence channel the coordinator flushes to.
type Saver interface {
	Autosave(ctx context.Context, req api.AutosaveRequest) api.Result
}

// Snapshot is the full mutable state of one consultation at a point in time.
type Snapshot struct {
	ScanID     string
	PatientID  string
	Messages   []api.Message
	Status     string
	Diagnosis  string
	AIAnalysis string
	Attachment *api.Attachment
}

// Request converts the snapshot into an autosave upload.
func (s Snapshot) Request() api.AutosaveRequest {
	return api.AutosaveRequest{
		ConsultationID: s.ScanID,
		PatientID:      s.PatientID,
		Messages:       s.Messages,
		Status:         s.Status,
		Diagnosis:      s.Diagnosis,
		AIAnalysis:     s.AIAnalysis,
		Image:          s.Attachment,
	}
}

// Opts holds parameters for creating a Coordinator.
type Opts struct {
	Saver  Saver
	Window time.Duration // defaults to DefaultWindow
	Retry  RetryPolicy
	Clock  Clock // defaults to the real clock
	// OnError is called after a failed flush. It must not call back into
	// the coordinator synchronously.
	OnError func(Snapshot, error)
	// OnSaved is called after a successful flush.
	OnSaved func(Snapshot)
}

// Coordinator owns one pending snapshot and the dirty key of the last
// completed save. Flushes are serialized; a Schedule during an in-flight
// flush becomes the next flush rather than cancelling the current one.
type Coordinator struct {
	saver   Saver
	window  time.Duration
	retry   RetryPolicy
	slot    *Slot
	onError func(Snapshot, error)
	onSaved func(Snapshot)

	flushMu sync.Mutex

	mu       sync.Mutex
	pending  *Snapshot
	lastKey  string
	inFlight int
	failures int
	closed   bool
}

// New creates a Coordinator.
func New(opts Opts) (*Coordinator, error) {
	if opts.Saver == nil {
		return nil, fmt.Errorf("autosave: saver is required")
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coordinator{
		saver:   opts.Saver,
		window:  window,
		retry:   opts.Retry,
		slot:    NewSlot(opts.Clock),
		onError: opts.OnError,
		onSaved: opts.OnSaved,
	}, nil
}

// Schedule records s as the snapshot to flush and restarts the quiescence
// window. If s matches the last completed save, carries no attachment, and
// nothing is pending or in flight, the call is a no-op.
func (c *Coordinator) Schedule(s Snapshot) error {
	if s.ScanID == "" {
		return ErrNoScan
	}
	if s.Status == "" {
		s.Status = api.StatusPending
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if s.Attachment == nil && c.pending == nil && c.inFlight == 0 &&
		c.lastKey != "" && DirtyKey(s) == c.lastKey {
		c.mu.Unlock()
		return nil
	}

	if prev := c.pending; prev != nil {
		if prev.ScanID != s.ScanID {
			// Switching consultations: the old one goes out now instead
			// of being replaced.
			old := *prev
			c.inFlight++
			go func() {
				c.flushMu.Lock()
				defer c.flushMu.Unlock()
				c.send(context.Background(), old)
			}()
		} else if s.Attachment == nil {
			s.Attachment = prev.Attachment
		}
	}
	c.pending = &s
	c.failures = 0
	c.mu.Unlock()

	c.slot.Schedule(c.window, c.timerFlush)
	return nil
}

// ForceSave cancels the pending timer and flushes immediately. It returns
// the result of the write, or success when nothing was pending.
func (c *Coordinator) ForceSave(ctx context.Context) api.Result {
	c.slot.Cancel()
	return c.flush(ctx)
}

// Close cancels any armed flush. Pending state is kept so a final ForceSave
// still works.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.slot.Cancel()
}

func (c *Coordinator) timerFlush() {
	c.flush(context.Background())
}

// flush sends the pending snapshot, if any.
func (c *Coordinator) flush(ctx context.Context) api.Result {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	snap := c.pending
	c.pending = nil
	if snap == nil {
		c.mu.Unlock()
		return api.Success()
	}
	c.inFlight++
	c.mu.Unlock()

	return c.send(ctx, *snap)
}

// send issues exactly one write for snap. Callers hold flushMu and have
// already counted snap as in flight.
func (c *Coordinator) send(ctx context.Context, snap Snapshot) api.Result {
	res := c.saver.Autosave(ctx, snap.Request())

	c.mu.Lock()
	c.inFlight--
	if res.OK {
		c.lastKey = DirtyKey(snap)
		c.failures = 0
		c.mu.Unlock()
		log.Printf("autosave: consultation %s saved (%d messages)", snap.ScanID, len(snap.Messages))
		if c.onSaved != nil {
			c.onSaved(snap)
		}
		return res
	}

	var (
		rearm   bool
		retryIn time.Duration
	)
	switch {
	case c.pending == nil:
		// Nothing newer: keep the failed snapshot so a retry or the next
		// mutation resends it.
		c.pending = &snap
		c.failures++
		if !c.closed && c.retry.ShouldRetry(c.failures) {
			rearm = true
			retryIn = c.retry.NextDelay(c.failures)
			// Armed under mu so a Schedule arriving after this point
			// replaces the backoff with its full window.
			c.slot.Schedule(retryIn, c.timerFlush)
		}
	case c.pending.ScanID == snap.ScanID && c.pending.Attachment == nil:
		c.pending.Attachment = snap.Attachment
	}
	c.mu.Unlock()

	err := res.Err
	if err == nil {
		err = fmt.Errorf("autosave: write rejected")
	}
	if rearm {
		log.Printf("autosave: consultation %s save failed, retrying in %s: %v", snap.ScanID, retryIn, err)
	} else {
		log.Printf("autosave: consultation %s save failed: %v", snap.ScanID, err)
	}
	if c.onError != nil {
		c.onError(snap, err)
	}
	return res
}
