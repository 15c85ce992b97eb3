package timeline

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/zulandar/scanroom/internal/api"
	"golang.org/x/sync/singleflight"
)

// Fetcher loads a patient's scan list.
type Fetcher interface {
	PatientHistory(ctx context.Context, patientID string) (api.PatientHistoryResponse, api.Result)
}

// ViewOpts holds parameters for creating a View.
type ViewOpts struct {
	Fetcher   Fetcher
	PatientID string
	Signal    *Signal
	// OnChange is called with the new list after every successful refetch.
	OnChange func([]api.ScanSummary)
}

// View is the patient's scan history as last fetched. It is always
// reloaded in full, never patched.
type View struct {
	fetcher   Fetcher
	patientID string
	signal    *Signal
	onChange  func([]api.ScanSummary)
	group     singleflight.Group
	bumps     <-chan uint64

	mu      sync.RWMutex
	scans   []api.ScanSummary
	loaded  bool
	fetched uint64 // signal value the list reflects
}

// NewView creates a View subscribed to its signal, so bumps made before Run
// starts are not missed.
func NewView(opts ViewOpts) (*View, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("timeline: fetcher is required")
	}
	if opts.PatientID == "" {
		return nil, fmt.Errorf("timeline: patient id is required")
	}
	if opts.Signal == nil {
		opts.Signal = &Signal{}
	}
	return &View{
		fetcher:   opts.Fetcher,
		patientID: opts.PatientID,
		signal:    opts.Signal,
		onChange:  opts.OnChange,
		bumps:     opts.Signal.Subscribe(),
	}, nil
}

// Signal returns the signal the view follows.
func (v *View) Signal() *Signal { return v.signal }

// Refresh refetches the list. Concurrent calls made at the same signal
// value share one request; a call made after a bump always starts its own.
// A fetch that started before a newer one finished never replaces the newer
// list.
func (v *View) Refresh(ctx context.Context) ([]api.ScanSummary, error) {
	gen := v.signal.Value()
	key := fmt.Sprintf("%s@%d", v.patientID, gen)
	res, err, _ := v.group.Do(key, func() (any, error) {
		resp, r := v.fetcher.PatientHistory(ctx, v.patientID)
		if !r.OK {
			return nil, r.Err
		}
		return resp.Scans, nil
	})
	if err != nil {
		return nil, fmt.Errorf("timeline: refresh: %w", err)
	}
	scans := res.([]api.ScanSummary)

	v.mu.Lock()
	applied := !v.loaded || gen >= v.fetched
	if applied {
		v.scans = append([]api.ScanSummary(nil), scans...)
		v.loaded = true
		v.fetched = gen
	}
	v.mu.Unlock()

	if applied && v.onChange != nil {
		v.onChange(v.Scans())
	}
	return v.Scans(), nil
}

// Run refetches after every bump until ctx is done. It must be called at
// most once; on return the view stops following the signal.
func (v *View) Run(ctx context.Context) {
	defer v.signal.Unsubscribe(v.bumps)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-v.bumps:
			if !ok {
				return
			}
			if _, err := v.Refresh(ctx); err != nil {
				log.Printf("timeline: refetch after bump %d: %v", n, err)
			}
		}
	}
}

// Scans returns a copy of the last fetched list.
func (v *View) Scans() []api.ScanSummary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]api.ScanSummary(nil), v.scans...)
}

// Fetched returns the signal value the current list was loaded at.
func (v *View) Fetched() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.fetched
}

// Find returns the scan with id from the last fetched list.
func (v *View) Find(id string) (api.ScanSummary, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, s := range v.scans {
		if s.ID == id {
			return s, true
		}
	}
	return api.ScanSummary{}, false
}
