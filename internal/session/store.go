// Package session holds the authoritative model of what the user is looking
// at: the scan uploaded this session, the scan recalled from history, and the
// conversation threads open for them.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zulandar/scanroom/internal/api"
)

// ErrNoScan is returned by scan-dependent operations when no thread is
// focused.
var ErrNoScan = errors.New("session: no scan selected")

// SendContext is everything the answering side needs to decide whether a
// question concerns the current upload, the recalled scan, or both.
type SendContext struct {
	PatientID        string
	Message          string
	CurrentScanID    string
	HistoricalScanID string
	// ThreadScanID names the thread the reply must land in.
	ThreadScanID string
}

// Request converts c to a chat request.
func (c SendContext) Request() api.ChatRequest {
	return api.ChatRequest{
		PatientID:     c.PatientID,
		Message:       c.Message,
		CurrentScanID: c.CurrentScanID,
		ScanID:        c.HistoricalScanID,
	}
}

// View is a read-only copy of the session for readers.
type View struct {
	PatientID          string
	CurrentScanID      string
	HistoricalScanID   string
	HistoricalScan     *api.ScanSummary
	HistoricalImageRef string
	ChatScanID         string
	Thread             Thread // focused thread; zero when none
	OpenThreads        int
}

// Store is the only writer of the session's identifier fields. All
// transitions are applied under one lock so readers never observe a partial
// update.
type Store struct {
	patientID string

	mu                 sync.RWMutex
	currentScanID      string
	historical         *api.ScanSummary // id and snapshot, set and cleared together
	historicalImageRef string
	chatScanID         string
	threads            map[string]*Thread
}

// NewStore creates an idle Store for a patient.
func NewStore(patientID string) (*Store, error) {
	if patientID == "" {
		return nil, fmt.Errorf("session: patient id is required")
	}
	return &Store{
		patientID: patientID,
		threads:   make(map[string]*Thread),
	}, nil
}

// PatientID returns the patient this session belongs to.
func (s *Store) PatientID() string { return s.patientID }

// AdoptUpload makes scanID the current scan, clears everything historical,
// and opens a fresh thread starting with the welcome message.
func (s *Store) AdoptUpload(scanID string) error {
	if scanID == "" {
		return ErrNoScan
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentScanID = scanID
	s.historical = nil
	s.historicalImageRef = ""
	s.chatScanID = scanID
	s.threads = map[string]*Thread{
		scanID: {ScanID: scanID, Messages: []Message{welcome()}},
	}
	return nil
}

// ClearCurrent forgets the current scan. The historical scan is untouched.
func (s *Store) ClearCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.currentScanID
	s.currentScanID = ""
	if s.chatScanID == prev {
		s.chatScanID = ""
		if s.historical != nil {
			if _, ok := s.threads[s.historical.ID]; ok {
				s.chatScanID = s.historical.ID
			}
		}
	}
	s.prune()
}

// OpenHistorical recalls a stored scan's conversation. The current scan is
// kept so both can be compared. The thread is marked loading until
// ApplyHistory delivers the transcript.
func (s *Store) OpenHistorical(summary api.ScanSummary) error {
	if summary.ID == "" {
		return ErrNoScan
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := summary
	s.historical = &snap
	s.chatScanID = summary.ID
	th, ok := s.threads[summary.ID]
	if !ok {
		th = &Thread{ScanID: summary.ID}
		s.threads[summary.ID] = th
	}
	th.summary = snap
	th.Loading = true
	th.localSince = len(th.Messages)
	s.prune()
	return nil
}

// ViewImage shows a stored scan's image. It sets the historical scan but
// leaves the current scan and the chat focus alone.
func (s *Store) ViewImage(summary api.ScanSummary) error {
	if summary.ID == "" {
		return ErrNoScan
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := summary
	s.historical = &snap
	s.historicalImageRef = summary.Filename
	s.prune()
	return nil
}

// ClearHistorical resets the historical id, snapshot and image reference in
// one update. The current scan is untouched; chat focus returns to it.
func (s *Store) ClearHistorical() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.historical = nil
	s.historicalImageRef = ""
	if s.chatScanID != s.currentScanID {
		s.chatScanID = ""
		if _, ok := s.threads[s.currentScanID]; ok {
			s.chatScanID = s.currentScanID
		}
	}
	s.prune()
}

// ApplyHistory installs a fetched transcript for scanID. A non-empty
// transcript replaces the thread; an empty one yields a single synthesized
// introduction. Messages appended locally since the fetch began are kept
// after it. Results for a thread that has since been closed, or that is not
// waiting on history, are ignored and false is returned.
func (s *Store) ApplyHistory(scanID string, msgs []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[scanID]
	if !ok || !th.Loading {
		return false
	}

	var base []Message
	if len(msgs) > 0 {
		base = make([]Message, len(msgs))
		copy(base, msgs)
	} else {
		base = []Message{introFor(th.summary)}
	}
	local := th.Messages[min(th.localSince, len(th.Messages)):]
	th.Messages = append(base, local...)
	th.Loading = false
	th.localSince = len(th.Messages)
	return true
}

// AppendUser optimistically appends a user message to the focused thread
// and returns the context its reply must be requested with.
func (s *Store) AppendUser(text string) (SendContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[s.chatScanID]
	if s.chatScanID == "" || !ok {
		return SendContext{}, ErrNoScan
	}
	th.Messages = append(th.Messages, Message{
		ID:      NewMessageID(),
		Role:    api.RoleUser,
		Content: text,
	})

	ctx := SendContext{
		PatientID:     s.patientID,
		Message:       text,
		CurrentScanID: s.currentScanID,
		ThreadScanID:  s.chatScanID,
	}
	if s.historical != nil {
		ctx.HistoricalScanID = s.historical.ID
	}
	return ctx, nil
}

// AppendReply appends an assistant reply to the thread for threadScanID in
// the order replies resolve. It returns false when that thread has been
// closed in the meantime.
func (s *Store) AppendReply(threadScanID string, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadScanID]
	if !ok {
		return false
	}
	if m.ID == "" {
		m.ID = NewMessageID()
	}
	if m.Role == "" {
		m.Role = api.RoleAssistant
	}
	th.Messages = append(th.Messages, m)
	if m.Intent == api.IntentDiagnose {
		th.AIAnalysis = m.Content
		th.Diagnosis = Impression(m.Content)
	}
	return true
}

// AppendError appends a local assistant-role error message. The user's own
// message is never rolled back.
func (s *Store) AppendError(threadScanID, text string) bool {
	return s.AppendReply(threadScanID, Message{
		Role:      api.RoleAssistant,
		Content:   text,
		Ephemeral: true,
	})
}

// Thread returns a copy of the thread for scanID.
func (s *Store) Thread(scanID string) (Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[scanID]
	if !ok {
		return Thread{}, false
	}
	return th.clone(), true
}

// View returns a consistent copy of the whole session.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		PatientID:          s.patientID,
		CurrentScanID:      s.currentScanID,
		HistoricalImageRef: s.historicalImageRef,
		ChatScanID:         s.chatScanID,
		OpenThreads:        len(s.threads),
	}
	if s.historical != nil {
		snap := *s.historical
		v.HistoricalScan = &snap
		v.HistoricalScanID = snap.ID
	}
	if th, ok := s.threads[s.chatScanID]; ok {
		v.Thread = th.clone()
	}
	return v
}

// Reset returns the store to idle.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentScanID = ""
	s.historical = nil
	s.historicalImageRef = ""
	s.chatScanID = ""
	s.threads = make(map[string]*Thread)
}

// prune drops threads no longer tied to the current scan, the historical
// scan, or the chat focus. Callers hold mu.
func (s *Store) prune() {
	for id := range s.threads {
		if id == s.currentScanID || id == s.chatScanID {
			continue
		}
		if s.historical != nil && id == s.historical.ID {
			continue
		}
		delete(s.threads, id)
	}
}
