// Package notify surfaces session events to the user and, optionally, to a
// care-team chat channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindUploadOK      Kind = "upload_ok"
	KindUploadFailed  Kind = "upload_failed"
	KindSaveFailed    Kind = "save_failed"
	KindChatFailed    Kind = "chat_failed"
	KindHistoryLoad   Kind = "history_loading"
	KindHistoryFailed Kind = "history_failed"
)

// Severity levels.
const (
	SeveritySuccess = "success"
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Color constants for notice severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Notice is one user-visible event.
type Notice struct {
	Kind      Kind
	Title     string
	Body      string
	PatientID string
	ScanID    string
	Time      time.Time
}

// Field is a key-value pair shown alongside a notice.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notice) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// Severity returns the severity for a notice kind.
func (k Kind) Severity() string {
	switch k {
	case KindUploadOK:
		return SeveritySuccess
	case KindHistoryLoad:
		return SeverityInfo
	case KindSaveFailed, KindHistoryFailed:
		return SeverityWarning
	case KindUploadFailed, KindChatFailed:
		return SeverityError
	default:
		return SeverityInfo
	}
}

// Failure reports whether k is one of the failure kinds.
func (k Kind) Failure() bool {
	switch k.Severity() {
	case SeverityWarning, SeverityError:
		return true
	}
	return false
}

// SeverityColor maps a severity to a sidebar color.
func SeverityColor(severity string) string {
	switch severity {
	case SeveritySuccess:
		return ColorSuccess
	case SeverityWarning:
		return ColorWarning
	case SeverityError:
		return ColorError
	default:
		return ColorInfo
	}
}

// Fields returns the metadata shown with n in chat channels.
func (n Notice) Fields() []Field {
	var fields []Field
	if n.PatientID != "" {
		fields = append(fields, Field{Name: "Patient", Value: n.PatientID, Short: true})
	}
	if n.ScanID != "" {
		fields = append(fields, Field{Name: "Scan", Value: n.ScanID, Short: true})
	}
	return fields
}

// Text renders n as a single line.
func (n Notice) Text() string {
	if n.Body == "" {
		return n.Title
	}
	return n.Title + ": " + n.Body
}

// Writer prints notices as toast lines.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a Writer.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// Notify writes n.
func (w *Writer) Notify(_ context.Context, n Notice) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	prefix := "*"
	switch n.Kind.Severity() {
	case SeveritySuccess:
		prefix = "+"
	case SeverityWarning:
		prefix = "!"
	case SeverityError:
		prefix = "x"
	}
	_, err := fmt.Fprintf(w.w, "[%s] %s\n", prefix, n.Text())
	return err
}

// Multi delivers to every notifier, joining their errors.
type Multi []Notifier

// Notify delivers n to each notifier in order.
func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FailuresOnly forwards only failure notices to next.
func FailuresOnly(next Notifier) Notifier {
	return Func(func(ctx context.Context, n Notice) error {
		if !n.Kind.Failure() {
			return nil
		}
		return next.Notify(ctx, n)
	})
}

// Discard drops every notice.
var Discard Notifier = Func(func(context.Context, Notice) error { return nil })

// Recorder keeps every notice it receives.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify records n.
func (r *Recorder) Notify(_ context.Context, n Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

// Notices returns a copy of what was recorded.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Kinds returns the kinds recorded, in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.notices))
	for i, n := range r.notices {
		kinds[i] = n.Kind
	}
	return kinds
}
