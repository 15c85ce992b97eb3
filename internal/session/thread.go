package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zulandar/scanroom/internal/api"
)

// WelcomeMessage opens every freshly uploaded scan's thread. It is never
// persisted.
const WelcomeMessage = `## Scan received

The image is stored and indexed. Ask about the findings, request a differential, or open a prior study from the patient history to compare.

---
*AI-assisted preliminary reading. Final interpretation by the attending radiologist is required.*`

// Message is one entry in a thread. Ephemeral messages exist only in the
// local view and are excluded from persistence.
type Message struct {
	ID          string
	Role        string
	Content     string
	Attachments []api.ImageRef
	Intent      string
	Ephemeral   bool
}

// NewMessageID returns a unique, time-ordered message id.
func NewMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Wire converts m to its transport form.
func (m Message) Wire() api.Message {
	return api.Message{
		ID:          m.ID,
		Role:        m.Role,
		Content:     m.Content,
		Attachments: m.Attachments,
		Intent:      m.Intent,
	}
}

// FromWire converts a transport message, minting an id when the server sent
// none.
func FromWire(w api.Message) Message {
	id := w.ID
	if id == "" {
		id = NewMessageID()
	}
	return Message{
		ID:          id,
		Role:        w.Role,
		Content:     w.Content,
		Attachments: w.Attachments,
		Intent:      w.Intent,
	}
}

// Thread is the ordered conversation about one scan.
type Thread struct {
	ScanID     string
	Messages   []Message
	Loading    bool   // history fetch outstanding
	Diagnosis  string // impression from the latest diagnose reply
	AIAnalysis string // full text of the latest diagnose reply

	summary api.ScanSummary

	// localSince marks where messages added after the last history request
	// begin; they survive the server transcript replacing the thread.
	localSince int
}

func (t *Thread) clone() Thread {
	cp := *t
	cp.Messages = make([]Message, len(t.Messages))
	copy(cp.Messages, t.Messages)
	return cp
}

// Persistable returns the wire form of every non-ephemeral message.
func (t Thread) Persistable() []api.Message {
	out := make([]api.Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		if m.Ephemeral {
			continue
		}
		out = append(out, m.Wire())
	}
	return out
}

func welcome() Message {
	return Message{
		ID:        NewMessageID(),
		Role:      api.RoleAssistant,
		Content:   WelcomeMessage,
		Ephemeral: true,
	}
}

// introFor synthesizes the opening message for a recalled scan with no
// stored conversation. Title, date and finding appear verbatim.
func introFor(s api.ScanSummary) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", s.Title)
	fmt.Fprintf(&b, "**Date:** %s\n\n", s.Date)
	fmt.Fprintf(&b, "**Finding:** %s\n\n", s.Finding)
	b.WriteString("No conversation is stored for this scan yet. Ask a question to start one.")
	return Message{
		ID:        NewMessageID(),
		Role:      api.RoleAssistant,
		Content:   b.String(),
		Intent:    api.IntentFetch,
		Ephemeral: true,
	}
}

// Impression pulls the impression out of a diagnose reply: the paragraph
// following an "Impression" heading, or failing that the first non-empty
// line with markdown emphasis removed.
func Impression(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		h := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if !strings.EqualFold(h, "impression") || !strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		var para []string
		for _, next := range lines[i+1:] {
			next = strings.TrimSpace(next)
			if next == "" {
				if len(para) > 0 {
					break
				}
				continue
			}
			if strings.HasPrefix(next, "#") || next == "---" {
				break
			}
			para = append(para, next)
		}
		if len(para) > 0 {
			return stripEmphasis(strings.Join(para, " "))
		}
	}
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line != "" {
			return stripEmphasis(line)
		}
	}
	return ""
}

func stripEmphasis(s string) string {
	return strings.TrimSpace(strings.NewReplacer("**", "", "__", "").Replace(s))
}
