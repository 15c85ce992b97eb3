package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/models"
)

// Query is what a Responder is asked: the question plus the scans it may
// concern. Either scan may be nil.
type Query struct {
	PatientID  string
	Message    string
	Current    *models.Scan
	Historical *models.Scan
}

// Responder produces the assistant's reply.
type Responder interface {
	Respond(ctx context.Context, q Query) (api.ChatResponse, error)
}

const disclaimer = "\n\n---\n*AI-assisted preliminary reading. Final interpretation by the attending radiologist is required.*"

// KeywordResponder routes on keywords in the question. It is deterministic
// and never calls a model.
type KeywordResponder struct{}

var (
	compareWords  = []string{"compare", "comparison", "history", "prior", "previous"}
	diagnoseWords = []string{"pneumonia", "infection", "treatment", "diagnos", "differential"}
)

// Respond implements Responder.
func (KeywordResponder) Respond(_ context.Context, q Query) (api.ChatResponse, error) {
	lower := strings.ToLower(q.Message)
	switch {
	case containsAny(lower, compareWords) && q.Current != nil && q.Historical != nil:
		return compareReply(q.Current, q.Historical), nil
	case containsAny(lower, diagnoseWords):
		return diagnoseReply(subject(q)), nil
	case q.Historical != nil && q.Current == nil:
		return fetchReply(q.Historical), nil
	default:
		return defaultReply(subject(q)), nil
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// subject is the scan a single-scan question is about.
func subject(q Query) *models.Scan {
	if q.Historical != nil {
		return q.Historical
	}
	return q.Current
}

func imageRef(s *models.Scan) api.ImageRef {
	return api.ImageRef{URL: s.Filename, Filename: s.Filename, Label: s.Title, Date: s.ReportDate}
}

func compareReply(cur, hist *models.Scan) api.ChatResponse {
	var b strings.Builder
	b.WriteString("## Longitudinal Comparison\n\n")
	fmt.Fprintf(&b, "Comparing the current study with **%s %s**:\n\n", hist.ReportDate, hist.Title)
	b.WriteString("| | Prior | Current |\n|---|---|---|\n")
	fmt.Fprintf(&b, "| Study | %s | %s |\n", hist.Title, cur.Title)
	fmt.Fprintf(&b, "| Date | %s | %s |\n", hist.ReportDate, cur.ReportDate)
	fmt.Fprintf(&b, "| Finding | %s | %s |\n\n", hist.Finding, cur.Finding)
	b.WriteString("### Analysis\n\nCorrelate interval change with symptoms and inflammatory markers.")
	b.WriteString(disclaimer)

	var images []api.ImageRef
	for _, s := range []*models.Scan{hist, cur} {
		if s.Filename != "" {
			images = append(images, imageRef(s))
		}
	}
	return api.ChatResponse{Message: b.String(), Images: images, Intent: api.IntentCompare}
}

func diagnoseReply(s *models.Scan) api.ChatResponse {
	var b strings.Builder
	b.WriteString("## Differential Diagnosis\n\n")
	if s != nil {
		fmt.Fprintf(&b, "Study: **%s** (%s)\n\n", s.Title, s.ReportDate)
	}
	b.WriteString("### Favoring Infectious Etiology\n\n- Lobar distribution\n- Air bronchograms\n\n")
	b.WriteString("### Laboratory Correlation Suggested\n\n- CBC with differential\n- CRP / procalcitonin\n- Sputum culture if productive cough\n\n")
	b.WriteString("### Impression\n\n**Findings compatible with an infectious process**, correlate clinically.")
	b.WriteString(disclaimer)
	return api.ChatResponse{Message: b.String(), Intent: api.IntentDiagnose}
}

func fetchReply(s *models.Scan) api.ChatResponse {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", s.Title)
	fmt.Fprintf(&b, "**Date:** %s\n\n**Finding:** %s", s.ReportDate, s.Finding)
	resp := api.ChatResponse{Message: b.String(), Intent: api.IntentFetch}
	if s.Filename != "" {
		resp.Images = []api.ImageRef{imageRef(s)}
	}
	return resp
}

func defaultReply(s *models.Scan) api.ChatResponse {
	var b strings.Builder
	b.WriteString("Thank you for your question. ")
	if s != nil {
		fmt.Fprintf(&b, "Regarding the %s from %s: ", s.Title, s.ReportDate)
	}
	b.WriteString("the findings require careful clinical correlation.\n\nWould you like me to:\n")
	b.WriteString("1. Compare with historical imaging studies?\n2. Provide a differential diagnosis?\n3. Suggest follow-up studies?")
	return api.ChatResponse{Message: b.String()}
}
