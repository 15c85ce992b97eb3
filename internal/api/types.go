// Package api is the dashboard core's boundary to its remote collaborator:
// scan upload, chat, chat history, consultation autosave and patient history.
package api

import (
	"errors"
	"fmt"
)

// Paths served by the collaborator.
const (
	PathUpload         = "/upload-scan"
	PathChat           = "/chat"
	PathChatHistory    = "/get-chat-history"
	PathAutosave       = "/api/consultations/autosave"
	PathPatientHistory = "/patient-history"
	PathHealth         = "/health"
	PathEvents         = "/api/events"
)

// Roles a message can carry.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

// Intent tags attached to assistant replies.
const (
	IntentDiagnose = "diagnose"
	IntentFetch    = "fetch"
	IntentCompare  = "compare"
)

// Consultation statuses sent with an autosave.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Result is the outcome of one network operation. Each call site decides
// whether a failure is logged only or surfaced to the user.
type Result struct {
	OK  bool
	Err error
}

// Success returns a successful Result.
func Success() Result { return Result{OK: true} }

// Failure wraps err in a failed Result.
func Failure(err error) Result { return Result{Err: err} }

// StatusError reports a non-2xx response from the collaborator.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api: %s: status %d: %s", e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("api: %s: status %d", e.Path, e.Status)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == code
}

// ImageRef points at a stored scan image. URL is relative to the image base
// path until the client resolves it.
type ImageRef struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Label    string `json:"label"`
	Date     string `json:"date"`
}

// Message is the wire form of a chat message.
type Message struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	Content     string     `json:"content"`
	Attachments []ImageRef `json:"images,omitempty"`
	Intent      string     `json:"intent,omitempty"`
}

// ScanSummary is one entry of a patient's history list.
type ScanSummary struct {
	ID             string `json:"id"`
	Date           string `json:"date"`
	Type           string `json:"type"`
	Title          string `json:"title"`
	Finding        string `json:"finding"`
	Status         string `json:"status"`
	Filename       string `json:"filename,omitempty"`
	HasChatHistory bool   `json:"has_chat_history,omitempty"`
}

// UploadRequest carries a scan image for POST /upload-scan.
type UploadRequest struct {
	PatientID string
	ScanType  string
	Filename  string
	Data      []byte
}

// UploadResponse is returned by a successful upload.
type UploadResponse struct {
	Success  bool   `json:"success"`
	ScanID   string `json:"scan_id"`
	Filename string `json:"filename"`
	Message  string `json:"message,omitempty"`
}

// ChatRequest is the body of POST /chat. ScanID names the recalled scan and
// CurrentScanID the one uploaded in this session; either may be empty.
type ChatRequest struct {
	PatientID     string `json:"patient_id"`
	Message       string `json:"message"`
	CurrentScanID string `json:"current_scan_id"`
	ScanID        string `json:"scan_id"`
}

// ChatResponse is the assistant reply to a ChatRequest.
type ChatResponse struct {
	Message string     `json:"message"`
	Images  []ImageRef `json:"images"`
	Intent  string     `json:"intent"`
}

// HistoryRequest is the body of POST /get-chat-history.
type HistoryRequest struct {
	PatientID string `json:"patient_id"`
	ScanID    string `json:"scan_id"`
}

// HistoryResponse holds the stored transcript for one scan.
type HistoryResponse struct {
	Messages []Message `json:"messages"`
}

// PatientHistoryRequest is the body of POST /patient-history.
type PatientHistoryRequest struct {
	PatientID string `json:"patient_id"`
}

// PatientHistoryResponse lists a patient's stored scans, newest first.
type PatientHistoryResponse struct {
	Scans []ScanSummary `json:"scans"`
}

// Attachment is a binary sent with an autosave.
type Attachment struct {
	Filename string
	Data     []byte
}

// AutosaveRequest is the multipart body of POST /api/consultations/autosave.
// Messages is serialized to JSON as a single form field.
type AutosaveRequest struct {
	ConsultationID string
	PatientID      string
	Messages       []Message
	Status         string
	Diagnosis      string
	AIAnalysis     string
	Image          *Attachment
}
