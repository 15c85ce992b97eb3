package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody caps how much of a failed response body is kept in a StatusError.
const maxErrorBody = 512

// Client talks to the collaborator over HTTP.
type Client struct {
	baseURL   string
	imageBase string
	http      *http.Client
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL    string
	ImageBase  string        // prefix joined onto relative image URLs
	Timeout    time.Duration // ignored when HTTPClient is set
	HTTPClient *http.Client
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("api: base url is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		imageBase: opts.ImageBase,
		http:      hc,
	}, nil
}

// Upload sends a scan image as multipart form data.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (UploadResponse, Result) {
	var out UploadResponse
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := writeUploadForm(w, req); err != nil {
		return out, Failure(fmt.Errorf("api: upload: %w", err))
	}

	res := c.do(ctx, PathUpload, w.FormDataContentType(), &body, &out)
	if res.OK && out.ScanID == "" {
		return out, Failure(fmt.Errorf("api: upload: response missing scan_id"))
	}
	return out, res
}

// Chat asks the assistant a question. Image URLs in the reply are resolved
// against the image base path.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, Result) {
	var out ChatResponse
	res := c.postJSON(ctx, PathChat, req, &out)
	if !res.OK {
		return out, res
	}
	for i := range out.Images {
		out.Images[i].URL = c.ImageURL(out.Images[i].URL)
	}
	return out, res
}

// ChatHistory fetches the stored transcript for a scan.
func (c *Client) ChatHistory(ctx context.Context, req HistoryRequest) (HistoryResponse, Result) {
	var out HistoryResponse
	res := c.postJSON(ctx, PathChatHistory, req, &out)
	if !res.OK {
		return out, res
	}
	for i := range out.Messages {
		for j := range out.Messages[i].Attachments {
			a := &out.Messages[i].Attachments[j]
			a.URL = c.ImageURL(a.URL)
		}
	}
	return out, res
}

// PatientHistory lists the stored scans for a patient.
func (c *Client) PatientHistory(ctx context.Context, patientID string) (PatientHistoryResponse, Result) {
	var out PatientHistoryResponse
	res := c.postJSON(ctx, PathPatientHistory, PatientHistoryRequest{PatientID: patientID}, &out)
	return out, res
}

// Autosave persists a consultation snapshot. Only the HTTP status matters;
// the response body is discarded.
func (c *Client) Autosave(ctx context.Context, req AutosaveRequest) Result {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := writeAutosaveForm(w, req); err != nil {
		return Failure(fmt.Errorf("api: autosave: %w", err))
	}
	return c.do(ctx, PathAutosave, w.FormDataContentType(), &body, nil)
}

// Health pings the collaborator.
func (c *Client) Health(ctx context.Context) Result {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, nil)
	if err != nil {
		return Failure(fmt.Errorf("api: health: %w", err))
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Failure(fmt.Errorf("api: health: %w", err))
	}
	defer resp.Body.Close()
	return checkStatus(PathHealth, resp)
}

// ImageURL joins a relative image URL onto the image base path. Absolute
// URLs are returned unchanged.
func (c *Client) ImageURL(u string) string {
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if c.imageBase == "" {
		return u
	}
	return strings.TrimRight(c.imageBase, "/") + "/" + strings.TrimLeft(u, "/")
}

// writeUploadForm encodes the image and its patient and scan type fields.
func writeUploadForm(w *multipart.Writer, req UploadRequest) error {
	fw, err := w.CreateFormFile("file", req.Filename)
	if err != nil {
		return err
	}
	if _, err := fw.Write(req.Data); err != nil {
		return err
	}
	for _, f := range [][2]string{{"patient_id", req.PatientID}, {"scan_type", req.ScanType}} {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	return w.Close()
}

// writeAutosaveForm encodes the autosave fields. Optional fields are only
// written when set.
func writeAutosaveForm(w *multipart.Writer, req AutosaveRequest) error {
	msgs := req.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	encoded, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	status := req.Status
	if status == "" {
		status = StatusPending
	}
	fields := [][2]string{
		{"consultationId", req.ConsultationID},
		{"patientId", req.PatientID},
		{"messages", string(encoded)},
		{"status", status},
	}
	if req.Diagnosis != "" {
		fields = append(fields, [2]string{"diagnosis", req.Diagnosis})
	}
	if req.AIAnalysis != "" {
		fields = append(fields, [2]string{"ai_analysis", req.AIAnalysis})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	if req.Image != nil {
		fw, err := w.CreateFormFile("image", req.Image.Filename)
		if err != nil {
			return err
		}
		if _, err := fw.Write(req.Image.Data); err != nil {
			return err
		}
	}
	return w.Close()
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) Result {
	data, err := json.Marshal(in)
	if err != nil {
		return Failure(fmt.Errorf("api: %s: encode: %w", path, err))
	}
	return c.do(ctx, path, "application/json", bytes.NewReader(data), out)
}

// do issues one POST and decodes a JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader, out any) Result {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return Failure(fmt.Errorf("api: %s: %w", path, err))
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Failure(fmt.Errorf("api: %s: %w", path, err))
	}
	defer resp.Body.Close()

	if res := checkStatus(path, resp); !res.OK {
		return res
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return Success()
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Failure(fmt.Errorf("api: %s: decode: %w", path, err))
	}
	return Success()
}

func checkStatus(path string, resp *http.Response) Result {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Success()
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return Failure(&StatusError{
		Path:   path,
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(snippet)),
	})
}
