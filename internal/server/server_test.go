package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/config"
	"github.com/zulandar/scanroom/internal/db"
	"github.com/zulandar/scanroom/internal/models"
	"gorm.io/gorm"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// stepClock returns a clock that advances one minute per call so rows get
// distinct, ordered timestamps.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Minute)
		return t
	}
}

type testEnv struct {
	db      *gorm.DB
	dir     string
	handler http.Handler
	client  *api.Client
	srv     *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gdb, err := db.Prepare(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("prepare db: %v", err)
	}
	dir := t.TempDir()
	router, err := NewRouter(Opts{
		DB:           gdb,
		UploadDir:    dir,
		PollInterval: 10 * time.Millisecond,
		Now:          stepClock(),
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	client, err := api.NewClient(api.ClientOpts{BaseURL: srv.URL, ImageBase: srv.URL + "/uploads/"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return &testEnv{db: gdb, dir: dir, handler: router, client: client, srv: srv}
}

func (e *testEnv) upload(t *testing.T, pid, scanType string) api.UploadResponse {
	t.Helper()
	resp, res := e.client.Upload(context.Background(), api.UploadRequest{
		PatientID: pid, ScanType: scanType, Filename: "scan.png", Data: []byte("\x89PNG fake"),
	})
	if !res.OK {
		t.Fatalf("Upload: %v", res.Err)
	}
	return resp
}

// multipartBody builds a form with one file part of the given content type.
func multipartBody(t *testing.T, fields map[string]string, fileField, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	if fileField != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+fileField+`"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write(data)
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body *bytes.Buffer) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return len(entries)
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewRouter_Validation(t *testing.T) {
	if _, err := NewRouter(Opts{UploadDir: t.TempDir()}); err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("err = %v, want db is required", err)
	}
	gdb, _ := db.OpenSQLite(":memory:")
	if _, err := NewRouter(Opts{DB: gdb}); err == nil || !strings.Contains(err.Error(), "upload dir is required") {
		t.Errorf("err = %v, want upload dir is required", err)
	}
}

func TestStart_NilDB(t *testing.T) {
	err := Start(context.Background(), StartOpts{UploadDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("err = %v, want db is required", err)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	if res := e.client.Health(context.Background()); !res.OK {
		t.Fatalf("Health: %v", res.Err)
	}
	rec := e.do(t, http.MethodGet, api.PathHealth, "", nil)
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Upload
// ---------------------------------------------------------------------------

func TestUpload_StoresFileAndScan(t *testing.T) {
	e := newTestEnv(t)
	resp := e.upload(t, "pid1", "X-Ray")

	if resp.ScanID == "" || !resp.Success {
		t.Fatalf("resp = %+v", resp)
	}
	if !strings.HasSuffix(resp.Filename, ".png") || resp.Filename == "scan.png" {
		t.Errorf("filename = %q, want a fresh name keeping the extension", resp.Filename)
	}
	data, err := os.ReadFile(filepath.Join(e.dir, resp.Filename))
	if err != nil || string(data) != "\x89PNG fake" {
		t.Errorf("stored file = %q, %v", data, err)
	}

	var scan models.Scan
	if err := e.db.First(&scan, "id = ?", resp.ScanID).Error; err != nil {
		t.Fatalf("scan row: %v", err)
	}
	if scan.PatientID != "PID1" || scan.Title != "X-Ray" || scan.Finding != models.PlaceholderFinding {
		t.Errorf("scan = %+v", scan)
	}

	// Served back as a static file.
	got, err := http.Get(e.client.ImageURL(resp.Filename))
	if err != nil {
		t.Fatalf("GET image: %v", err)
	}
	got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Errorf("image status = %d", got.StatusCode)
	}
}

func TestUpload_RejectsNonImage(t *testing.T) {
	e := newTestEnv(t)
	body, ct := multipartBody(t, map[string]string{"patient_id": "P1"}, "file", "notes.txt", "text/plain", []byte("hi"))
	rec := e.do(t, http.MethodPost, api.PathUpload, ct, body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "File must be an image") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if countFiles(t, e.dir) != 0 {
		t.Error("rejected upload left a file behind")
	}
}

func TestUpload_MissingPatient(t *testing.T) {
	e := newTestEnv(t)
	body, ct := multipartBody(t, nil, "file", "a.png", "image/png", []byte("x"))
	if rec := e.do(t, http.MethodPost, api.PathUpload, ct, body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUpload_DBFailureRemovesFile(t *testing.T) {
	e := newTestEnv(t)
	if err := e.db.Migrator().DropTable(&models.Scan{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	body, ct := multipartBody(t, map[string]string{"patient_id": "P1"}, "file", "a.png", "image/png", []byte("x"))
	rec := e.do(t, http.MethodPost, api.PathUpload, ct, body)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if countFiles(t, e.dir) != 0 {
		t.Error("stored file not removed after failed upload")
	}
}

func TestUpload_ClientFailureResult(t *testing.T) {
	e := newTestEnv(t)
	_, res := e.client.Upload(context.Background(), api.UploadRequest{PatientID: "", Filename: "a.png", Data: []byte("x")})
	if res.OK {
		t.Fatal("expected failure")
	}
	if !api.IsStatus(res.Err, http.StatusBadRequest) {
		t.Errorf("err = %v, want 400 StatusError", res.Err)
	}
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

func TestChat_StoresOnRecalledThread(t *testing.T) {
	e := newTestEnv(t)
	prior := e.upload(t, "P1", "CT Chest")
	current := e.upload(t, "P1", "Chest X-Ray")

	resp, res := e.client.Chat(context.Background(), api.ChatRequest{
		PatientID: "P1", Message: "Compare with the prior study", CurrentScanID: current.ScanID, ScanID: prior.ScanID,
	})
	if !res.OK {
		t.Fatalf("Chat: %v", res.Err)
	}
	if resp.Intent != api.IntentCompare {
		t.Errorf("intent = %q, want compare", resp.Intent)
	}
	if len(resp.Images) != 2 || !strings.HasPrefix(resp.Images[0].URL, e.srv.URL+"/uploads/") {
		t.Errorf("images = %+v, want two resolved urls", resp.Images)
	}

	hist, res := e.client.ChatHistory(context.Background(), api.HistoryRequest{PatientID: "P1", ScanID: prior.ScanID})
	if !res.OK {
		t.Fatalf("ChatHistory: %v", res.Err)
	}
	if len(hist.Messages) != 2 || hist.Messages[0].Role != api.RoleUser || hist.Messages[1].Intent != api.IntentCompare {
		t.Errorf("history = %+v", hist.Messages)
	}
	cur, _ := e.client.ChatHistory(context.Background(), api.HistoryRequest{PatientID: "P1", ScanID: current.ScanID})
	if len(cur.Messages) != 0 {
		t.Errorf("current thread got %d messages, want 0", len(cur.Messages))
	}
}

func TestChat_CurrentOnlyDiagnose(t *testing.T) {
	e := newTestEnv(t)
	current := e.upload(t, "P1", "Chest X-Ray")
	resp, res := e.client.Chat(context.Background(), api.ChatRequest{
		PatientID: "P1", Message: "Is this pneumonia?", CurrentScanID: current.ScanID,
	})
	if !res.OK {
		t.Fatalf("Chat: %v", res.Err)
	}
	if resp.Intent != api.IntentDiagnose || !strings.Contains(resp.Message, "### Impression") {
		t.Errorf("resp = %+v", resp)
	}
	hist, _ := e.client.ChatHistory(context.Background(), api.HistoryRequest{PatientID: "P1", ScanID: current.ScanID})
	if len(hist.Messages) != 2 {
		t.Errorf("history = %d messages, want 2", len(hist.Messages))
	}
}

func TestChat_RequiresMessage(t *testing.T) {
	e := newTestEnv(t)
	_, res := e.client.Chat(context.Background(), api.ChatRequest{PatientID: "P1", Message: "  "})
	if !api.IsStatus(res.Err, http.StatusBadRequest) {
		t.Errorf("err = %v, want 400", res.Err)
	}
}

// ---------------------------------------------------------------------------
// Autosave
// ---------------------------------------------------------------------------

func TestAutosave_UpsertKeepsOmittedFields(t *testing.T) {
	e := newTestEnv(t)
	scan := e.upload(t, "P1", "Chest X-Ray")
	ctx := context.Background()

	res := e.client.Autosave(ctx, api.AutosaveRequest{
		ConsultationID: scan.ScanID, PatientID: "P1",
		Image: &api.Attachment{Filename: "scan.png", Data: []byte("img")},
	})
	if !res.OK {
		t.Fatalf("first autosave: %v", res.Err)
	}
	res = e.client.Autosave(ctx, api.AutosaveRequest{
		ConsultationID: scan.ScanID, PatientID: "P1",
		Messages:  []api.Message{{ID: "m1", Role: api.RoleUser, Content: "q"}, {ID: "m2", Role: api.RoleAssistant, Content: "a"}},
		Status:    api.StatusCompleted,
		Diagnosis: "Right lower lobe opacity",
	})
	if !res.OK {
		t.Fatalf("second autosave: %v", res.Err)
	}

	var rec models.Consultation
	if err := e.db.First(&rec, "id = ?", scan.ScanID).Error; err != nil {
		t.Fatalf("consultation row: %v", err)
	}
	if rec.Status != api.StatusCompleted || rec.MessageCount != 2 || rec.Diagnosis != "Right lower lobe opacity" {
		t.Errorf("consultation = %+v", rec)
	}
	if rec.ImageFilename == "" {
		t.Error("image filename lost when a later save omitted the image")
	}

	var s models.Scan
	e.db.First(&s, "id = ?", scan.ScanID)
	if s.Finding != "Right lower lobe opacity" {
		t.Errorf("scan finding = %q, want the diagnosis", s.Finding)
	}

	var count int64
	e.db.Model(&models.Consultation{}).Count(&count)
	if count != 1 {
		t.Errorf("consultations = %d, want 1", count)
	}
}

func TestAutosave_HistoryFallsBackToConsultation(t *testing.T) {
	e := newTestEnv(t)
	scan := e.upload(t, "P1", "CT")
	e.client.Autosave(context.Background(), api.AutosaveRequest{
		ConsultationID: scan.ScanID, PatientID: "P1",
		Messages: []api.Message{{ID: "m1", Role: api.RoleUser, Content: "saved only"}},
	})
	hist, res := e.client.ChatHistory(context.Background(), api.HistoryRequest{PatientID: "P1", ScanID: scan.ScanID})
	if !res.OK {
		t.Fatalf("ChatHistory: %v", res.Err)
	}
	if len(hist.Messages) != 1 || hist.Messages[0].Content != "saved only" {
		t.Errorf("history = %+v", hist.Messages)
	}
}

func TestAutosave_Validation(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"missing id", map[string]string{"patientId": "P1"}},
		{"bad messages", map[string]string{"consultationId": "c1", "patientId": "P1", "messages": "{not json"}},
		{"bad status", map[string]string{"consultationId": "c1", "patientId": "P1", "status": "archived"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.fields, "", "", "", nil)
			if rec := e.do(t, http.MethodPost, api.PathAutosave, ct, body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Patient history
// ---------------------------------------------------------------------------

func TestPatientHistory_NewestFirstWithFlags(t *testing.T) {
	e := newTestEnv(t)
	first := e.upload(t, "P1", "CT Chest")
	second := e.upload(t, "P1", "Chest X-Ray")
	e.upload(t, "P2", "MRI")

	e.client.Chat(context.Background(), api.ChatRequest{PatientID: "P1", Message: "hello", ScanID: first.ScanID})

	resp, res := e.client.PatientHistory(context.Background(), "p1")
	if !res.OK {
		t.Fatalf("PatientHistory: %v", res.Err)
	}
	if len(resp.Scans) != 2 {
		t.Fatalf("scans = %+v, want 2 for P1", resp.Scans)
	}
	if resp.Scans[0].ID != second.ScanID || resp.Scans[1].ID != first.ScanID {
		t.Errorf("order = %s, %s; want newest first", resp.Scans[0].ID, resp.Scans[1].ID)
	}
	if resp.Scans[0].HasChatHistory || !resp.Scans[1].HasChatHistory {
		t.Errorf("has_chat_history flags = %v, %v", resp.Scans[0].HasChatHistory, resp.Scans[1].HasChatHistory)
	}
	if resp.Scans[0].Date != "Oct 2026" {
		t.Errorf("date = %q", resp.Scans[0].Date)
	}
}

func TestPatientHistory_RequiresPatient(t *testing.T) {
	e := newTestEnv(t)
	body := bytes.NewBufferString(`{}`)
	if rec := e.do(t, http.MethodPost, api.PathPatientHistory, "application/json", body); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

func TestEvents_TimelineAfterUpload(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+api.PathEvents+"?patient_id=P1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := make(chan [2]string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		var name string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- [2]string{name, strings.TrimPrefix(line, "data: ")}
			}
		}
		close(events)
	}()

	next := func() [2]string {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
		}
		return [2]string{}
	}

	if ev := next(); ev[0] != "connected" {
		t.Fatalf("first event = %v, want connected", ev)
	}
	e.upload(t, "P1", "CT")

	ev := next()
	for ev[0] == "heartbeat" {
		ev = next()
	}
	if ev[0] != "timeline" {
		t.Fatalf("event = %v, want timeline", ev)
	}
	var data timelineEvent
	if err := json.Unmarshal([]byte(ev[1]), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.PatientID != "P1" || data.Count != 1 {
		t.Errorf("data = %+v", data)
	}
}

func TestEvents_RequiresPatient(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.do(t, http.MethodGet, api.PathEvents, "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	writeSSE(&buf, "timeline", timelineEvent{PatientID: "P1", Count: 2})
	want := "event: timeline\ndata: {\"patient_id\":\"P1\",\"count\":2}\n\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}
