package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// timelineEvent tells a subscriber the patient's scan list changed.
type timelineEvent struct {
	PatientID string `json:"patient_id"`
	Count     int64  `json:"count"`
}

// handleEvents streams a timeline event whenever the patient's scan count
// changes.
func (s *server) handleEvents(c *gin.Context) {
	pid := strings.ToUpper(strings.TrimSpace(c.Query("patient_id")))
	if pid == "" {
		fail(c, http.StatusBadRequest, "patient_id is required")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	last, err := ScanCount(s.db, pid)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	writeSSE(c.Writer, "connected", timelineEvent{PatientID: pid, Count: last})
	c.Writer.Flush()

	ctx := c.Request.Context()
	ticker := time.NewTicker(s.poll)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": s.now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-ticker.C:
			n, err := ScanCount(s.db, pid)
			if err != nil || n == last {
				continue
			}
			last = n
			writeSSE(c.Writer, "timeline", timelineEvent{PatientID: pid, Count: n})
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
