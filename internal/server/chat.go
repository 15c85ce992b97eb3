package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/chatlog"
	"github.com/zulandar/scanroom/internal/models"
	"gorm.io/gorm"
)

// handleChat answers a question and appends both sides to the conversation
// of the scan it was asked about: the recalled scan when set, otherwise the
// current one.
func (s *server) handleChat(c *gin.Context) {
	var req api.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid chat request")
		return
	}
	req.PatientID = strings.ToUpper(strings.TrimSpace(req.PatientID))
	if req.PatientID == "" || strings.TrimSpace(req.Message) == "" {
		fail(c, http.StatusBadRequest, "patient_id and message are required")
		return
	}

	q := Query{PatientID: req.PatientID, Message: req.Message}
	var err error
	if q.Current, err = s.lookupScan(req.PatientID, req.CurrentScanID); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if q.Historical, err = s.lookupScan(req.PatientID, req.ScanID); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	resp, err := s.responder.Respond(c.Request.Context(), q)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}

	threadID := req.ScanID
	if threadID == "" {
		threadID = req.CurrentScanID
	}
	if threadID != "" {
		err := chatlog.Append(s.db, req.PatientID, threadID,
			api.Message{Role: api.RoleUser, Content: req.Message},
			api.Message{Role: api.RoleAssistant, Content: resp.Message, Attachments: resp.Images, Intent: resp.Intent},
		)
		if err != nil {
			log.Printf("server: %v", err)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// lookupScan returns the patient's scan with id, or nil when id is empty or
// unknown.
func (s *server) lookupScan(patientID, id string) (*models.Scan, error) {
	if id == "" {
		return nil, nil
	}
	var scan models.Scan
	err := s.db.Where("id = ? AND patient_id = ?", id, patientID).First(&scan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// handleChatHistory returns a scan's stored conversation, falling back to
// the messages of its autosaved consultation.
func (s *server) handleChatHistory(c *gin.Context) {
	var req api.HistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ScanID == "" {
		fail(c, http.StatusBadRequest, "scan_id is required")
		return
	}
	req.PatientID = strings.ToUpper(strings.TrimSpace(req.PatientID))

	msgs, err := chatlog.History(s.db, req.PatientID, req.ScanID)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if len(msgs) == 0 {
		saved, err := ConsultationMessages(s.db, req.PatientID, req.ScanID)
		if err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		msgs = saved
	}
	c.JSON(http.StatusOK, api.HistoryResponse{Messages: msgs})
}
