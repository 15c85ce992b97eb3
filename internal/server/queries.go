package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/chatlog"
	"github.com/zulandar/scanroom/internal/models"
	"gorm.io/gorm"
)

// PatientScans returns a patient's scans newest first, each flagged with
// whether a conversation is stored for it.
func PatientScans(db *gorm.DB, patientID string) ([]api.ScanSummary, error) {
	var scans []models.Scan
	if err := db.Where("patient_id = ?", patientID).
		Order("created_at DESC, id DESC").Find(&scans).Error; err != nil {
		return nil, fmt.Errorf("server: scans for %s: %w", patientID, err)
	}

	ids := make([]string, len(scans))
	for i, s := range scans {
		ids[i] = s.ID
	}
	hasChat, err := chatlog.WithHistory(db, patientID, ids)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		var saved []string
		if err := db.Model(&models.Consultation{}).
			Where("patient_id = ? AND id IN ? AND message_count > 0", patientID, ids).
			Pluck("id", &saved).Error; err != nil {
			return nil, fmt.Errorf("server: consultations for %s: %w", patientID, err)
		}
		for _, id := range saved {
			hasChat[id] = true
		}
	}

	out := make([]api.ScanSummary, len(scans))
	for i, s := range scans {
		out[i] = api.ScanSummary{
			ID:             s.ID,
			Date:           s.ReportDate,
			Type:           s.Type,
			Title:          s.Title,
			Finding:        s.Finding,
			Status:         s.Status,
			Filename:       s.Filename,
			HasChatHistory: hasChat[s.ID],
		}
	}
	return out, nil
}

// ScanCount returns how many scans a patient has.
func ScanCount(db *gorm.DB, patientID string) (int64, error) {
	var n int64
	if err := db.Model(&models.Scan{}).Where("patient_id = ?", patientID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("server: count scans for %s: %w", patientID, err)
	}
	return n, nil
}

// ConsultationMessages returns the messages of an autosaved consultation, or
// none when it does not exist.
func ConsultationMessages(db *gorm.DB, patientID, id string) ([]api.Message, error) {
	var rec models.Consultation
	err := db.Where("id = ? AND patient_id = ?", id, patientID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []api.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("server: consultation %s: %w", id, err)
	}
	msgs := []api.Message{}
	if rec.Messages != "" {
		if err := json.Unmarshal([]byte(rec.Messages), &msgs); err != nil {
			return nil, fmt.Errorf("server: decode consultation %s: %w", id, err)
		}
	}
	return msgs, nil
}

// handlePatientHistory lists the patient's scans.
func (s *server) handlePatientHistory(c *gin.Context) {
	var req api.PatientHistoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request")
		return
	}
	pid := strings.ToUpper(strings.TrimSpace(req.PatientID))
	if pid == "" {
		fail(c, http.StatusBadRequest, "patient_id is required")
		return
	}
	scans, err := PatientScans(s.db, pid)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, api.PatientHistoryResponse{Scans: scans})
}
