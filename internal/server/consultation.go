package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/models"
	"gorm.io/gorm/clause"
)

// handleAutosave upserts a consultation keyed by consultationId. Fields the
// client left out keep their stored values.
func (s *server) handleAutosave(c *gin.Context) {
	id := strings.TrimSpace(c.PostForm("consultationId"))
	patientID := strings.ToUpper(strings.TrimSpace(c.PostForm("patientId")))
	if id == "" || patientID == "" {
		fail(c, http.StatusBadRequest, "consultationId and patientId are required")
		return
	}

	var msgs []api.Message
	if raw := c.PostForm("messages"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
			fail(c, http.StatusBadRequest, fmt.Sprintf("messages: %v", err))
			return
		}
	}
	encoded, err := json.Marshal(msgs)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	status := c.PostForm("status")
	switch status {
	case "":
		status = api.StatusPending
	case api.StatusPending, api.StatusCompleted:
	default:
		fail(c, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}

	now := s.now()
	rec := models.Consultation{
		ID:           id,
		PatientID:    patientID,
		Name:         fmt.Sprintf("Consultation %s %s", now.Format("2006-01-02"), now.Format("15:04:05")),
		ReportDate:   now.Format("2006-01-02"),
		Status:       status,
		Diagnosis:    c.PostForm("diagnosis"),
		AIAnalysis:   c.PostForm("ai_analysis"),
		Messages:     string(encoded),
		MessageCount: len(msgs),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	update := []string{"patient_id", "status", "messages", "message_count", "updated_at"}
	if rec.Diagnosis != "" {
		update = append(update, "diagnosis")
	}
	if rec.AIAnalysis != "" {
		update = append(update, "ai_analysis")
	}

	if fh, err := c.FormFile("image"); err == nil {
		ext := filepath.Ext(fh.Filename)
		if ext == "" {
			ext = ".jpg"
		}
		stored := uuid.NewString() + ext
		if err := c.SaveUploadedFile(fh, filepath.Join(s.uploadDir, stored)); err != nil {
			fail(c, http.StatusInternalServerError, fmt.Sprintf("save image: %v", err))
			return
		}
		rec.ImageFilename = stored
		update = append(update, "image_filename")
	}

	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(update),
	}).Create(&rec)
	if result.Error != nil {
		if rec.ImageFilename != "" {
			os.Remove(filepath.Join(s.uploadDir, rec.ImageFilename))
		}
		fail(c, http.StatusInternalServerError, fmt.Sprintf("autosave: %v", result.Error))
		return
	}

	if rec.Diagnosis != "" {
		err := s.db.Model(&models.Scan{}).
			Where("id = ? AND patient_id = ?", id, patientID).
			Update("finding", rec.Diagnosis).Error
		if err != nil {
			log.Printf("server: record finding for %s: %v", id, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "consultation_id": id})
}
