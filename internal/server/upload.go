package server

import (
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
)

// handleUpload stores an image under a fresh name and records the scan. The
// stored file is removed if the scan cannot be recorded.
func (s *server) handleUpload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, "file is required")
		return
	}
	patientID := strings.ToUpper(strings.TrimSpace(c.PostForm("patient_id")))
	if patientID == "" {
		fail(c, http.StatusBadRequest, "patient_id is required")
		return
	}
	contentType := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		fail(c, http.StatusBadRequest, "File must be an image")
		return
	}

	ext := filepath.Ext(fh.Filename)
	if ext == "" {
		ext = ".jpg"
	}
	stored := uuid.NewString() + ext
	path := filepath.Join(s.uploadDir, stored)
	if err := c.SaveUploadedFile(fh, path); err != nil {
		fail(c, http.StatusInternalServerError, fmt.Sprintf("Upload failed: %v", err))
		return
	}

	scanType := strings.TrimSpace(c.PostForm("scan_type"))
	title := scanType
	if title == "" {
		title = "Uploaded scan"
	}
	scan := models.Scan{
		ID:               uuid.NewString(),
		PatientID:        patientID,
		Type:             scanType,
		Title:            title,
		Finding:          models.PlaceholderFinding,
		Status:           models.ScanPending,
		Filename:         stored,
		OriginalFilename: fh.Filename,
		ContentType:      contentType,
		FileSize:         fh.Size,
		ReportDate:       s.now().Format("Jan 2006"),
		CreatedAt:        s.now(),
	}
	if err := s.db.Create(&scan).Error; err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			log.Printf("server: remove %s after failed upload: %v", stored, rmErr)
		}
		fail(c, http.StatusInternalServerError, fmt.Sprintf("Upload failed: %v", err))
		return
	}

	log.Printf("server: stored scan %s for %s (%s, %d bytes)", scan.ID, patientID, stored, fh.Size)
	c.JSON(http.StatusOK, api.UploadResponse{
		Success:  true,
		ScanID:   scan.ID,
		Filename: stored,
		Message:  "Scan uploaded and indexed successfully",
	})
}
