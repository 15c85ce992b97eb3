// Package chatlog stores scan conversations.
package chatlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/models"
	"gorm.io/gorm"
)

// Append stores msgs at the end of a scan's conversation. Messages without
// an id get a fresh one.
func Append(db *gorm.DB, patientID, scanID string, msgs ...api.Message) error {
	if patientID == "" {
		return fmt.Errorf("chatlog: patient id is required")
	}
	if scanID == "" {
		return fmt.Errorf("chatlog: scan id is required")
	}
	if len(msgs) == 0 {
		return nil
	}

	rows := make([]models.ChatMessage, 0, len(msgs))
	now := time.Now()
	for _, m := range msgs {
		images, err := marshalImages(m.Attachments)
		if err != nil {
			return fmt.Errorf("chatlog: marshal images: %w", err)
		}
		id := m.ID
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		rows = append(rows, models.ChatMessage{
			MessageID: id,
			PatientID: patientID,
			ScanID:    scanID,
			Role:      m.Role,
			Content:   m.Content,
			Images:    images,
			Intent:    m.Intent,
			CreatedAt: now,
		})
	}

	if err := db.Create(&rows).Error; err != nil {
		return fmt.Errorf("chatlog: append %s: %w", scanID, err)
	}
	return nil
}

// History returns a scan's conversation in the order it was stored.
func History(db *gorm.DB, patientID, scanID string) ([]api.Message, error) {
	if scanID == "" {
		return nil, fmt.Errorf("chatlog: scan id is required")
	}

	var rows []models.ChatMessage
	if err := db.Where("patient_id = ? AND scan_id = ?", patientID, scanID).
		Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("chatlog: history %s: %w", scanID, err)
	}

	out := make([]api.Message, 0, len(rows))
	for _, r := range rows {
		var images []api.ImageRef
		if r.Images != "" {
			if err := json.Unmarshal([]byte(r.Images), &images); err != nil {
				return nil, fmt.Errorf("chatlog: decode images of %s: %w", r.MessageID, err)
			}
		}
		out = append(out, api.Message{
			ID:          r.MessageID,
			Role:        r.Role,
			Content:     r.Content,
			Attachments: images,
			Intent:      r.Intent,
		})
	}
	return out, nil
}

// WithHistory returns the subset of scanIDs that have at least one stored
// message for the patient.
func WithHistory(db *gorm.DB, patientID string, scanIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(scanIDs) == 0 {
		return out, nil
	}
	var ids []string
	if err := db.Model(&models.ChatMessage{}).
		Where("patient_id = ? AND scan_id IN ?", patientID, scanIDs).
		Distinct("scan_id").Pluck("scan_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("chatlog: with history: %w", err)
	}
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// Delete removes a scan's conversation and returns how many messages went.
func Delete(db *gorm.DB, patientID, scanID string) (int64, error) {
	result := db.Where("patient_id = ? AND scan_id = ?", patientID, scanID).
		Delete(&models.ChatMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("chatlog: delete %s: %w", scanID, result.Error)
	}
	return result.RowsAffected, nil
}

func marshalImages(images []api.ImageRef) (string, error) {
	if len(images) == 0 {
		return "", nil
	}
	data, err := json.Marshal(images)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
