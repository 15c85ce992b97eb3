package models

import "time"

// ChatMessage is one stored message of a scan's conversation.
type ChatMessage struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID string `gorm:"size:64;not null;index"`
	PatientID string `gorm:"size:64;not null;index:idx_chat_scan"`
	ScanID    string `gorm:"size:36;not null;index:idx_chat_scan"`
	Role      string `gorm:"size:16;not null"`
	Content   string `gorm:"type:text"`
	Images    string `gorm:"type:text"` // JSON array of image refs
	Intent    string `gorm:"size:16"`
	CreatedAt time.Time
}
