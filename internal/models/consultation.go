package models

import "time"

// Consultation is the autosaved record of the conversation about one upload.
// Its ID is the scan ID.
type Consultation struct {
	ID            string `gorm:"primaryKey;size:36"`
	PatientID     string `gorm:"size:64;not null;index"`
	Name          string `gorm:"size:128"`
	ReportDate    string `gorm:"size:32"`
	Status        string `gorm:"size:16;default:pending;index"`
	Diagnosis     string `gorm:"type:text"`
	AIAnalysis    string `gorm:"type:text"`
	Messages      string `gorm:"type:text"` // JSON array of messages
	MessageCount  int
	ImageFilename string `gorm:"size:128"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
