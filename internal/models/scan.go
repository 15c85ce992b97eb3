package models

import "time"

// Scan statuses.
const (
	ScanPending  = "pending"
	ScanNormal   = "normal"
	ScanAbnormal = "abnormal"
)

// PlaceholderFinding is stored on an upload until a reading replaces it.
const PlaceholderFinding = "Medical scan uploaded"

// Scan is one stored imaging study.
type Scan struct {
	ID               string `gorm:"primaryKey;size:36"`
	PatientID        string `gorm:"size:64;not null;index"`
	Type             string `gorm:"size:32"`
	Title            string `gorm:"size:128"`
	Finding          string `gorm:"type:text"`
	Status           string `gorm:"size:16;default:pending;index"`
	Filename         string `gorm:"size:128"`
	OriginalFilename string `gorm:"size:256"`
	ContentType      string `gorm:"size:64"`
	FileSize         int64
	ReportDate       string `gorm:"size:32"`
	CreatedAt        time.Time
}
