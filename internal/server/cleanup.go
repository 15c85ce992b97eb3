package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/scanroom/internal/api"
	"github.com/zulandar/scanroom/internal/models"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CleanerOpts holds parameters for creating a Cleaner.
type CleanerOpts struct {
	DB        *gorm.DB
	UploadDir string
	Schedule  string        // cron expression
	TTL       time.Duration // age after which untouched records are swept
	Now       func() time.Time
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Consultations int64
	Scans         int64
	Files         int
}

// Cleaner periodically removes abandoned records: pending consultations
// that never received a message, and uploads still carrying the placeholder
// finding with no conversation attached.
type Cleaner struct {
	db        *gorm.DB
	uploadDir string
	schedule  cron.Schedule
	spec      string
	ttl       time.Duration
	now       func() time.Time
	cron      *cron.Cron
}

// NewCleaner validates the schedule and creates a Cleaner.
func NewCleaner(opts CleanerOpts) (*Cleaner, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("server: cleaner db is required")
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("server: cleaner ttl must be positive")
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("server: cleaner schedule %q: %w", opts.Schedule, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cleaner{
		db:        opts.DB,
		uploadDir: opts.UploadDir,
		schedule:  sched,
		spec:      opts.Schedule,
		ttl:       opts.TTL,
		now:       now,
	}, nil
}

// Next returns the next time the sweep will run.
func (c *Cleaner) Next() time.Time {
	return c.schedule.Next(c.now())
}

// Run sweeps on schedule until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	c.cron = cron.New(cron.WithParser(cronParser))
	_, err := c.cron.AddFunc(c.spec, func() {
		res, err := c.Sweep(ctx)
		if err != nil {
			log.Printf("server: cleanup: %v", err)
			return
		}
		if res.Consultations > 0 || res.Scans > 0 {
			log.Printf("server: cleanup removed %d consultations, %d scans, %d files",
				res.Consultations, res.Scans, res.Files)
		}
	})
	if err != nil {
		return fmt.Errorf("server: cleaner schedule: %w", err)
	}
	c.cron.Start()
	log.Printf("server: cleanup scheduled %q, next run %s", c.spec, c.Next().Format(time.RFC3339))

	<-ctx.Done()
	<-c.cron.Stop().Done()
	return nil
}

// Sweep removes records older than the TTL.
func (c *Cleaner) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := c.now().Add(-c.ttl)
	db := c.db.WithContext(ctx)

	result := db.Where("status = ? AND message_count = 0 AND updated_at < ?", api.StatusPending, cutoff).
		Delete(&models.Consultation{})
	if result.Error != nil {
		return res, fmt.Errorf("sweep consultations: %w", result.Error)
	}
	res.Consultations = result.RowsAffected

	var stale []models.Scan
	err := db.Where("finding = ? AND created_at < ?", models.PlaceholderFinding, cutoff).
		Where("id NOT IN (?)", db.Model(&models.ChatMessage{}).Select("scan_id")).
		Where("id NOT IN (?)", db.Model(&models.Consultation{}).Select("id")).
		Find(&stale).Error
	if err != nil {
		return res, fmt.Errorf("sweep scans: %w", err)
	}
	for _, s := range stale {
		if err := db.Delete(&models.Scan{}, "id = ?", s.ID).Error; err != nil {
			return res, fmt.Errorf("sweep scan %s: %w", s.ID, err)
		}
		res.Scans++
		if s.Filename == "" || c.uploadDir == "" {
			continue
		}
		if err := os.Remove(filepath.Join(c.uploadDir, s.Filename)); err == nil {
			res.Files++
		} else if !os.IsNotExist(err) {
			log.Printf("server: cleanup remove %s: %v", s.Filename, err)
		}
	}
	return res, nil
}
