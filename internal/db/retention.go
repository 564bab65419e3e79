package db

import (
	"log"
	"time"

	"gorm.io/gorm"
)

// runRetentionOnce performs a single pass of retention cleanup, deleting
// aggregates, event-id claims and dead letters past their ExpiresAt.
func runRetentionOnce(db *gorm.DB) error {
	now := time.Now().UTC()
	if err := db.Where("expires_at <= ?", now).Delete(&RuleHourAggregate{}).Error; err != nil {
		return err
	}
	if err := db.Where("expires_at <= ?", now).Delete(&SeenEvent{}).Error; err != nil {
		return err
	}
	if err := db.Where("expires_at <= ?", now).Delete(&DeadLetter{}).Error; err != nil {
		return err
	}
	return nil
}

// StartRetentionWorker launches a background goroutine that runs the
// retention cleanup once at startup and then once per day.
func StartRetentionWorker(db *gorm.DB) {
	go func() {
		if err := runRetentionOnce(db); err != nil {
			log.Printf("retention cleanup error (startup): %v", err)
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			if err := runRetentionOnce(db); err != nil {
				log.Printf("retention cleanup error: %v", err)
			}
		}
	}()
}
