package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/marketbench-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Report{},
	); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	// Partial index for the stall sweeper, which only ever scans processing rows.
	if db.Dialector.Name() == "postgres" {
		if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_report_processing_updated_at ON report (updated_at) WHERE status = 'processing'`).Error; err != nil {
			return fmt.Errorf("create processing index: %w", err)
		}
	}
	return nil
}
