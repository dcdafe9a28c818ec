package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/marketbench-backend/internal/data/repos/reports"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

type ReportRepo = reports.ReportRepo

var ErrInvalidTransition = reports.ErrInvalidTransition

func NewReportRepo(db *gorm.DB, baseLog *logger.Logger) ReportRepo {
	return reports.NewReportRepo(db, baseLog)
}
