package app

import (
	"gorm.io/gorm"

	"github.com/yungbote/marketbench-backend/internal/data/repos"
	"github.com/yungbote/marketbench-backend/internal/platform/logger"
)

type Repos struct {
	Reports repos.ReportRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Reports: repos.NewReportRepo(db, log),
	}
}
