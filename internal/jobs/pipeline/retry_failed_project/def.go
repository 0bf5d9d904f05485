package retry_failed_project

import (
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

type Pipeline struct {
	db       *gorm.DB
	log      *logger.Logger
	projects repos.ProjectRepo
	tasks    services.TaskService
}

func New(db *gorm.DB, baseLog *logger.Logger, projects repos.ProjectRepo, tasks services.TaskService) *Pipeline {
	return &Pipeline{
		db:       db,
		log:      baseLog.With("job", domain.TaskTypeRetryFailedProject),
		projects: projects,
		tasks:    tasks,
	}
}

func (p *Pipeline) Type() string { return domain.TaskTypeRetryFailedProject }
