package generate_prompts

import (
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/gateway"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/stage"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

type Pipeline struct {
	deps stage.Deps
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	chapters repos.ChapterRepo,
	paragraphs repos.ParagraphRepo,
	sentences repos.SentenceRepo,
	apiKeys repos.APIKeyRepo,
	gw *gateway.Gateway,
	store storage.ObjectStore,
) *Pipeline {
	return &Pipeline{deps: stage.Deps{
		DB:         db,
		Log:        baseLog.With("job", domain.TaskTypeGeneratePrompts),
		Chapters:   chapters,
		Paragraphs: paragraphs,
		Sentences:  sentences,
		APIKeys:    apiKeys,
		Gateway:    gw,
		Store:      store,
	}}
}

func (p *Pipeline) Type() string { return domain.TaskTypeGeneratePrompts }
