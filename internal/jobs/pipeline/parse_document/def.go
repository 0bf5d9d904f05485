package parse_document

import (
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/materials"
	"github.com/chaptercast/chaptercast-backend/internal/media"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
)

// Chapters shorter than this many runes are folded into their
// neighbor; stray scene-break headings do not become chapters.
const minChapterLength = 100

type Pipeline struct {
	db         *gorm.DB
	log        *logger.Logger
	projects   repos.ProjectRepo
	chapters   repos.ChapterRepo
	paragraphs repos.ParagraphRepo
	sentences  repos.SentenceRepo
	videoTasks repos.VideoTaskRepo
	resolver   *materials.Resolver
	tools      media.Tools
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	projects repos.ProjectRepo,
	chapters repos.ChapterRepo,
	paragraphs repos.ParagraphRepo,
	sentences repos.SentenceRepo,
	videoTasks repos.VideoTaskRepo,
	resolver *materials.Resolver,
	tools media.Tools,
) *Pipeline {
	return &Pipeline{
		db:         db,
		log:        baseLog.With("job", domain.TaskTypeParseDocument),
		projects:   projects,
		chapters:   chapters,
		paragraphs: paragraphs,
		sentences:  sentences,
		videoTasks: videoTasks,
		resolver:   resolver,
		tools:      tools,
	}
}

func (p *Pipeline) Type() string { return domain.TaskTypeParseDocument }
