package synthesize_video

import (
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/gateway"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/stage"
	"github.com/chaptercast/chaptercast-backend/internal/materials"
	"github.com/chaptercast/chaptercast-backend/internal/media"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

const (
	// Clip synthesis parallelism inside one task. FFmpeg is the
	// bottleneck; more than a few concurrent encodes just thrash.
	defaultClipParallel = 3

	bgmVolume = 0.2
)

type Pipeline struct {
	db          *gorm.DB
	log         *logger.Logger
	videoTasks  repos.VideoTaskRepo
	chapters    repos.ChapterRepo
	paragraphs  repos.ParagraphRepo
	sentences   repos.SentenceRepo
	apiKeys     repos.APIKeyRepo
	backgrounds repos.BackgroundRepo
	gw          *gateway.Gateway
	synth       media.SentenceSynthesizer
	tools       media.Tools
	compositor  media.Compositor
	resolver    *materials.Resolver
	store       storage.ObjectStore

	clipParallel int
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	videoTasks repos.VideoTaskRepo,
	chapters repos.ChapterRepo,
	paragraphs repos.ParagraphRepo,
	sentences repos.SentenceRepo,
	apiKeys repos.APIKeyRepo,
	backgrounds repos.BackgroundRepo,
	gw *gateway.Gateway,
	synth media.SentenceSynthesizer,
	tools media.Tools,
	compositor media.Compositor,
	resolver *materials.Resolver,
	store storage.ObjectStore,
	clipParallel int,
) *Pipeline {
	if clipParallel < 1 {
		clipParallel = defaultClipParallel
	}
	return &Pipeline{
		db:           db,
		log:          baseLog.With("job", domain.TaskTypeSynthesizeVideo),
		videoTasks:   videoTasks,
		chapters:     chapters,
		paragraphs:   paragraphs,
		sentences:    sentences,
		apiKeys:      apiKeys,
		backgrounds:  backgrounds,
		gw:           gw,
		synth:        synth,
		tools:        tools,
		compositor:   compositor,
		resolver:     resolver,
		store:        store,
		clipParallel: clipParallel,
	}
}

func (p *Pipeline) Type() string { return domain.TaskTypeSynthesizeVideo }

// stageDeps adapts the pipeline's repos for the shared batch loader.
func (p *Pipeline) stageDeps() stage.Deps {
	return stage.Deps{
		DB:         p.db,
		Log:        p.log,
		Chapters:   p.chapters,
		Paragraphs: p.paragraphs,
		Sentences:  p.sentences,
	}
}
