package services

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
)

// ParagraphDetail is a paragraph with its sentences in order.
type ParagraphDetail struct {
	Paragraph *domain.Paragraph  `json:"paragraph"`
	Sentences []*domain.Sentence `json:"sentences"`
}

// ChapterDetail is the editing view: the chapter plus its full tree.
type ChapterDetail struct {
	Chapter    *domain.Chapter   `json:"chapter"`
	Paragraphs []ParagraphDetail `json:"paragraphs"`
}

type ChapterService interface {
	List(ctx context.Context, userID, projectID uuid.UUID) ([]*domain.Chapter, error)
	Get(ctx context.Context, userID, chapterID uuid.UUID) (*domain.Chapter, error)
	Detail(ctx context.Context, userID, chapterID uuid.UUID) (*ChapterDetail, error)
	// Confirm locks the chapter for generation: pending -> confirmed.
	Confirm(ctx context.Context, userID, chapterID uuid.UUID) (*domain.Chapter, error)
	// Reset reopens a failed chapter: failed -> pending.
	Reset(ctx context.Context, userID, chapterID uuid.UUID) (*domain.Chapter, error)
}

type chapterService struct {
	db         *gorm.DB
	log        *logger.Logger
	projects   repos.ProjectRepo
	chapters   repos.ChapterRepo
	paragraphs repos.ParagraphRepo
	sentences  repos.SentenceRepo
}

func NewChapterService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projects repos.ProjectRepo,
	chapters repos.ChapterRepo,
	paragraphs repos.ParagraphRepo,
	sentences repos.SentenceRepo,
) ChapterService {
	return &chapterService{
		db:         db,
		log:        baseLog.With("service", "ChapterService"),
		projects:   projects,
		chapters:   chapters,
		paragraphs: paragraphs,
		sentences:  sentences,
	}
}

// ownedChapter loads the chapter and verifies the requesting user owns its
// project. Foreign chapters read as not found, never as forbidden.
func (s *chapterService) ownedChapter(ctx context.Context, userID, chapterID uuid.UUID) (*domain.Chapter, error) {
	chapter, err := s.chapters.GetByID(ctx, nil, chapterID)
	if err != nil {
		return nil, err
	}
	project, err := s.projects.GetByID(ctx, nil, chapter.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != userID {
		return nil, apierr.NotFound("chapter.get", "chapter not found")
	}
	return chapter, nil
}

func (s *chapterService) List(ctx context.Context, userID, projectID uuid.UUID) ([]*domain.Chapter, error) {
	project, err := s.projects.GetByID(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != userID {
		return nil, apierr.NotFound("chapter.list", "project not found")
	}
	return s.chapters.ListByProject(ctx, nil, projectID)
}

func (s *chapterService) Get(ctx context.Context, userID, chapterID uuid.UUID) (*domain.Chapter, error) {
	return s.ownedChapter(ctx, userID, chapterID)
}

func (s *chapterService) Detail(ctx context.Context, userID, chapterID uuid.UUID) (*ChapterDetail, error) {
	chapter, err := s.ownedChapter(ctx, userID, chapterID)
	if err != nil {
		return nil, err
	}
	paragraphs, err := s.paragraphs.ListByChapter(ctx, nil, chapterID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(paragraphs))
	for _, p := range paragraphs {
		ids = append(ids, p.ID)
	}
	sentences, err := s.sentences.ListByParagraphIDs(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	byParagraph := make(map[uuid.UUID][]*domain.Sentence, len(paragraphs))
	for _, sen := range sentences {
		byParagraph[sen.ParagraphID] = append(byParagraph[sen.ParagraphID], sen)
	}

	detail := &ChapterDetail{Chapter: chapter, Paragraphs: make([]ParagraphDetail, 0, len(paragraphs))}
	for _, p := range paragraphs {
		detail.Paragraphs = append(detail.Paragraphs, ParagraphDetail{
			Paragraph: p,
			Sentences: byParagraph[p.ID],
		})
	}
	return detail, nil
}

func (s *chapterService) Confirm(ctx context.Context, userID, chapterID uuid.UUID) (*domain.Chapter, error) {
	chapter, err := s.ownedChapter(ctx, userID, chapterID)
	if err != nil {
		return nil, err
	}
	swapped, err := s.chapters.UpdateStatusForward(ctx, nil, chapterID, domain.ChapterStatusPending, domain.ChapterStatusConfirmed)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, apierr.BusinessRule("chapter.confirm", "chapter is not pending")
	}
	s.log.Info("chapter confirmed", "chapter_id", chapterID, "project_id", chapter.ProjectID)
	return s.chapters.GetByID(ctx, nil, chapterID)
}

func (s *chapterService) Reset(ctx context.Context, userID, chapterID uuid.UUID) (*domain.Chapter, error) {
	if _, err := s.ownedChapter(ctx, userID, chapterID); err != nil {
		return nil, err
	}
	swapped, err := s.chapters.UpdateStatusForward(ctx, nil, chapterID, domain.ChapterStatusFailed, domain.ChapterStatusPending)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, apierr.BusinessRule("chapter.reset", "only failed chapters can be reset")
	}
	return s.chapters.GetByID(ctx, nil, chapterID)
}
