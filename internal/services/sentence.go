package services

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/parser"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
)

type SentenceService interface {
	Get(ctx context.Context, userID, sentenceID uuid.UUID) (*domain.Sentence, error)
	// UpdateContent edits narration text while the chapter is pending.
	// The edit marks the sentence manual and drops any stale prompt.
	UpdateContent(ctx context.Context, userID, sentenceID uuid.UUID, content string) (*domain.Sentence, error)
}

type sentenceService struct {
	db         *gorm.DB
	log        *logger.Logger
	projects   repos.ProjectRepo
	chapters   repos.ChapterRepo
	paragraphs repos.ParagraphRepo
	sentences  repos.SentenceRepo
}

func NewSentenceService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projects repos.ProjectRepo,
	chapters repos.ChapterRepo,
	paragraphs repos.ParagraphRepo,
	sentences repos.SentenceRepo,
) SentenceService {
	return &sentenceService{
		db:         db,
		log:        baseLog.With("service", "SentenceService"),
		projects:   projects,
		chapters:   chapters,
		paragraphs: paragraphs,
		sentences:  sentences,
	}
}

func (s *sentenceService) owned(ctx context.Context, userID, sentenceID uuid.UUID) (*domain.Sentence, *domain.Chapter, error) {
	sentence, err := s.sentences.GetByID(ctx, nil, sentenceID)
	if err != nil {
		return nil, nil, err
	}
	paragraph, err := s.paragraphs.GetByID(ctx, nil, sentence.ParagraphID)
	if err != nil {
		return nil, nil, err
	}
	chapter, err := s.chapters.GetByID(ctx, nil, paragraph.ChapterID)
	if err != nil {
		return nil, nil, err
	}
	project, err := s.projects.GetByID(ctx, nil, chapter.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if project.OwnerID != userID {
		return nil, nil, apierr.NotFound("sentence.get", "sentence not found")
	}
	return sentence, chapter, nil
}

func (s *sentenceService) Get(ctx context.Context, userID, sentenceID uuid.UUID) (*domain.Sentence, error) {
	sentence, _, err := s.owned(ctx, userID, sentenceID)
	return sentence, err
}

func (s *sentenceService) UpdateContent(ctx context.Context, userID, sentenceID uuid.UUID, content string) (*domain.Sentence, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apierr.Validation("sentence.edit", "content required")
	}
	_, chapter, err := s.owned(ctx, userID, sentenceID)
	if err != nil {
		return nil, err
	}
	if chapter.Status != domain.ChapterStatusPending {
		return nil, apierr.BusinessRule("sentence.edit", "chapter is confirmed; its content is immutable")
	}

	if err := s.sentences.UpdateFields(ctx, nil, sentenceID, map[string]interface{}{
		"content":          content,
		"word_count":       parser.CountWords(content),
		"character_count":  utf8.RuneCountInString(content),
		"is_manual_edited": true,
		// The old prompt described the old text.
		"image_prompt": "",
		"status":       domain.SentenceStatusPending,
	}); err != nil {
		return nil, err
	}
	return s.sentences.GetByID(ctx, nil, sentenceID)
}
