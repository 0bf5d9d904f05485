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

type ParagraphService interface {
	// SetAction marks how the paragraph participates in generation.
	SetAction(ctx context.Context, userID, paragraphID uuid.UUID, action domain.ParagraphAction) (*domain.Paragraph, error)
	// UpdateContent rewrites the text and re-splits its sentences. Only
	// legal while the owning chapter is still pending.
	UpdateContent(ctx context.Context, userID, paragraphID uuid.UUID, content string) (*ParagraphDetail, error)
}

type paragraphService struct {
	db         *gorm.DB
	log        *logger.Logger
	projects   repos.ProjectRepo
	chapters   repos.ChapterRepo
	paragraphs repos.ParagraphRepo
	sentences  repos.SentenceRepo
}

func NewParagraphService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projects repos.ProjectRepo,
	chapters repos.ChapterRepo,
	paragraphs repos.ParagraphRepo,
	sentences repos.SentenceRepo,
) ParagraphService {
	return &paragraphService{
		db:         db,
		log:        baseLog.With("service", "ParagraphService"),
		projects:   projects,
		chapters:   chapters,
		paragraphs: paragraphs,
		sentences:  sentences,
	}
}

// ownedEditable loads the paragraph, checks ownership through the chapter's
// project, and rejects edits once the chapter left pending.
func (s *paragraphService) ownedEditable(ctx context.Context, userID, paragraphID uuid.UUID) (*domain.Paragraph, *domain.Chapter, error) {
	paragraph, err := s.paragraphs.GetByID(ctx, nil, paragraphID)
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
		return nil, nil, apierr.NotFound("paragraph.get", "paragraph not found")
	}
	if chapter.Status != domain.ChapterStatusPending {
		return nil, nil, apierr.BusinessRule("paragraph.edit", "chapter is confirmed; its content is immutable")
	}
	return paragraph, chapter, nil
}

func (s *paragraphService) SetAction(ctx context.Context, userID, paragraphID uuid.UUID, action domain.ParagraphAction) (*domain.Paragraph, error) {
	switch action {
	case domain.ParagraphActionKeep, domain.ParagraphActionEdit, domain.ParagraphActionDelete, domain.ParagraphActionIgnore:
	default:
		return nil, apierr.Validation("paragraph.action", "unknown action")
	}
	paragraph, _, err := s.ownedEditable(ctx, userID, paragraphID)
	if err != nil {
		return nil, err
	}
	if err := s.paragraphs.UpdateFields(ctx, nil, paragraphID, map[string]interface{}{
		"action": action,
	}); err != nil {
		return nil, err
	}
	paragraph.Action = action
	return paragraph, nil
}

func (s *paragraphService) UpdateContent(ctx context.Context, userID, paragraphID uuid.UUID, content string) (*ParagraphDetail, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apierr.Validation("paragraph.edit", "content required")
	}
	if _, _, err := s.ownedEditable(ctx, userID, paragraphID); err != nil {
		return nil, err
	}

	// Sentences must mirror the paragraph text, so the edit replaces the
	// whole sentence set in one transaction.
	parts := parser.SplitSentences(content)
	rows := make([]*domain.Sentence, 0, len(parts))
	for i, text := range parts {
		rows = append(rows, &domain.Sentence{
			ID:             uuid.New(),
			ParagraphID:    paragraphID,
			OrderIndex:     i,
			Content:        text,
			WordCount:      parser.CountWords(text),
			CharacterCount: utf8.RuneCountInString(text),
			VoiceSpeed:     1,
			Status:         domain.SentenceStatusPending,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.sentences.DeleteByParagraphIDs(ctx, tx, []uuid.UUID{paragraphID}); err != nil {
			return err
		}
		if _, err := s.sentences.Create(ctx, tx, rows); err != nil {
			return err
		}
		return s.paragraphs.UpdateFields(ctx, tx, paragraphID, map[string]interface{}{
			"content":        content,
			"action":         domain.ParagraphActionEdit,
			"word_count":     parser.CountWords(content),
			"sentence_count": len(rows),
		})
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.paragraphs.GetByID(ctx, nil, paragraphID)
	if err != nil {
		return nil, err
	}
	s.log.Info("paragraph rewritten", "paragraph_id", paragraphID, "sentences", len(rows))
	return &ParagraphDetail{Paragraph: updated, Sentences: rows}, nil
}
