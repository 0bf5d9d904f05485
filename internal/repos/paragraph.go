package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

type ParagraphRepo interface {
	Create(ctx context.Context, tx *gorm.DB, paragraphs []*domain.Paragraph) ([]*domain.Paragraph, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Paragraph, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*domain.Paragraph, error)
	ListByChapter(ctx context.Context, tx *gorm.DB, chapterID uuid.UUID) ([]*domain.Paragraph, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	DeleteByChapterIDs(ctx context.Context, tx *gorm.DB, chapterIDs []uuid.UUID) error
}

type paragraphRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewParagraphRepo(db *gorm.DB, baseLog *logger.Logger) ParagraphRepo {
	return &paragraphRepo{db: db, log: baseLog.With("repo", "ParagraphRepo")}
}

func (r *paragraphRepo) Create(ctx context.Context, tx *gorm.DB, paragraphs []*domain.Paragraph) ([]*domain.Paragraph, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(paragraphs) == 0 {
		return []*domain.Paragraph{}, nil
	}
	if err := transaction.WithContext(ctx).CreateInBatches(&paragraphs, 500).Error; err != nil {
		return nil, apierr.MapDB("paragraph.create", err)
	}
	return paragraphs, nil
}

func (r *paragraphRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Paragraph, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var paragraph domain.Paragraph
	if err := transaction.WithContext(ctx).First(&paragraph, "id = ?", id).Error; err != nil {
		return nil, apierr.MapDB("paragraph.get_by_id", err)
	}
	return &paragraph, nil
}

func (r *paragraphRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*domain.Paragraph, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return []*domain.Paragraph{}, nil
	}
	var paragraphs []*domain.Paragraph
	err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Order("order_index ASC").
		Find(&paragraphs).Error
	if err != nil {
		return nil, apierr.MapDB("paragraph.get_by_ids", err)
	}
	return paragraphs, nil
}

func (r *paragraphRepo) ListByChapter(ctx context.Context, tx *gorm.DB, chapterID uuid.UUID) ([]*domain.Paragraph, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var paragraphs []*domain.Paragraph
	err := transaction.WithContext(ctx).
		Where("chapter_id = ?", chapterID).
		Order("order_index ASC").
		Find(&paragraphs).Error
	if err != nil {
		return nil, apierr.MapDB("paragraph.list_by_chapter", err)
	}
	return paragraphs, nil
}

func (r *paragraphRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	err := transaction.WithContext(ctx).
		Model(&domain.Paragraph{}).
		Where("id = ?", id).
		Updates(updates).Error
	return apierr.MapDB("paragraph.update_fields", err)
}

func (r *paragraphRepo) DeleteByChapterIDs(ctx context.Context, tx *gorm.DB, chapterIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(chapterIDs) == 0 {
		return nil
	}
	err := transaction.WithContext(ctx).
		Where("chapter_id IN ?", chapterIDs).
		Delete(&domain.Paragraph{}).Error
	return apierr.MapDB("paragraph.delete_by_chapters", err)
}
