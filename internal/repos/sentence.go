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

type SentenceRepo interface {
	Create(ctx context.Context, tx *gorm.DB, sentences []*domain.Sentence) ([]*domain.Sentence, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Sentence, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*domain.Sentence, error)
	ListByParagraphIDs(ctx context.Context, tx *gorm.DB, paragraphIDs []uuid.UUID) ([]*domain.Sentence, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	UpdateStatusBatch(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, status domain.SentenceStatus) error
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, message string) error
	// CountMissingField counts sentences in the given paragraphs whose
	// named output column is still empty. Field is one of image_prompt,
	// image_url, audio_url.
	CountMissingField(ctx context.Context, tx *gorm.DB, paragraphIDs []uuid.UUID, field string) (int64, error)
	DeleteByParagraphIDs(ctx context.Context, tx *gorm.DB, paragraphIDs []uuid.UUID) error
}

type sentenceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSentenceRepo(db *gorm.DB, baseLog *logger.Logger) SentenceRepo {
	return &sentenceRepo{db: db, log: baseLog.With("repo", "SentenceRepo")}
}

func (r *sentenceRepo) Create(ctx context.Context, tx *gorm.DB, sentences []*domain.Sentence) ([]*domain.Sentence, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(sentences) == 0 {
		return []*domain.Sentence{}, nil
	}
	if err := transaction.WithContext(ctx).CreateInBatches(&sentences, 500).Error; err != nil {
		return nil, apierr.MapDB("sentence.create", err)
	}
	return sentences, nil
}

func (r *sentenceRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Sentence, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var sentence domain.Sentence
	if err := transaction.WithContext(ctx).First(&sentence, "id = ?", id).Error; err != nil {
		return nil, apierr.MapDB("sentence.get_by_id", err)
	}
	return &sentence, nil
}

func (r *sentenceRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*domain.Sentence, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var sentences []*domain.Sentence
	if len(ids) == 0 {
		return sentences, nil
	}
	if err := transaction.WithContext(ctx).Where("id IN ?", ids).Find(&sentences).Error; err != nil {
		return nil, apierr.MapDB("sentence.get_by_ids", err)
	}
	return sentences, nil
}

func (r *sentenceRepo) ListByParagraphIDs(ctx context.Context, tx *gorm.DB, paragraphIDs []uuid.UUID) ([]*domain.Sentence, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var sentences []*domain.Sentence
	if len(paragraphIDs) == 0 {
		return sentences, nil
	}
	err := transaction.WithContext(ctx).
		Where("paragraph_id IN ?", paragraphIDs).
		Order("order_index ASC").
		Find(&sentences).Error
	if err != nil {
		return nil, apierr.MapDB("sentence.list_by_paragraphs", err)
	}
	return sentences, nil
}

func (r *sentenceRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.Sentence{}).
		Where("id = ?", id).
		Updates(updates).Error
	return apierr.MapDB("sentence.update_fields", err)
}

func (r *sentenceRepo) UpdateStatusBatch(ctx context.Context, tx *gorm.DB, ids []uuid.UUID, status domain.SentenceStatus) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	err := transaction.WithContext(ctx).
		Model(&domain.Sentence{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
	return apierr.MapDB("sentence.update_status_batch", err)
}

func (r *sentenceRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, message string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(message) > 900 {
		message = message[:900]
	}
	err := transaction.WithContext(ctx).
		Model(&domain.Sentence{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.SentenceStatusFailed,
			"error_message": message,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"updated_at":    time.Now(),
		}).Error
	return apierr.MapDB("sentence.mark_failed", err)
}

func (r *sentenceRepo) CountMissingField(ctx context.Context, tx *gorm.DB, paragraphIDs []uuid.UUID, field string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	switch field {
	case "image_prompt", "image_url", "audio_url":
	default:
		return 0, apierr.Validation("sentence.count_missing", "unsupported field "+field)
	}
	if len(paragraphIDs) == 0 {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&domain.Sentence{}).
		Where("paragraph_id IN ?", paragraphIDs).
		Where(field+" IS NULL OR "+field+" = ''").
		Count(&count).Error
	if err != nil {
		return 0, apierr.MapDB("sentence.count_missing", err)
	}
	return count, nil
}

func (r *sentenceRepo) DeleteByParagraphIDs(ctx context.Context, tx *gorm.DB, paragraphIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(paragraphIDs) == 0 {
		return nil
	}
	err := transaction.WithContext(ctx).
		Where("paragraph_id IN ?", paragraphIDs).
		Delete(&domain.Sentence{}).Error
	return apierr.MapDB("sentence.delete_by_paragraphs", err)
}
