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

type ChapterRepo interface {
	Create(ctx context.Context, tx *gorm.DB, chapters []*domain.Chapter) ([]*domain.Chapter, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Chapter, error)
	ListByProject(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*domain.Chapter, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateStatusForward performs the compare-and-swap transition; a
	// backward transition is a business-rule error, a lost race reports
	// swapped=false.
	UpdateStatusForward(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to domain.ChapterStatus) (bool, error)
	DeleteByProject(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) error
}

type chapterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChapterRepo(db *gorm.DB, baseLog *logger.Logger) ChapterRepo {
	return &chapterRepo{db: db, log: baseLog.With("repo", "ChapterRepo")}
}

func (r *chapterRepo) Create(ctx context.Context, tx *gorm.DB, chapters []*domain.Chapter) ([]*domain.Chapter, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(chapters) == 0 {
		return []*domain.Chapter{}, nil
	}
	if err := transaction.WithContext(ctx).CreateInBatches(&chapters, 200).Error; err != nil {
		return nil, apierr.MapDB("chapter.create", err)
	}
	return chapters, nil
}

func (r *chapterRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Chapter, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var chapter domain.Chapter
	if err := transaction.WithContext(ctx).First(&chapter, "id = ?", id).Error; err != nil {
		return nil, apierr.MapDB("chapter.get_by_id", err)
	}
	return &chapter, nil
}

func (r *chapterRepo) ListByProject(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*domain.Chapter, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var chapters []*domain.Chapter
	err := transaction.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("chapter_number ASC").
		Find(&chapters).Error
	if err != nil {
		return nil, apierr.MapDB("chapter.list_by_project", err)
	}
	return chapters, nil
}

func (r *chapterRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.Chapter{}).
		Where("id = ?", id).
		Updates(updates).Error
	return apierr.MapDB("chapter.update_fields", err)
}

func (r *chapterRepo) UpdateStatusForward(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to domain.ChapterStatus) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if !domain.CanTransitionChapter(from, to) {
		return false, apierr.BusinessRule("chapter.update_status",
			"illegal chapter status transition "+string(from)+" -> "+string(to))
	}
	// is_confirmed mirrors status != pending.
	updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
	if to == domain.ChapterStatusPending {
		updates["is_confirmed"] = false
		updates["confirmed_at"] = nil
	} else {
		updates["is_confirmed"] = true
	}
	if to == domain.ChapterStatusConfirmed {
		updates["confirmed_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&domain.Chapter{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, apierr.MapDB("chapter.update_status", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *chapterRepo) DeleteByProject(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	err := transaction.WithContext(ctx).
		Where("project_id = ?", projectID).
		Delete(&domain.Chapter{}).Error
	return apierr.MapDB("chapter.delete_by_project", err)
}
