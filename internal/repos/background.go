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

type BackgroundRepo interface {
	Create(ctx context.Context, tx *gorm.DB, items []*domain.Background) ([]*domain.Background, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Background, error)
	ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*domain.Background, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type backgroundRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBackgroundRepo(db *gorm.DB, baseLog *logger.Logger) BackgroundRepo {
	return &backgroundRepo{db: db, log: baseLog.With("repo", "BackgroundRepo")}
}

func (r *backgroundRepo) Create(ctx context.Context, tx *gorm.DB, items []*domain.Background) ([]*domain.Background, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(items) == 0 {
		return []*domain.Background{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&items).Error; err != nil {
		return nil, apierr.MapDB("background.create", err)
	}
	return items, nil
}

func (r *backgroundRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Background, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var item domain.Background
	if err := transaction.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, apierr.MapDB("background.get_by_id", err)
	}
	return &item, nil
}

func (r *backgroundRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*domain.Background, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var items []*domain.Background
	err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, apierr.MapDB("background.list_by_user", err)
	}
	return items, nil
}

func (r *backgroundRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.Background{}).
		Where("id = ?", id).
		Updates(updates).Error
	return apierr.MapDB("background.update_fields", err)
}

func (r *backgroundRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Delete(&domain.Background{}).Error
	return apierr.MapDB("background.delete", err)
}
