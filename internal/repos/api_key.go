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

type APIKeyRepo interface {
	Create(ctx context.Context, tx *gorm.DB, keys []*domain.APIKey) ([]*domain.APIKey, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.APIKey, error)
	ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*domain.APIKey, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// IncrementUsage adds delta to usage_count and stamps last_used_at.
	// Stages batch their per-sentence successes into one call.
	IncrementUsage(ctx context.Context, tx *gorm.DB, id uuid.UUID, delta int64) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type apiKeyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAPIKeyRepo(db *gorm.DB, baseLog *logger.Logger) APIKeyRepo {
	return &apiKeyRepo{db: db, log: baseLog.With("repo", "APIKeyRepo")}
}

func (r *apiKeyRepo) Create(ctx context.Context, tx *gorm.DB, keys []*domain.APIKey) ([]*domain.APIKey, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(keys) == 0 {
		return []*domain.APIKey{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&keys).Error; err != nil {
		return nil, apierr.MapDB("api_key.create", err)
	}
	return keys, nil
}

func (r *apiKeyRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.APIKey, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var key domain.APIKey
	if err := transaction.WithContext(ctx).First(&key, "id = ?", id).Error; err != nil {
		return nil, apierr.MapDB("api_key.get_by_id", err)
	}
	return &key, nil
}

func (r *apiKeyRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*domain.APIKey, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var keys []*domain.APIKey
	err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&keys).Error
	if err != nil {
		return nil, apierr.MapDB("api_key.list_by_user", err)
	}
	return keys, nil
}

func (r *apiKeyRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.APIKey{}).
		Where("id = ?", id).
		Updates(updates).Error
	return apierr.MapDB("api_key.update_fields", err)
}

func (r *apiKeyRepo) IncrementUsage(ctx context.Context, tx *gorm.DB, id uuid.UUID, delta int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || delta <= 0 {
		return nil
	}
	now := time.Now()
	err := transaction.WithContext(ctx).
		Model(&domain.APIKey{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + ?", delta),
			"last_used_at": now,
			"updated_at":   now,
		}).Error
	return apierr.MapDB("api_key.increment_usage", err)
}

func (r *apiKeyRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Delete(&domain.APIKey{}).Error
	return apierr.MapDB("api_key.delete", err)
}
