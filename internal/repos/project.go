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

type ProjectRepo interface {
	Create(ctx context.Context, tx *gorm.DB, projects []*domain.Project) ([]*domain.Project, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Project, error)
	ListByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) ([]*domain.Project, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateStatusCAS flips status only when the row still holds expected;
	// reports whether the swap happened.
	UpdateStatusCAS(ctx context.Context, tx *gorm.DB, id uuid.UUID, expected, next domain.ProjectStatus) (bool, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type projectRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProjectRepo(db *gorm.DB, baseLog *logger.Logger) ProjectRepo {
	return &projectRepo{db: db, log: baseLog.With("repo", "ProjectRepo")}
}

func (r *projectRepo) Create(ctx context.Context, tx *gorm.DB, projects []*domain.Project) ([]*domain.Project, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(projects) == 0 {
		return []*domain.Project{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&projects).Error; err != nil {
		return nil, apierr.MapDB("project.create", err)
	}
	return projects, nil
}

func (r *projectRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Project, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var project domain.Project
	if err := transaction.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		return nil, apierr.MapDB("project.get_by_id", err)
	}
	return &project, nil
}

func (r *projectRepo) ListByOwner(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) ([]*domain.Project, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var projects []*domain.Project
	err := transaction.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&projects).Error
	if err != nil {
		return nil, apierr.MapDB("project.list_by_owner", err)
	}
	return projects, nil
}

func (r *projectRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.Project{}).
		Where("id = ?", id).
		Updates(updates).Error
	return apierr.MapDB("project.update_fields", err)
}

func (r *projectRepo) UpdateStatusCAS(ctx context.Context, tx *gorm.DB, id uuid.UUID, expected, next domain.ProjectStatus) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&domain.Project{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(map[string]interface{}{"status": next, "updated_at": time.Now()})
	if res.Error != nil {
		return false, apierr.MapDB("project.update_status_cas", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *projectRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	err := transaction.WithContext(ctx).Delete(&domain.Project{}, "id = ?", id).Error
	return apierr.MapDB("project.delete", err)
}
