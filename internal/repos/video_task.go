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

type VideoTaskRepo interface {
	Create(ctx context.Context, tx *gorm.DB, tasks []*domain.VideoTask) ([]*domain.VideoTask, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.VideoTask, error)
	ListByChapter(ctx context.Context, tx *gorm.DB, chapterID uuid.UUID) ([]*domain.VideoTask, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateStatusCAS flips status only when the row still holds expected;
	// reports whether the swap happened.
	UpdateStatusCAS(ctx context.Context, tx *gorm.DB, id uuid.UUID, expected, next domain.VideoTaskStatus) (bool, error)
	// SetCheckpoint records the last fully written sentence index and the
	// derived progress in one write.
	SetCheckpoint(ctx context.Context, tx *gorm.DB, id uuid.UUID, sentenceIndex, progress int) error
	DeleteByChapterIDs(ctx context.Context, tx *gorm.DB, chapterIDs []uuid.UUID) error
}

type videoTaskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVideoTaskRepo(db *gorm.DB, baseLog *logger.Logger) VideoTaskRepo {
	return &videoTaskRepo{db: db, log: baseLog.With("repo", "VideoTaskRepo")}
}

func (r *videoTaskRepo) Create(ctx context.Context, tx *gorm.DB, tasks []*domain.VideoTask) ([]*domain.VideoTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(tasks) == 0 {
		return []*domain.VideoTask{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&tasks).Error; err != nil {
		return nil, apierr.MapDB("video_task.create", err)
	}
	return tasks, nil
}

func (r *videoTaskRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.VideoTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var task domain.VideoTask
	if err := transaction.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, apierr.MapDB("video_task.get_by_id", err)
	}
	return &task, nil
}

func (r *videoTaskRepo) ListByChapter(ctx context.Context, tx *gorm.DB, chapterID uuid.UUID) ([]*domain.VideoTask, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var tasks []*domain.VideoTask
	err := transaction.WithContext(ctx).
		Where("chapter_id = ?", chapterID).
		Order("created_at DESC").
		Find(&tasks).Error
	if err != nil {
		return nil, apierr.MapDB("video_task.list_by_chapter", err)
	}
	return tasks, nil
}

func (r *videoTaskRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.VideoTask{}).
		Where("id = ?", id).
		Updates(updates).Error
	return apierr.MapDB("video_task.update_fields", err)
}

func (r *videoTaskRepo) UpdateStatusCAS(ctx context.Context, tx *gorm.DB, id uuid.UUID, expected, next domain.VideoTaskStatus) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&domain.VideoTask{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(map[string]interface{}{
			"status":     next,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, apierr.MapDB("video_task.update_status_cas", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *videoTaskRepo) SetCheckpoint(ctx context.Context, tx *gorm.DB, id uuid.UUID, sentenceIndex, progress int) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	err := transaction.WithContext(ctx).
		Model(&domain.VideoTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_sentence_index": sentenceIndex,
			"progress":               progress,
			"updated_at":             time.Now(),
		}).Error
	return apierr.MapDB("video_task.set_checkpoint", err)
}

func (r *videoTaskRepo) DeleteByChapterIDs(ctx context.Context, tx *gorm.DB, chapterIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(chapterIDs) == 0 {
		return nil
	}
	err := transaction.WithContext(ctx).
		Where("chapter_id IN ?", chapterIDs).
		Delete(&domain.VideoTask{}).Error
	return apierr.MapDB("video_task.delete_by_chapters", err)
}
