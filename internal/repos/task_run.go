package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

type TaskRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, runs []*domain.TaskRun) ([]*domain.TaskRun, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.TaskRun, error)
	GetLatestByEntity(ctx context.Context, tx *gorm.DB, userID uuid.UUID, entityType string, entityID uuid.UUID, taskType string) (*domain.TaskRun, error)
	ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*domain.TaskRun, error)
	// ClaimNextRunnable picks one deliverable run and marks it running
	// inside a single transaction. Deliverable means queued, or failed
	// with attempts left and its back-off elapsed, or running with a
	// stale heartbeat (worker crash).
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleRunning time.Duration) (*domain.TaskRun, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus applies updates only while the row is not
	// in one of the excluded statuses; reports whether the write landed.
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, unless []domain.TaskRunStatus, updates map[string]interface{}) (bool, error)
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	// CancelState reads the cooperative-cancel flag; runtimes poll it at
	// checkpoints.
	CancelState(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)
	// RequestCancel flips a queued run straight to cancelled and reports
	// true; for a running run it only raises cancel_requested and reports
	// false.
	RequestCancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error)
	ListRunning(ctx context.Context, tx *gorm.DB) ([]*domain.TaskRun, error)
}

type taskRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRunRepo(db *gorm.DB, baseLog *logger.Logger) TaskRunRepo {
	return &taskRunRepo{db: db, log: baseLog.With("repo", "TaskRunRepo")}
}

func (r *taskRunRepo) Create(ctx context.Context, tx *gorm.DB, runs []*domain.TaskRun) ([]*domain.TaskRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(runs) == 0 {
		return []*domain.TaskRun{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&runs).Error; err != nil {
		return nil, apierr.MapDB("task_run.create", err)
	}
	return runs, nil
}

func (r *taskRunRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.TaskRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var run domain.TaskRun
	if err := transaction.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, apierr.MapDB("task_run.get_by_id", err)
	}
	return &run, nil
}

func (r *taskRunRepo) GetLatestByEntity(ctx context.Context, tx *gorm.DB, userID uuid.UUID, entityType string, entityID uuid.UUID, taskType string) (*domain.TaskRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if userID == uuid.Nil || entityID == uuid.Nil || entityType == "" || taskType == "" {
		return nil, nil
	}
	var run domain.TaskRun
	err := transaction.WithContext(ctx).
		Where("user_id = ? AND entity_type = ? AND entity_id = ? AND type = ?", userID, entityType, entityID, taskType).
		Order("created_at DESC").
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, apierr.MapDB("task_run.get_latest_by_entity", err)
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *taskRunRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*domain.TaskRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []*domain.TaskRun
	err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, apierr.MapDB("task_run.list_by_user", err)
	}
	return runs, nil
}

func (r *taskRunRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, staleRunning time.Duration) (*domain.TaskRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *domain.TaskRun
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var run domain.TaskRun
		q := txx.
			Where(`
				(
					status = ?
					OR (
						status = ?
						AND attempts < max_attempts
						AND (retry_at IS NULL OR retry_at <= ?)
					)
					OR (
						status = ?
						AND heartbeat_at IS NOT NULL
						AND heartbeat_at < ?
					)
				)
			`, domain.TaskRunStatusQueued, domain.TaskRunStatusFailed, now, domain.TaskRunStatusRunning, staleCutoff).
			Order("created_at ASC")
		// sqlite serializes writers on its own; row locking is a
		// postgres concern.
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.First(&run).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&domain.TaskRun{}).
			Where("id = ?", run.ID).
			Updates(map[string]interface{}{
				"status":       domain.TaskRunStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		run.Status = domain.TaskRunStatusRunning
		run.Attempts++
		run.LockedAt = &now
		run.HeartbeatAt = &now
		run.UpdatedAt = now
		claimed = &run
		return nil
	})
	if err != nil {
		return nil, apierr.MapDB("task_run.claim", err)
	}
	return claimed, nil
}

func (r *taskRunRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.TaskRun{}).
		Where("id = ?", id).
		Updates(updates).Error
	return apierr.MapDB("task_run.update_fields", err)
}

func (r *taskRunRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, unless []domain.TaskRunStatus, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(updates) == 0 {
		return false, nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := transaction.WithContext(ctx).
		Model(&domain.TaskRun{}).
		Where("id = ?", id)
	if len(unless) > 0 {
		q = q.Where("status NOT IN ?", unless)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, apierr.MapDB("task_run.update_unless_status", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRunRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	err := transaction.WithContext(ctx).
		Model(&domain.TaskRun{}).
		Where("id = ? AND status = ?", id, domain.TaskRunStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
	return apierr.MapDB("task_run.heartbeat", err)
}

func (r *taskRunRepo) CancelState(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var run domain.TaskRun
	err := transaction.WithContext(ctx).
		Select("id", "status", "cancel_requested").
		First(&run, "id = ?", id).Error
	if err != nil {
		return false, apierr.MapDB("task_run.cancel_state", err)
	}
	return run.CancelRequested || run.Status == domain.TaskRunStatusCancelled, nil
}

func (r *taskRunRepo) RequestCancel(ctx context.Context, tx *gorm.DB, id uuid.UUID) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(ctx).
		Model(&domain.TaskRun{}).
		Where("id = ? AND status = ?", id, domain.TaskRunStatusQueued).
		Updates(map[string]interface{}{
			"status":           domain.TaskRunStatusCancelled,
			"cancel_requested": true,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, apierr.MapDB("task_run.request_cancel", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	err := transaction.WithContext(ctx).
		Model(&domain.TaskRun{}).
		Where("id = ? AND status = ?", id, domain.TaskRunStatusRunning).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       now,
		}).Error
	if err != nil {
		return false, apierr.MapDB("task_run.request_cancel", err)
	}
	return false, nil
}

func (r *taskRunRepo) ListRunning(ctx context.Context, tx *gorm.DB) ([]*domain.TaskRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var runs []*domain.TaskRun
	err := transaction.WithContext(ctx).
		Where("status = ?", domain.TaskRunStatusRunning).
		Find(&runs).Error
	if err != nil {
		return nil, apierr.MapDB("task_run.list_running", err)
	}
	return runs, nil
}
