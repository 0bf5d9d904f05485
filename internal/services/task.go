package services

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/ctxutil"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
)

// TaskService is the one entry point for putting work on the scheduler
// and the HTTP-facing read/cancel surface over task_runs.
type TaskService interface {
	Enqueue(ctx context.Context, tx *gorm.DB, userID uuid.UUID, taskType string, entityType string, entityID *uuid.UUID, payload map[string]any) (*domain.TaskRun, error)
	GetForUser(ctx context.Context, userID, taskID uuid.UUID) (*domain.TaskRun, error)
	LatestForEntity(ctx context.Context, userID uuid.UUID, entityType string, entityID uuid.UUID, taskType string) (*domain.TaskRun, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.TaskRun, error)
	Cancel(ctx context.Context, userID, taskID uuid.UUID) (*domain.TaskRun, error)
}

type taskService struct {
	db     *gorm.DB
	log    *logger.Logger
	repo   repos.TaskRunRepo
	notify TaskNotifier
}

func NewTaskService(db *gorm.DB, baseLog *logger.Logger, repo repos.TaskRunRepo, notify TaskNotifier) TaskService {
	return &taskService{
		db:     db,
		log:    baseLog.With("service", "TaskService"),
		repo:   repo,
		notify: notify,
	}
}

func (s *taskService) Enqueue(ctx context.Context, tx *gorm.DB, userID uuid.UUID, taskType string, entityType string, entityID *uuid.UUID, payload map[string]any) (*domain.TaskRun, error) {
	if userID == uuid.Nil {
		return nil, apierr.Validation("task.enqueue", "user_id required")
	}
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return nil, apierr.Validation("task.enqueue", "task type required")
	}

	if payload == nil {
		payload = map[string]any{}
	}
	// Carry the request's trace identifiers into the payload so the worker
	// can stitch its logs back to the originating call.
	if td := ctxutil.GetTraceData(ctx); td != nil {
		if td.TraceID != "" {
			payload["trace_id"] = td.TraceID
		}
		if td.RequestID != "" {
			payload["request_id"] = td.RequestID
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "task.enqueue", err)
	}

	run := &domain.TaskRun{
		ID:         uuid.New(),
		UserID:     userID,
		Type:       taskType,
		EntityType: strings.TrimSpace(entityType),
		EntityID:   entityID,
		Status:     domain.TaskRunStatusQueued,
		Payload:    datatypes.JSON(raw),
	}
	created, err := s.repo.Create(ctx, tx, []*domain.TaskRun{run})
	if err != nil {
		return nil, err
	}
	out := created[0]

	s.log.Info("task enqueued", "task_id", out.ID, "task_type", taskType, "user_id", userID)
	if s.notify != nil {
		s.notify.TaskQueued(out)
	}
	return out, nil
}

func (s *taskService) GetForUser(ctx context.Context, userID, taskID uuid.UUID) (*domain.TaskRun, error) {
	run, err := s.repo.GetByID(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, apierr.NotFound("task.get", "task not found")
	}
	return run, nil
}

func (s *taskService) LatestForEntity(ctx context.Context, userID uuid.UUID, entityType string, entityID uuid.UUID, taskType string) (*domain.TaskRun, error) {
	return s.repo.GetLatestByEntity(ctx, nil, userID, entityType, entityID, taskType)
}

func (s *taskService) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.TaskRun, error) {
	return s.repo.ListByUser(ctx, nil, userID, limit)
}

// Cancel flips a queued run to cancelled immediately; a running run only
// gets its cooperative flag raised and transitions when the handler next
// looks at it.
func (s *taskService) Cancel(ctx context.Context, userID, taskID uuid.UUID) (*domain.TaskRun, error) {
	run, err := s.GetForUser(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case domain.TaskRunStatusSucceeded, domain.TaskRunStatusFailed, domain.TaskRunStatusCancelled:
		return nil, apierr.BusinessRule("task.cancel", "task already finished")
	}

	direct, err := s.repo.RequestCancel(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	out, err := s.repo.GetByID(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	if direct && s.notify != nil {
		s.notify.TaskCancelled(out)
	}
	s.log.Info("task cancel requested", "task_id", taskID, "direct", direct)
	return out, nil
}
