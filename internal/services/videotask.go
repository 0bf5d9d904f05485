package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
)

// CreateVideoTaskInput selects the chapter and the optional generation
// collaborators. Settings arrive as raw JSON and are validated against
// the defaults before persisting.
type CreateVideoTaskInput struct {
	ProjectID          uuid.UUID
	ChapterID          uuid.UUID
	APIKeyID           *uuid.UUID
	BackgroundID       *uuid.UUID
	GenerationSettings json.RawMessage
}

type VideoTaskService interface {
	Create(ctx context.Context, userID uuid.UUID, in CreateVideoTaskInput) (*domain.VideoTask, *domain.TaskRun, error)
	Get(ctx context.Context, userID, taskID uuid.UUID) (*domain.VideoTask, error)
	ListByChapter(ctx context.Context, userID, chapterID uuid.UUID) ([]*domain.VideoTask, error)
	// Cancel reaches the scheduler run behind the video task. A queued run
	// dies immediately; a running one stops at its next checkpoint.
	Cancel(ctx context.Context, userID, taskID uuid.UUID) (*domain.VideoTask, error)
	// ResetForRetry reopens a failed task and enqueues a fresh run. The
	// sentence checkpoint survives the reset.
	ResetForRetry(ctx context.Context, userID, taskID uuid.UUID) (*domain.VideoTask, *domain.TaskRun, error)
}

type videoTaskService struct {
	db          *gorm.DB
	log         *logger.Logger
	projects    repos.ProjectRepo
	chapters    repos.ChapterRepo
	videoTasks  repos.VideoTaskRepo
	apiKeys     repos.APIKeyRepo
	backgrounds repos.BackgroundRepo
	tasks       TaskService
}

func NewVideoTaskService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projects repos.ProjectRepo,
	chapters repos.ChapterRepo,
	videoTasks repos.VideoTaskRepo,
	apiKeys repos.APIKeyRepo,
	backgrounds repos.BackgroundRepo,
	tasks TaskService,
) VideoTaskService {
	return &videoTaskService{
		db:          db,
		log:         baseLog.With("service", "VideoTaskService"),
		projects:    projects,
		chapters:    chapters,
		videoTasks:  videoTasks,
		apiKeys:     apiKeys,
		backgrounds: backgrounds,
		tasks:       tasks,
	}
}

func (s *videoTaskService) Create(ctx context.Context, userID uuid.UUID, in CreateVideoTaskInput) (*domain.VideoTask, *domain.TaskRun, error) {
	if in.ProjectID == uuid.Nil || in.ChapterID == uuid.Nil {
		return nil, nil, apierr.Validation("videotask.create", "project_id and chapter_id required")
	}

	project, err := s.projects.GetByID(ctx, nil, in.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if project.OwnerID != userID {
		return nil, nil, apierr.NotFound("videotask.create", "project not found")
	}
	chapter, err := s.chapters.GetByID(ctx, nil, in.ChapterID)
	if err != nil {
		return nil, nil, err
	}
	if chapter.ProjectID != in.ProjectID {
		return nil, nil, apierr.Validation("videotask.create", "chapter does not belong to project")
	}
	if chapter.Status != domain.ChapterStatusMaterialsPrepared &&
		chapter.Status != domain.ChapterStatusGeneratingVideo &&
		chapter.Status != domain.ChapterStatusCompleted {
		return nil, nil, apierr.BusinessRule("videotask.create", "chapter materials are not prepared")
	}

	if in.APIKeyID != nil {
		key, err := s.apiKeys.GetByID(ctx, nil, *in.APIKeyID)
		if err != nil {
			return nil, nil, err
		}
		if key.UserID != userID {
			return nil, nil, apierr.NotFound("videotask.create", "api key not found")
		}
		if key.Status != domain.APIKeyStatusActive {
			return nil, nil, apierr.BusinessRule("videotask.create", "api key is not active")
		}
	}
	if in.BackgroundID != nil {
		bg, err := s.backgrounds.GetByID(ctx, nil, *in.BackgroundID)
		if err != nil {
			return nil, nil, err
		}
		if bg.UserID != userID {
			return nil, nil, apierr.NotFound("videotask.create", "background not found")
		}
	}

	settings, err := domain.ParseGenerationSettings(datatypes.JSON(in.GenerationSettings))
	if err != nil {
		return nil, nil, apierr.Validation("videotask.create", err.Error())
	}
	settingsJSON, err := settings.JSON()
	if err != nil {
		return nil, nil, apierr.Internal("videotask.create", err)
	}

	taskID := uuid.New()
	task := &domain.VideoTask{
		ID:                 taskID,
		UserID:             userID,
		ProjectID:          in.ProjectID,
		ChapterID:          in.ChapterID,
		APIKeyID:           in.APIKeyID,
		BackgroundID:       in.BackgroundID,
		GenerationSettings: settingsJSON,
		Status:             domain.VideoTaskStatusPending,
	}

	var run *domain.TaskRun
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.videoTasks.Create(ctx, tx, []*domain.VideoTask{task}); err != nil {
			return err
		}
		var enqErr error
		run, enqErr = s.tasks.Enqueue(ctx, tx, userID, domain.TaskTypeSynthesizeVideo, "video_task", &taskID, map[string]any{
			"video_task_id": taskID.String(),
		})
		return enqErr
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("video task created", "video_task_id", taskID, "chapter_id", in.ChapterID)
	return task, run, nil
}

func (s *videoTaskService) Get(ctx context.Context, userID, taskID uuid.UUID) (*domain.VideoTask, error) {
	task, err := s.videoTasks.GetByID(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, apierr.NotFound("videotask.get", "video task not found")
	}
	return task, nil
}

func (s *videoTaskService) ListByChapter(ctx context.Context, userID, chapterID uuid.UUID) ([]*domain.VideoTask, error) {
	chapter, err := s.chapters.GetByID(ctx, nil, chapterID)
	if err != nil {
		return nil, err
	}
	project, err := s.projects.GetByID(ctx, nil, chapter.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != userID {
		return nil, apierr.NotFound("videotask.list", "chapter not found")
	}
	return s.videoTasks.ListByChapter(ctx, nil, chapterID)
}

func (s *videoTaskService) Cancel(ctx context.Context, userID, taskID uuid.UUID) (*domain.VideoTask, error) {
	task, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case domain.VideoTaskStatusCompleted, domain.VideoTaskStatusFailed:
		return nil, apierr.BusinessRule("videotask.cancel", "video task already finished")
	}

	run, err := s.tasks.LatestForEntity(ctx, userID, "video_task", taskID, domain.TaskTypeSynthesizeVideo)
	if err != nil {
		return nil, err
	}
	cancelled, err := s.tasks.Cancel(ctx, userID, run.ID)
	if err != nil {
		return nil, err
	}
	// A run killed before it ever started leaves the video task pending
	// forever unless we close it here. A running run fails itself at the
	// next cancel checkpoint instead.
	if cancelled.Status == domain.TaskRunStatusCancelled && task.Status == domain.VideoTaskStatusPending {
		if err := s.videoTasks.UpdateFields(ctx, nil, taskID, map[string]interface{}{
			"status":        domain.VideoTaskStatusFailed,
			"error_message": "cancelled",
		}); err != nil {
			return nil, err
		}
	}
	return s.videoTasks.GetByID(ctx, nil, taskID)
}

func (s *videoTaskService) ResetForRetry(ctx context.Context, userID, taskID uuid.UUID) (*domain.VideoTask, *domain.TaskRun, error) {
	task, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != domain.VideoTaskStatusFailed {
		return nil, nil, apierr.BusinessRule("videotask.reset", "only failed video tasks can be retried")
	}

	var run *domain.TaskRun
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// current_sentence_index is deliberately untouched; it is the
		// resume checkpoint.
		if err := s.videoTasks.UpdateFields(ctx, tx, taskID, map[string]interface{}{
			"status":            domain.VideoTaskStatusPending,
			"progress":          0,
			"error_message":     "",
			"error_sentence_id": nil,
		}); err != nil {
			return err
		}
		var enqErr error
		run, enqErr = s.tasks.Enqueue(ctx, tx, userID, domain.TaskTypeSynthesizeVideo, "video_task", &taskID, map[string]any{
			"video_task_id": taskID.String(),
			"resume":        true,
		})
		return enqErr
	})
	if err != nil {
		return nil, nil, err
	}

	updated, err := s.videoTasks.GetByID(ctx, nil, taskID)
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("video task reset for retry", "video_task_id", taskID, "checkpoint", updated.CurrentSentenceIndex)
	return updated, run, nil
}
