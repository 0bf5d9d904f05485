package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

// Upload cap for source documents.
const maxUploadBytes = 64 << 20

// CreateProjectInput is the decoded multipart upload.
type CreateProjectInput struct {
	Title       string
	Description string
	FileName    string
	FileSize    int64
	File        io.Reader
}

type ProjectService interface {
	Create(ctx context.Context, userID uuid.UUID, in CreateProjectInput) (*domain.Project, *domain.TaskRun, error)
	List(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error)
	Get(ctx context.Context, userID, projectID uuid.UUID) (*domain.Project, error)
	Archive(ctx context.Context, userID, projectID uuid.UUID) (*domain.Project, error)
	// RetryParse re-enqueues parsing for a failed project.
	RetryParse(ctx context.Context, userID, projectID uuid.UUID) (*domain.TaskRun, error)
}

type projectService struct {
	db       *gorm.DB
	log      *logger.Logger
	projects repos.ProjectRepo
	cell     *storage.ConfigCell
	covers   CoverService
	tasks    TaskService
}

func NewProjectService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projects repos.ProjectRepo,
	cell *storage.ConfigCell,
	covers CoverService,
	tasks TaskService,
) ProjectService {
	return &projectService{
		db:       db,
		log:      baseLog.With("service", "ProjectService"),
		projects: projects,
		cell:     cell,
		covers:   covers,
		tasks:    tasks,
	}
}

func (s *projectService) Create(ctx context.Context, userID uuid.UUID, in CreateProjectInput) (*domain.Project, *domain.TaskRun, error) {
	if userID == uuid.Nil {
		return nil, nil, apierr.Validation("project.create", "user_id required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSuffix(path.Base(in.FileName), path.Ext(in.FileName))
	}
	if title == "" {
		return nil, nil, apierr.Validation("project.create", "title required")
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(in.FileName)), ".")
	if !domain.ProjectFileTypes[ext] {
		return nil, nil, apierr.Validation("project.create", fmt.Sprintf("unsupported file type %q (txt, md, docx, epub)", ext))
	}
	if in.FileSize <= 0 || in.FileSize > maxUploadBytes {
		return nil, nil, apierr.Validation("project.create", "file size out of range")
	}
	if in.File == nil {
		return nil, nil, apierr.Validation("project.create", "file required")
	}

	// Hash while the upload streams to the store; the source is consumed
	// exactly once.
	store, _ := s.cell.Current()
	key := storage.BuildKey(storage.PurposeUpload, userID, ext)
	hasher := sha256.New()
	if err := store.Put(ctx, key, io.TeeReader(io.LimitReader(in.File, maxUploadBytes+1), hasher), contentTypeForExt(ext)); err != nil {
		return nil, nil, err
	}

	projectID := uuid.New()
	project := &domain.Project{
		ID:          projectID,
		OwnerID:     userID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		FileName:    path.Base(in.FileName),
		FileSize:    in.FileSize,
		FileType:    ext,
		FilePath:    key,
		FileHash:    hex.EncodeToString(hasher.Sum(nil)),
		Status:      domain.ProjectStatusUploaded,
	}

	// Cover failure never blocks the upload.
	if s.covers != nil {
		coverKey, err := s.covers.RenderProjectCover(ctx, userID, projectID, title)
		if err != nil {
			s.log.Warn("cover render failed", "project_id", projectID, "error", err)
		} else {
			project.CoverKey = coverKey
		}
	}

	var task *domain.TaskRun
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.projects.Create(ctx, tx, []*domain.Project{project}); err != nil {
			return err
		}
		var enqErr error
		task, enqErr = s.tasks.Enqueue(ctx, tx, userID, domain.TaskTypeParseDocument, "project", &projectID, map[string]any{
			"project_id": projectID.String(),
		})
		return enqErr
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("project created", "project_id", projectID, "file_type", ext, "file_size", in.FileSize)
	return project, task, nil
}

func (s *projectService) List(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error) {
	return s.projects.ListByOwner(ctx, nil, userID)
}

func (s *projectService) Get(ctx context.Context, userID, projectID uuid.UUID) (*domain.Project, error) {
	project, err := s.projects.GetByID(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != userID {
		return nil, apierr.NotFound("project.get", "project not found")
	}
	return project, nil
}

func (s *projectService) Archive(ctx context.Context, userID, projectID uuid.UUID) (*domain.Project, error) {
	project, err := s.Get(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status == domain.ProjectStatusArchived {
		return nil, apierr.BusinessRule("project.archive", "project already archived")
	}
	if err := s.projects.UpdateFields(ctx, nil, projectID, map[string]interface{}{
		"status": domain.ProjectStatusArchived,
	}); err != nil {
		return nil, err
	}
	project.Status = domain.ProjectStatusArchived
	return project, nil
}

func (s *projectService) RetryParse(ctx context.Context, userID, projectID uuid.UUID) (*domain.TaskRun, error) {
	project, err := s.Get(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != domain.ProjectStatusFailed {
		return nil, apierr.BusinessRule("project.retry", "only failed projects can be retried")
	}
	return s.tasks.Enqueue(ctx, nil, userID, domain.TaskTypeRetryFailedProject, "project", &projectID, map[string]any{
		"project_id": projectID.String(),
	})
}

func contentTypeForExt(ext string) string {
	switch ext {
	case "txt":
		return "text/plain; charset=utf-8"
	case "md":
		return "text/markdown; charset=utf-8"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case "epub":
		return "application/epub+zip"
	default:
		return "application/octet-stream"
	}
}
