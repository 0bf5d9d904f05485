package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/media"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

const maxBGMBytes = 32 << 20

var bgmExtensions = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"m4a":  "audio/mp4",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"ogg":  "audio/ogg",
}

// UploadBackgroundInput is the decoded multipart form.
type UploadBackgroundInput struct {
	Name     string
	FileName string
	FileSize int64
	File     io.Reader
}

type BackgroundService interface {
	Upload(ctx context.Context, userID uuid.UUID, in UploadBackgroundInput) (*domain.Background, error)
	List(ctx context.Context, userID uuid.UUID) ([]*domain.Background, error)
	Get(ctx context.Context, userID, backgroundID uuid.UUID) (*domain.Background, error)
	Delete(ctx context.Context, userID, backgroundID uuid.UUID) error
}

type backgroundService struct {
	db          *gorm.DB
	log         *logger.Logger
	backgrounds repos.BackgroundRepo
	cell        *storage.ConfigCell
	tools       media.Tools
}

func NewBackgroundService(db *gorm.DB, baseLog *logger.Logger, backgrounds repos.BackgroundRepo, cell *storage.ConfigCell, tools media.Tools) BackgroundService {
	return &backgroundService{
		db:          db,
		log:         baseLog.With("service", "BackgroundService"),
		backgrounds: backgrounds,
		cell:        cell,
		tools:       tools,
	}
}

func (s *backgroundService) Upload(ctx context.Context, userID uuid.UUID, in UploadBackgroundInput) (*domain.Background, error) {
	if userID == uuid.Nil {
		return nil, apierr.Validation("background.upload", "user_id required")
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(in.FileName)), ".")
	contentType, ok := bgmExtensions[ext]
	if !ok {
		return nil, apierr.Validation("background.upload", fmt.Sprintf("unsupported audio type %q", ext))
	}
	if in.FileSize <= 0 || in.FileSize > maxBGMBytes {
		return nil, apierr.Validation("background.upload", "file size out of range")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = strings.TrimSuffix(path.Base(in.FileName), path.Ext(in.FileName))
	}

	// The upload lands on disk first so ffprobe can read its duration.
	tmpDir, err := os.MkdirTemp("", "bgm-upload-")
	if err != nil {
		return nil, apierr.Internal("background.upload", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpPath := filepath.Join(tmpDir, "upload."+ext)
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, apierr.Internal("background.upload", err)
	}
	written, err := io.Copy(f, io.LimitReader(in.File, maxBGMBytes+1))
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		return nil, apierr.Internal("background.upload", firstErr(err, closeErr))
	}
	if written > maxBGMBytes {
		return nil, apierr.Validation("background.upload", "file too large")
	}

	var duration float64
	if s.tools != nil {
		if d, err := s.tools.ProbeDuration(ctx, tmpPath); err != nil {
			s.log.Warn("bgm duration probe failed", "error", err)
		} else {
			duration = d
		}
	}

	src, err := os.Open(tmpPath)
	if err != nil {
		return nil, apierr.Internal("background.upload", err)
	}
	defer src.Close()

	store, _ := s.cell.Current()
	key := storage.BuildKey(storage.PurposeBGM, userID, ext)
	if err := store.Put(ctx, key, src, contentType); err != nil {
		return nil, err
	}

	bg := &domain.Background{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        name,
		ObjectKey:   key,
		ContentType: contentType,
		FileSize:    written,
		Duration:    duration,
	}
	if _, err := s.backgrounds.Create(ctx, nil, []*domain.Background{bg}); err != nil {
		return nil, err
	}
	s.log.Info("background uploaded", "background_id", bg.ID, "duration", duration)
	return bg, nil
}

func (s *backgroundService) List(ctx context.Context, userID uuid.UUID) ([]*domain.Background, error) {
	return s.backgrounds.ListByUser(ctx, nil, userID)
}

func (s *backgroundService) Get(ctx context.Context, userID, backgroundID uuid.UUID) (*domain.Background, error) {
	bg, err := s.backgrounds.GetByID(ctx, nil, backgroundID)
	if err != nil {
		return nil, err
	}
	if bg.UserID != userID {
		return nil, apierr.NotFound("background.get", "background not found")
	}
	return bg, nil
}

func (s *backgroundService) Delete(ctx context.Context, userID, backgroundID uuid.UUID) error {
	bg, err := s.Get(ctx, userID, backgroundID)
	if err != nil {
		return err
	}
	if err := s.backgrounds.Delete(ctx, nil, backgroundID); err != nil {
		return err
	}
	// Blob removal is best effort; a dangling object costs storage, a
	// dangling row costs correctness.
	store, _ := s.cell.Current()
	if err := store.Delete(ctx, bg.ObjectKey); err != nil {
		s.log.Warn("bgm object delete failed", "key", bg.ObjectKey, "error", err)
	}
	return nil
}
