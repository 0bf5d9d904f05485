package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/stylespec"
)

// GenerationService validates material-stage requests and puts them on the
// scheduler. The heavy lifting happens in the worker pipelines; this layer
// only guards the state machine and ownership before enqueueing.
type GenerationService interface {
	// GeneratePrompts targets every sentence of a confirmed chapter and
	// moves it to generating_prompts.
	GeneratePrompts(ctx context.Context, userID, chapterID, apiKeyID uuid.UUID, style string) (*domain.TaskRun, error)
	// GeneratePromptsByIDs regenerates prompts for a subset of sentences.
	GeneratePromptsByIDs(ctx context.Context, userID uuid.UUID, sentenceIDs []uuid.UUID, apiKeyID uuid.UUID, style string) (*domain.TaskRun, error)
	GenerateImages(ctx context.Context, userID uuid.UUID, sentenceIDs []uuid.UUID, apiKeyID uuid.UUID, model string) (*domain.TaskRun, error)
	GenerateAudio(ctx context.Context, userID uuid.UUID, sentenceIDs []uuid.UUID, apiKeyID uuid.UUID, voice string, speed float64) (*domain.TaskRun, error)
}

type generationService struct {
	db         *gorm.DB
	log        *logger.Logger
	projects   repos.ProjectRepo
	chapters   repos.ChapterRepo
	paragraphs repos.ParagraphRepo
	sentences  repos.SentenceRepo
	apiKeys    repos.APIKeyRepo
	tasks      TaskService
}

func NewGenerationService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projects repos.ProjectRepo,
	chapters repos.ChapterRepo,
	paragraphs repos.ParagraphRepo,
	sentences repos.SentenceRepo,
	apiKeys repos.APIKeyRepo,
	tasks TaskService,
) GenerationService {
	return &generationService{
		db:         db,
		log:        baseLog.With("service", "GenerationService"),
		projects:   projects,
		chapters:   chapters,
		paragraphs: paragraphs,
		sentences:  sentences,
		apiKeys:    apiKeys,
		tasks:      tasks,
	}
}

func (s *generationService) activeKey(ctx context.Context, userID, apiKeyID uuid.UUID) (*domain.APIKey, error) {
	if apiKeyID == uuid.Nil {
		return nil, apierr.Validation("generation.apikey", "api_key_id required")
	}
	key, err := s.apiKeys.GetByID(ctx, nil, apiKeyID)
	if err != nil {
		return nil, err
	}
	if key.UserID != userID {
		return nil, apierr.NotFound("generation.apikey", "api key not found")
	}
	if key.Status != domain.APIKeyStatusActive {
		return nil, apierr.BusinessRule("generation.apikey", "api key is not active")
	}
	return key, nil
}

// ownedChapterOfSentences resolves the single chapter owning every listed
// sentence. Sentences spanning chapters are rejected; a stage always runs
// within one chapter.
func (s *generationService) ownedChapterOfSentences(ctx context.Context, userID uuid.UUID, sentenceIDs []uuid.UUID) (*domain.Chapter, error) {
	if len(sentenceIDs) == 0 {
		return nil, apierr.Validation("generation.sentences", "sentence_ids required")
	}
	rows, err := s.sentences.GetByIDs(ctx, nil, sentenceIDs)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(sentenceIDs) {
		return nil, apierr.NotFound("generation.sentences", "one or more sentences not found")
	}
	paragraphIDs := uniqueUUIDs(rows, func(sen *domain.Sentence) uuid.UUID { return sen.ParagraphID })
	paragraphs, err := s.paragraphs.GetByIDs(ctx, nil, paragraphIDs)
	if err != nil {
		return nil, err
	}
	chapterIDs := uniqueUUIDs(paragraphs, func(p *domain.Paragraph) uuid.UUID { return p.ChapterID })
	if len(chapterIDs) != 1 {
		return nil, apierr.Validation("generation.sentences", "sentences must belong to one chapter")
	}
	chapter, err := s.chapters.GetByID(ctx, nil, chapterIDs[0])
	if err != nil {
		return nil, err
	}
	project, err := s.projects.GetByID(ctx, nil, chapter.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != userID {
		return nil, apierr.NotFound("generation.sentences", "sentences not found")
	}
	return chapter, nil
}

func (s *generationService) GeneratePrompts(ctx context.Context, userID, chapterID, apiKeyID uuid.UUID, style string) (*domain.TaskRun, error) {
	if _, err := s.activeKey(ctx, userID, apiKeyID); err != nil {
		return nil, err
	}
	style = strings.TrimSpace(style)
	if style == "" {
		style = stylespec.DefaultStyle
	}
	if _, err := stylespec.Resolve(s.log, style); err != nil {
		return nil, err
	}

	chapter, err := s.chapters.GetByID(ctx, nil, chapterID)
	if err != nil {
		return nil, err
	}
	project, err := s.projects.GetByID(ctx, nil, chapter.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != userID {
		return nil, apierr.NotFound("generation.prompts", "chapter not found")
	}

	var run *domain.TaskRun
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		swapped, err := s.chapters.UpdateStatusForward(ctx, tx, chapterID, domain.ChapterStatusConfirmed, domain.ChapterStatusGeneratingPrompts)
		if err != nil {
			return err
		}
		if !swapped {
			return apierr.BusinessRule("generation.prompts", "chapter must be confirmed")
		}
		var enqErr error
		run, enqErr = s.tasks.Enqueue(ctx, tx, userID, domain.TaskTypeGeneratePrompts, "chapter", &chapterID, map[string]any{
			"chapter_id": chapterID.String(),
			"api_key_id": apiKeyID.String(),
			"style":      style,
		})
		return enqErr
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *generationService) GeneratePromptsByIDs(ctx context.Context, userID uuid.UUID, sentenceIDs []uuid.UUID, apiKeyID uuid.UUID, style string) (*domain.TaskRun, error) {
	if _, err := s.activeKey(ctx, userID, apiKeyID); err != nil {
		return nil, err
	}
	style = strings.TrimSpace(style)
	if style == "" {
		style = stylespec.DefaultStyle
	}
	if _, err := stylespec.Resolve(s.log, style); err != nil {
		return nil, err
	}

	chapter, err := s.ownedChapterOfSentences(ctx, userID, sentenceIDs)
	if err != nil {
		return nil, err
	}
	if !chapter.IsConfirmed {
		return nil, apierr.BusinessRule("generation.prompts", "chapter must be confirmed")
	}

	return s.tasks.Enqueue(ctx, nil, userID, domain.TaskTypeGeneratePromptsByIDs, "chapter", &chapter.ID, map[string]any{
		"sentence_ids": uuidStrings(sentenceIDs),
		"api_key_id":   apiKeyID.String(),
		"style":        style,
	})
}

func (s *generationService) GenerateImages(ctx context.Context, userID uuid.UUID, sentenceIDs []uuid.UUID, apiKeyID uuid.UUID, model string) (*domain.TaskRun, error) {
	if _, err := s.activeKey(ctx, userID, apiKeyID); err != nil {
		return nil, err
	}
	chapter, err := s.ownedChapterOfSentences(ctx, userID, sentenceIDs)
	if err != nil {
		return nil, err
	}

	rows, err := s.sentences.GetByIDs(ctx, nil, sentenceIDs)
	if err != nil {
		return nil, err
	}
	for _, sen := range rows {
		if strings.TrimSpace(sen.ImagePrompt) == "" {
			return nil, apierr.BusinessRule("generation.images", "sentence "+sen.ID.String()+" has no image prompt")
		}
	}

	payload := map[string]any{
		"sentence_ids": uuidStrings(sentenceIDs),
		"api_key_id":   apiKeyID.String(),
	}
	if model = strings.TrimSpace(model); model != "" {
		payload["model"] = model
	}
	return s.tasks.Enqueue(ctx, nil, userID, domain.TaskTypeGenerateImages, "chapter", &chapter.ID, payload)
}

func (s *generationService) GenerateAudio(ctx context.Context, userID uuid.UUID, sentenceIDs []uuid.UUID, apiKeyID uuid.UUID, voice string, speed float64) (*domain.TaskRun, error) {
	if _, err := s.activeKey(ctx, userID, apiKeyID); err != nil {
		return nil, err
	}
	chapter, err := s.ownedChapterOfSentences(ctx, userID, sentenceIDs)
	if err != nil {
		return nil, err
	}
	if speed != 0 && (speed < 0.25 || speed > 4.0) {
		return nil, apierr.Validation("generation.audio", "speed must be within [0.25, 4.0]")
	}

	payload := map[string]any{
		"sentence_ids": uuidStrings(sentenceIDs),
		"api_key_id":   apiKeyID.String(),
	}
	if voice = strings.TrimSpace(voice); voice != "" {
		payload["voice"] = voice
	}
	if speed != 0 {
		payload["speed"] = speed
	}
	return s.tasks.Enqueue(ctx, nil, userID, domain.TaskTypeGenerateAudio, "chapter", &chapter.ID, payload)
}

func uniqueUUIDs[T any](rows []T, pick func(T) uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(rows))
	out := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		id := pick(r)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
