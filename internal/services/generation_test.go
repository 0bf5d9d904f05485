package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
)

func newGenerationService(f *svcFixture) GenerationService {
	return NewGenerationService(f.db, f.log, f.projects, f.chapters, f.paragraphs, f.sentences, f.apiKeys, f.tasks)
}

func (f *svcFixture) seedParagraph(t *testing.T, chapterID uuid.UUID, order int) *domain.Paragraph {
	t.Helper()
	now := time.Now().UTC()
	p := &domain.Paragraph{
		ID:         uuid.New(),
		ChapterID:  chapterID,
		OrderIndex: order,
		Content:    "Paragraph content.",
		Action:     domain.ParagraphActionKeep,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := f.paragraphs.Create(context.Background(), nil, []*domain.Paragraph{p})
	require.NoError(t, err)
	return p
}

func (f *svcFixture) seedSentence(t *testing.T, paragraphID uuid.UUID, order int, prompt string) *domain.Sentence {
	t.Helper()
	now := time.Now().UTC()
	sen := &domain.Sentence{
		ID:          uuid.New(),
		ParagraphID: paragraphID,
		OrderIndex:  order,
		Content:     "A sentence to narrate.",
		ImagePrompt: prompt,
		Status:      domain.SentenceStatusPending,
		VoiceSpeed:  1.0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := f.sentences.Create(context.Background(), nil, []*domain.Sentence{sen})
	require.NoError(t, err)
	return sen
}

// seedChapterWithSentences builds user → project → chapter → paragraph →
// n sentences in one call for the stage-request tests.
func (f *svcFixture) seedChapterWithSentences(t *testing.T, status domain.ChapterStatus, prompts []string) (*domain.User, *domain.Chapter, []*domain.Sentence) {
	t.Helper()
	user := f.seedUser(t)
	project := f.seedProject(t, user.ID, domain.ProjectStatusParsed)
	chapter := f.seedChapter(t, project.ID, 1, status)
	paragraph := f.seedParagraph(t, chapter.ID, 0)
	sentences := make([]*domain.Sentence, 0, len(prompts))
	for i, prompt := range prompts {
		sentences = append(sentences, f.seedSentence(t, paragraph.ID, i, prompt))
	}
	return user, chapter, sentences
}

func sentenceIDs(sentences []*domain.Sentence) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(sentences))
	for _, sen := range sentences {
		ids = append(ids, sen.ID)
	}
	return ids
}

func TestGeneratePromptsQueuesRunAndLocksChapter(t *testing.T) {
	f := newSvcFixture(t)
	gen := newGenerationService(f)
	user, chapter, _ := f.seedChapterWithSentences(t, domain.ChapterStatusConfirmed, []string{"", ""})
	key := f.seedAPIKey(t, user.ID, domain.APIKeyStatusActive)

	run, err := gen.GeneratePrompts(context.Background(), user.ID, chapter.ID, key.ID, "")
	require.NoError(t, err)

	assert.Equal(t, domain.TaskTypeGeneratePrompts, run.Type)
	assert.Equal(t, domain.TaskRunStatusQueued, run.Status)
	require.NotNil(t, run.EntityID)
	assert.Equal(t, chapter.ID, *run.EntityID)

	payload := string(run.Payload)
	assert.Contains(t, payload, chapter.ID.String())
	assert.Contains(t, payload, key.ID.String())
	assert.Contains(t, payload, `"style":"realistic"`)

	got, err := f.chapters.GetByID(context.Background(), nil, chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChapterStatusGeneratingPrompts, got.Status)
}

func TestGeneratePromptsRequiresConfirmedChapter(t *testing.T) {
	f := newSvcFixture(t)
	gen := newGenerationService(f)
	user, chapter, _ := f.seedChapterWithSentences(t, domain.ChapterStatusPending, []string{""})
	key := f.seedAPIKey(t, user.ID, domain.APIKeyStatusActive)

	_, err := gen.GeneratePrompts(context.Background(), user.ID, chapter.ID, key.ID, "")
	assert.True(t, apierr.IsKind(err, apierr.KindBusinessRule), "got %v", err)

	got, err := f.chapters.GetByID(context.Background(), nil, chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChapterStatusPending, got.Status)
	assert.Zero(t, f.notify.queuedCount())
}

func TestGeneratePromptsGuardsKeyAndStyle(t *testing.T) {
	f := newSvcFixture(t)
	gen := newGenerationService(f)
	user, chapter, _ := f.seedChapterWithSentences(t, domain.ChapterStatusConfirmed, []string{""})
	stranger := f.seedUser(t)

	_, err := gen.GeneratePrompts(context.Background(), user.ID, chapter.ID, uuid.Nil, "")
	assert.True(t, apierr.IsKind(err, apierr.KindValidation), "got %v", err)

	foreign := f.seedAPIKey(t, stranger.ID, domain.APIKeyStatusActive)
	_, err = gen.GeneratePrompts(context.Background(), user.ID, chapter.ID, foreign.ID, "")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound), "got %v", err)

	inactive := f.seedAPIKey(t, user.ID, domain.APIKeyStatusInactive)
	_, err = gen.GeneratePrompts(context.Background(), user.ID, chapter.ID, inactive.ID, "")
	assert.True(t, apierr.IsKind(err, apierr.KindBusinessRule), "got %v", err)

	active := f.seedAPIKey(t, user.ID, domain.APIKeyStatusActive)
	_, err = gen.GeneratePrompts(context.Background(), user.ID, chapter.ID, active.ID, "vaporwave")
	assert.True(t, apierr.IsKind(err, apierr.KindValidation), "got %v", err)
}

func TestGeneratePromptsByIDsTargetsSubset(t *testing.T) {
	f := newSvcFixture(t)
	gen := newGenerationService(f)
	user, chapter, sentences := f.seedChapterWithSentences(t, domain.ChapterStatusConfirmed, []string{"", "", ""})
	key := f.seedAPIKey(t, user.ID, domain.APIKeyStatusActive)

	subset := []uuid.UUID{sentences[0].ID, sentences[2].ID}
	run, err := gen.GeneratePromptsByIDs(context.Background(), user.ID, subset, key.ID, "watercolor")
	require.NoError(t, err)

	assert.Equal(t, domain.TaskTypeGeneratePromptsByIDs, run.Type)
	require.NotNil(t, run.EntityID)
	assert.Equal(t, chapter.ID, *run.EntityID)

	payload := string(run.Payload)
	assert.Contains(t, payload, sentences[0].ID.String())
	assert.Contains(t, payload, sentences[2].ID.String())
	assert.NotContains(t, payload, sentences[1].ID.String())
	assert.Contains(t, payload, `"style":"watercolor"`)
}

func TestGeneratePromptsByIDsNeedsConfirmedChapter(t *testing.T) {
	f := newSvcFixture(t)
	gen := newGenerationService(f)
	user, _, sentences := f.seedChapterWithSentences(t, domain.ChapterStatusPending, []string{""})
	key := f.seedAPIKey(t, user.ID, domain.APIKeyStatusActive)

	_, err := gen.GeneratePromptsByIDs(context.Background(), user.ID, sentenceIDs(sentences), key.ID, "")
	assert.True(t, apierr.IsKind(err, apierr.KindBusinessRule), "got %v", err)
}

func TestSentenceResolutionRejectsBadSets(t *testing.T) {
	f := newSvcFixture(t)
	gen := newGenerationService(f)
	user, _, sentences := f.seedChapterWithSentences(t, domain.ChapterStatusConfirmed, []string{"prompt"})
	key := f.seedAPIKey(t, user.ID, domain.APIKeyStatusActive)

	_, err := gen.GenerateAudio(context.Background(), user.ID, nil, key.ID, "", 0)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation), "got %v", err)

	_, err = gen.GenerateAudio(context.Background(), user.ID, []uuid.UUID{uuid.New()}, key.ID, "", 0)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound), "got %v", err)

	// Second chapter in the same project; mixing its sentences in is invalid.
	project := f.seedProject(t, user.ID, domain.ProjectStatusParsed)
	otherChapter := f.seedChapter(t, project.ID, 1, domain.ChapterStatusConfirmed)
	otherParagraph := f.seedParagraph(t, otherChapter.ID, 0)
	otherSentence := f.seedSentence(t, otherParagraph.ID, 0, "prompt")
	_, err = gen.GenerateAudio(context.Background(), user.ID, []uuid.UUID{sentences[0].ID, otherSentence.ID}, key.ID, "", 0)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation), "got %v", err)

	// Someone else's sentences read as missing, not forbidden.
	stranger := f.seedUser(t)
	strangerKey := f.seedAPIKey(t, stranger.ID, domain.APIKeyStatusActive)
	_, err = gen.GenerateAudio(context.Background(), stranger.ID, sentenceIDs(sentences), strangerKey.ID, "", 0)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound), "got %v", err)
}

func TestGenerateImagesNeedsPromptOnEverySentence(t *testing.T) {
	f := newSvcFixture(t)
	gen := newGenerationService(f)
	user, _, sentences := f.seedChapterWithSentences(t, domain.ChapterStatusGeneratedPrompts, []string{"a castle", ""})
	key := f.seedAPIKey(t, user.ID, domain.APIKeyStatusActive)

	_, err := gen.GenerateImages(context.Background(), user.ID, sentenceIDs(sentences), key.ID, "")
	assert.True(t, apierr.IsKind(err, apierr.KindBusinessRule), "got %v", err)
	assert.Zero(t, f.notify.queuedCount())
}

func TestGenerateImagesCarriesModelOverride(t *testing.T) {
	f := newSvcFixture(t)
	gen := newGenerationService(f)
	user, chapter, sentences := f.seedChapterWithSentences(t, domain.ChapterStatusGeneratedPrompts, []string{"a castle", "a river"})
	key := f.seedAPIKey(t, user.ID, domain.APIKeyStatusActive)

	run, err := gen.GenerateImages(context.Background(), user.ID, sentenceIDs(sentences), key.ID, "dall-e-3")
	require.NoError(t, err)

	assert.Equal(t, domain.TaskTypeGenerateImages, run.Type)
	require.NotNil(t, run.EntityID)
	assert.Equal(t, chapter.ID, *run.EntityID)
	assert.Contains(t, string(run.Payload), `"model":"dall-e-3"`)
}

func TestGenerateAudioValidatesSpeedRange(t *testing.T) {
	f := newSvcFixture(t)
	gen := newGenerationService(f)
	user, _, sentences := f.seedChapterWithSentences(t, domain.ChapterStatusGeneratedPrompts, []string{"a castle"})
	key := f.seedAPIKey(t, user.ID, domain.APIKeyStatusActive)

	_, err := gen.GenerateAudio(context.Background(), user.ID, sentenceIDs(sentences), key.ID, "", 5.0)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation), "got %v", err)

	run, err := gen.GenerateAudio(context.Background(), user.ID, sentenceIDs(sentences), key.ID, "nova", 1.25)
	require.NoError(t, err)
	payload := string(run.Payload)
	assert.Contains(t, payload, `"voice":"nova"`)
	assert.Contains(t, payload, `"speed":1.25`)
}
