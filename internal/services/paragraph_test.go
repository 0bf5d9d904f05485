package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
)

func newParagraphService(f *svcFixture) ParagraphService {
	return NewParagraphService(f.db, f.log, f.projects, f.chapters, f.paragraphs, f.sentences)
}

func TestSetActionControlsParticipation(t *testing.T) {
	f := newSvcFixture(t)
	svc := newParagraphService(f)
	user, chapter, _ := f.seedChapterWithSentences(t, domain.ChapterStatusPending, []string{""})
	paragraphs, err := f.paragraphs.ListByChapter(context.Background(), nil, chapter.ID)
	require.NoError(t, err)
	paragraph := paragraphs[0]

	updated, err := svc.SetAction(context.Background(), user.ID, paragraph.ID, domain.ParagraphActionIgnore)
	require.NoError(t, err)
	assert.Equal(t, domain.ParagraphActionIgnore, updated.Action)
	assert.False(t, updated.Action.Participates())

	_, err = svc.SetAction(context.Background(), user.ID, paragraph.ID, domain.ParagraphAction("skip"))
	assert.True(t, apierr.IsKind(err, apierr.KindValidation), "got %v", err)
}

func TestUpdateContentResplitsSentences(t *testing.T) {
	f := newSvcFixture(t)
	svc := newParagraphService(f)
	user, chapter, old := f.seedChapterWithSentences(t, domain.ChapterStatusPending, []string{"stale prompt"})
	paragraphs, err := f.paragraphs.ListByChapter(context.Background(), nil, chapter.ID)
	require.NoError(t, err)
	paragraph := paragraphs[0]

	detail, err := svc.UpdateContent(context.Background(), user.ID, paragraph.ID,
		"The rain stopped. The door opened! Who was there?")
	require.NoError(t, err)

	assert.Equal(t, domain.ParagraphActionEdit, detail.Paragraph.Action)
	assert.Equal(t, 3, detail.Paragraph.SentenceCount)
	require.Len(t, detail.Sentences, 3)
	assert.Equal(t, "The rain stopped.", detail.Sentences[0].Content)
	assert.Equal(t, "The door opened!", detail.Sentences[1].Content)
	assert.Equal(t, "Who was there?", detail.Sentences[2].Content)
	for _, sen := range detail.Sentences {
		assert.Equal(t, domain.SentenceStatusPending, sen.Status)
		assert.Empty(t, sen.ImagePrompt)
	}

	// The previous sentence rows are gone, not orphaned.
	_, err = f.sentences.GetByID(context.Background(), nil, old[0].ID)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound), "got %v", err)
}

func TestParagraphEditsLockAfterConfirm(t *testing.T) {
	f := newSvcFixture(t)
	svc := newParagraphService(f)
	user, chapter, _ := f.seedChapterWithSentences(t, domain.ChapterStatusConfirmed, []string{""})
	paragraphs, err := f.paragraphs.ListByChapter(context.Background(), nil, chapter.ID)
	require.NoError(t, err)
	paragraph := paragraphs[0]

	_, err = svc.SetAction(context.Background(), user.ID, paragraph.ID, domain.ParagraphActionDelete)
	assert.True(t, apierr.IsKind(err, apierr.KindBusinessRule), "got %v", err)

	_, err = svc.UpdateContent(context.Background(), user.ID, paragraph.ID, "Rewritten.")
	assert.True(t, apierr.IsKind(err, apierr.KindBusinessRule), "got %v", err)
}

func TestParagraphEditsScopedToOwner(t *testing.T) {
	f := newSvcFixture(t)
	svc := newParagraphService(f)
	_, chapter, _ := f.seedChapterWithSentences(t, domain.ChapterStatusPending, []string{""})
	stranger := f.seedUser(t)
	paragraphs, err := f.paragraphs.ListByChapter(context.Background(), nil, chapter.ID)
	require.NoError(t, err)

	_, err = svc.SetAction(context.Background(), stranger.ID, paragraphs[0].ID, domain.ParagraphActionKeep)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound), "got %v", err)
}
