package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/providers"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

type AudioInput struct {
	SentenceIDs []uuid.UUID
	APIKeyID    uuid.UUID
	UserID      uuid.UUID

	// Voice and Speed override the per-sentence settings when set.
	Voice string
	Speed float64

	OnProgress func(done, total int)
}

type AudioOutput struct {
	ChapterID uuid.UUID
	Outcome
	ChapterAdvanced bool
}

// GenerateAudio narrates each sentence through the TTS provider and
// records the stored object key. Voice resolution: request override,
// then the sentence's own voice, then the adapter default.
func GenerateAudio(ctx context.Context, d Deps, in AudioInput) (AudioOutput, error) {
	const op = "stage.generate_audio"
	var out AudioOutput

	batch, err := LoadSentenceBatch(ctx, d, in.SentenceIDs, in.APIKeyID)
	if err != nil {
		return out, err
	}
	out.ChapterID = batch.Chapter.ID

	for _, s := range batch.Sentences {
		if strings.TrimSpace(s.Content) == "" {
			return out, apierr.BusinessRule(op, fmt.Sprintf("sentence %s has no content", s.ID))
		}
	}

	ids := make([]uuid.UUID, len(batch.Sentences))
	for i, s := range batch.Sentences {
		ids[i] = s.ID
	}
	if err := d.Sentences.UpdateStatusBatch(ctx, nil, ids, domain.SentenceStatusProcessing); err != nil {
		return out, err
	}

	out.Outcome = d.forEach(ctx, batch.Sentences, in.OnProgress, func(ctx context.Context, s *domain.Sentence) error {
		voice := in.Voice
		if voice == "" {
			voice = s.Voice
		}
		speed := in.Speed
		if speed == 0 {
			speed = s.VoiceSpeed
		}
		data, err := d.Gateway.TTS(ctx, batch.Key, s.Content, providers.TTSOptions{
			Voice:  voice,
			Speed:  speed,
			Format: "mp3",
		})
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return apierr.External(op, fmt.Errorf("empty audio for sentence %s", s.ID))
		}
		key := storage.BuildKey(storage.PurposeAudio, in.UserID, "mp3")
		if err := d.Store.PutBytes(ctx, key, data, "audio/mpeg"); err != nil {
			return err
		}
		status := domain.SentenceStatusGeneratedPrompts
		if s.ImageURL != "" {
			status = domain.SentenceStatusCompleted
		}
		return d.Sentences.UpdateFields(ctx, nil, s.ID, map[string]interface{}{
			"audio_url":     key,
			"status":        status,
			"error_message": "",
		})
	})
	if out.Succeeded > 0 {
		d.Gateway.ReportUsage(ctx, batch.Key.ID, int64(out.Succeeded))
	}

	advanced, err := AdvanceAfterMaterials(ctx, d, batch)
	if err != nil {
		d.Log.Warn("chapter advance after audio", "chapter_id", batch.Chapter.ID, "error", err)
	}
	out.ChapterAdvanced = advanced
	return out, nil
}
