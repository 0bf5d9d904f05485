package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/providers"
	"github.com/chaptercast/chaptercast-backend/internal/stylespec"
)

// PromptInput selects the batch to prompt. Exactly one of ChapterID or
// SentenceIDs is set; the pipelines decide which.
type PromptInput struct {
	ChapterID   uuid.UUID
	SentenceIDs []uuid.UUID
	APIKeyID    uuid.UUID
	Style       string

	// OnProgress fires after each finished sentence.
	OnProgress func(done, total int)
}

type PromptOutput struct {
	ChapterID uuid.UUID
	Outcome
	ChapterAdvanced bool
}

// GeneratePrompts asks the chat model for one image prompt per sentence
// and writes it back. Individual failures mark their sentence and the
// pass continues; the chapter advances only when every participating
// sentence ends up with a prompt.
func GeneratePrompts(ctx context.Context, d Deps, in PromptInput) (PromptOutput, error) {
	const op = "stage.generate_prompts"
	var out PromptOutput

	styleName := strings.TrimSpace(in.Style)
	if styleName == "" {
		styleName = stylespec.DefaultStyle
	}
	style, err := stylespec.Resolve(d.Log, styleName)
	if err != nil {
		return out, err
	}

	var batch *Batch
	if len(in.SentenceIDs) > 0 {
		batch, err = LoadSentenceBatch(ctx, d, in.SentenceIDs, in.APIKeyID)
	} else {
		batch, err = LoadChapterBatch(ctx, d, in.ChapterID, in.APIKeyID)
	}
	if err != nil {
		return out, err
	}
	out.ChapterID = batch.Chapter.ID

	switch batch.Chapter.Status {
	case domain.ChapterStatusConfirmed, domain.ChapterStatusGeneratingPrompts:
	default:
		return out, apierr.BusinessRule(op, fmt.Sprintf("chapter %s is %s, prompts need a confirmed chapter", batch.Chapter.ID, batch.Chapter.Status))
	}
	if len(batch.Sentences) == 0 {
		return out, apierr.BusinessRule(op, "chapter has no participating sentences")
	}

	out.Outcome = d.forEach(ctx, batch.Sentences, in.OnProgress, func(ctx context.Context, s *domain.Sentence) error {
		prompt, err := d.promptFor(ctx, batch.Key, style, s)
		if err != nil {
			return err
		}
		return d.Sentences.UpdateFields(ctx, nil, s.ID, map[string]interface{}{
			"image_prompt":  prompt,
			"status":        domain.SentenceStatusGeneratedPrompts,
			"error_message": "",
		})
	})
	if out.Succeeded > 0 {
		d.Gateway.ReportUsage(ctx, batch.Key.ID, int64(out.Succeeded))
	}

	advanced, err := AdvanceAfterPrompts(ctx, d, batch)
	if err != nil {
		d.Log.Warn("chapter advance after prompts", "chapter_id", batch.Chapter.ID, "error", err)
	}
	out.ChapterAdvanced = advanced
	return out, nil
}

func (d Deps) promptFor(ctx context.Context, key *domain.APIKey, style stylespec.Style, s *domain.Sentence) (string, error) {
	messages := []providers.Message{
		{Role: "system", Content: style.PromptTemplate},
		{Role: "user", Content: s.Content},
	}
	text, err := d.Gateway.Chat(ctx, key, messages, providers.ChatOptions{})
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(text)
	if prompt == "" {
		return "", apierr.External("stage.generate_prompts", fmt.Errorf("empty completion for sentence %s", s.ID))
	}
	// Providers without a negative-prompt parameter still honor it when
	// folded into the prompt text.
	if style.Negative != "" {
		prompt += "\nNegative prompt: " + style.Negative
	}
	return prompt, nil
}
