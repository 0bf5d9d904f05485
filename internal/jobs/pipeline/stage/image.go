package stage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/providers"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

// Providers that answer with a URL instead of inline bytes get fetched
// through this client so the artifact still lands in our bucket before
// the provider link expires.
var imageFetchClient = &http.Client{Timeout: 60 * time.Second}

const maxRemoteImageBytes = 32 << 20

type ImageInput struct {
	SentenceIDs []uuid.UUID
	APIKeyID    uuid.UUID
	UserID      uuid.UUID
	Model       string

	OnProgress func(done, total int)
}

type ImageOutput struct {
	ChapterID uuid.UUID
	Outcome
	ChapterAdvanced bool
}

// GenerateImages renders one still per sentence from its stored prompt
// and records the object key on the row. Every listed sentence must
// already carry a prompt; a missing one fails the whole batch before
// any provider call is spent.
func GenerateImages(ctx context.Context, d Deps, in ImageInput) (ImageOutput, error) {
	const op = "stage.generate_images"
	var out ImageOutput

	batch, err := LoadSentenceBatch(ctx, d, in.SentenceIDs, in.APIKeyID)
	if err != nil {
		return out, err
	}
	out.ChapterID = batch.Chapter.ID

	for _, s := range batch.Sentences {
		if strings.TrimSpace(s.ImagePrompt) == "" {
			return out, apierr.BusinessRule(op, fmt.Sprintf("sentence %s has no image prompt", s.ID))
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
		res, err := d.Gateway.Image(ctx, batch.Key, s.ImagePrompt, providers.ImageOptions{Model: in.Model})
		if err != nil {
			return err
		}
		key, err := d.storeImage(ctx, in.UserID, res)
		if err != nil {
			return err
		}
		status := domain.SentenceStatusGeneratedPrompts
		if s.AudioURL != "" {
			status = domain.SentenceStatusCompleted
		}
		return d.Sentences.UpdateFields(ctx, nil, s.ID, map[string]interface{}{
			"image_url":     key,
			"status":        status,
			"error_message": "",
		})
	})
	if out.Succeeded > 0 {
		d.Gateway.ReportUsage(ctx, batch.Key.ID, int64(out.Succeeded))
	}

	advanced, err := AdvanceAfterMaterials(ctx, d, batch)
	if err != nil {
		d.Log.Warn("chapter advance after images", "chapter_id", batch.Chapter.ID, "error", err)
	}
	out.ChapterAdvanced = advanced
	return out, nil
}

func (d Deps) storeImage(ctx context.Context, userID uuid.UUID, res providers.ImageResult) (string, error) {
	const op = "stage.store_image"
	data := res.Bytes
	mime := res.Mime
	if len(data) == 0 {
		if res.URL == "" {
			return "", apierr.External(op, fmt.Errorf("provider returned neither bytes nor url"))
		}
		fetched, fetchedMime, err := fetchRemoteImage(ctx, res.URL)
		if err != nil {
			return "", err
		}
		data = fetched
		if fetchedMime != "" {
			mime = fetchedMime
		}
	}
	if mime == "" {
		mime = "image/png"
	}
	key := storage.BuildKey(storage.PurposeImage, userID, extForImageMime(mime))
	if err := d.Store.PutBytes(ctx, key, data, mime); err != nil {
		return "", err
	}
	return key, nil
}

func fetchRemoteImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	const op = "stage.fetch_image"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", apierr.Transport(op, err)
	}
	resp, err := imageFetchClient.Do(req)
	if err != nil {
		return nil, "", apierr.Transport(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", apierr.External(op, fmt.Errorf("image download returned %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteImageBytes+1))
	if err != nil {
		return nil, "", apierr.Transport(op, err)
	}
	if len(data) > maxRemoteImageBytes {
		return nil, "", apierr.External(op, fmt.Errorf("image exceeds %d bytes", maxRemoteImageBytes))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func extForImageMime(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}
