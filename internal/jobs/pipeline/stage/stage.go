// Package stage implements the machinery shared by the prompt, image
// and audio material pipelines: loading a sentence batch with its
// ancestors, fanning work out through the provider gateway under a
// bounded pool, and advancing the owning chapter once a stage's
// completion rule holds.
package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/gateway"
	jobrt "github.com/chaptercast/chaptercast-backend/internal/jobs/runtime"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

const (
	defaultParallel = 4
	maxParallel     = 8

	heartbeatEvery = 20 * time.Second
)

// Deps carries everything a material stage touches. Pipelines build one
// from their constructor arguments and hand it to the stage functions.
type Deps struct {
	DB         *gorm.DB
	Log        *logger.Logger
	Chapters   repos.ChapterRepo
	Paragraphs repos.ParagraphRepo
	Sentences  repos.SentenceRepo
	APIKeys    repos.APIKeyRepo
	Gateway    *gateway.Gateway
	Store      storage.ObjectStore

	// MaxParallel bounds the per-stage fan-out on top of the gateway's
	// per-key permits. Zero means the default.
	MaxParallel int
}

func (d Deps) parallel() int {
	n := d.MaxParallel
	if n < 1 {
		n = defaultParallel
	}
	if n > maxParallel {
		n = maxParallel
	}
	return n
}

// Batch is one stage's working set: the chapter, its participating
// paragraphs in reading order, and the sentences to process ordered by
// (paragraph order, sentence order).
type Batch struct {
	Chapter      *domain.Chapter
	Paragraphs   []*domain.Paragraph
	ParagraphIDs []uuid.UUID
	Sentences    []*domain.Sentence
	Key          *domain.APIKey
}

// LoadChapterSentences loads every sentence of the chapter's
// participating paragraphs in reading order, without touching API keys.
// Paragraphs whose action excludes them from generation are left out
// entirely.
func LoadChapterSentences(ctx context.Context, d Deps, chapterID uuid.UUID) (*Batch, error) {
	chapter, err := d.Chapters.GetByID(ctx, nil, chapterID)
	if err != nil {
		return nil, err
	}
	all, err := d.Paragraphs.ListByChapter(ctx, nil, chapterID)
	if err != nil {
		return nil, err
	}
	paragraphs := make([]*domain.Paragraph, 0, len(all))
	for _, p := range all {
		if p.Action.Participates() {
			paragraphs = append(paragraphs, p)
		}
	}
	ids := make([]uuid.UUID, len(paragraphs))
	for i, p := range paragraphs {
		ids[i] = p.ID
	}
	sentences, err := d.Sentences.ListByParagraphIDs(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	orderSentences(sentences, paragraphs)
	return &Batch{
		Chapter:      chapter,
		Paragraphs:   paragraphs,
		ParagraphIDs: ids,
		Sentences:    sentences,
	}, nil
}

// LoadChapterBatch is LoadChapterSentences plus the stage's API key.
func LoadChapterBatch(ctx context.Context, d Deps, chapterID, apiKeyID uuid.UUID) (*Batch, error) {
	batch, err := LoadChapterSentences(ctx, d, chapterID)
	if err != nil {
		return nil, err
	}
	key, err := loadKey(ctx, d, apiKeyID)
	if err != nil {
		return nil, err
	}
	batch.Key = key
	return batch, nil
}

// LoadSentenceBatch loads an explicit sentence subset and resolves the
// single chapter they all belong to. Sentences spanning chapters are a
// caller error.
func LoadSentenceBatch(ctx context.Context, d Deps, sentenceIDs []uuid.UUID, apiKeyID uuid.UUID) (*Batch, error) {
	const op = "stage.load_batch"
	if len(sentenceIDs) == 0 {
		return nil, apierr.Validation(op, "no sentence ids")
	}
	sentences, err := d.Sentences.GetByIDs(ctx, nil, sentenceIDs)
	if err != nil {
		return nil, err
	}
	if len(sentences) != len(dedupe(sentenceIDs)) {
		return nil, apierr.NotFound(op, "one or more sentences do not exist")
	}
	paraIDs := make([]uuid.UUID, 0, len(sentences))
	seen := map[uuid.UUID]bool{}
	for _, s := range sentences {
		if !seen[s.ParagraphID] {
			seen[s.ParagraphID] = true
			paraIDs = append(paraIDs, s.ParagraphID)
		}
	}
	paragraphs, err := d.Paragraphs.GetByIDs(ctx, nil, paraIDs)
	if err != nil {
		return nil, err
	}
	if len(paragraphs) == 0 {
		return nil, apierr.NotFound(op, "sentence paragraphs do not exist")
	}
	chapterID := paragraphs[0].ChapterID
	for _, p := range paragraphs {
		if p.ChapterID != chapterID {
			return nil, apierr.Validation(op, "sentences span more than one chapter")
		}
	}
	chapter, err := d.Chapters.GetByID(ctx, nil, chapterID)
	if err != nil {
		return nil, err
	}
	orderSentences(sentences, paragraphs)

	key, err := loadKey(ctx, d, apiKeyID)
	if err != nil {
		return nil, err
	}
	// Completion rules are still judged chapter-wide, so carry every
	// participating paragraph id, not just the subset's.
	allParas, err := d.Paragraphs.ListByChapter(ctx, nil, chapterID)
	if err != nil {
		return nil, err
	}
	allIDs := make([]uuid.UUID, 0, len(allParas))
	for _, p := range allParas {
		if p.Action.Participates() {
			allIDs = append(allIDs, p.ID)
		}
	}
	return &Batch{
		Chapter:      chapter,
		Paragraphs:   paragraphs,
		ParagraphIDs: allIDs,
		Sentences:    sentences,
		Key:          key,
	}, nil
}

func loadKey(ctx context.Context, d Deps, apiKeyID uuid.UUID) (*domain.APIKey, error) {
	const op = "stage.load_key"
	if apiKeyID == uuid.Nil {
		return nil, apierr.Validation(op, "api_key_id is required")
	}
	key, err := d.APIKeys.GetByID(ctx, nil, apiKeyID)
	if err != nil {
		return nil, err
	}
	if key.Status != domain.APIKeyStatusActive {
		return nil, apierr.BusinessRule(op, fmt.Sprintf("api key %s is %s", key.ID, key.Status))
	}
	return key, nil
}

func orderSentences(sentences []*domain.Sentence, paragraphs []*domain.Paragraph) {
	rank := make(map[uuid.UUID]int, len(paragraphs))
	for _, p := range paragraphs {
		rank[p.ID] = p.OrderIndex
	}
	sort.SliceStable(sentences, func(i, j int) bool {
		a, b := sentences[i], sentences[j]
		if rank[a.ParagraphID] != rank[b.ParagraphID] {
			return rank[a.ParagraphID] < rank[b.ParagraphID]
		}
		return a.OrderIndex < b.OrderIndex
	})
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Outcome summarizes one fan-out pass.
type Outcome struct {
	Total     int
	Succeeded int
	Failed    int
}

// forEach runs fn over the sentences under the stage's pool. An error
// from fn marks that sentence failed and the pass continues; only a
// dead group context stops early. onDone, when set, fires after every
// finished item with the running done count.
func (d Deps) forEach(ctx context.Context, sentences []*domain.Sentence, onDone func(done, total int), fn func(ctx context.Context, s *domain.Sentence) error) Outcome {
	total := len(sentences)
	out := Outcome{Total: total}
	if total == 0 {
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallel())

	var done, failed int32
	for i := range sentences {
		s := sentences[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(gctx, s); err != nil {
				atomic.AddInt32(&failed, 1)
				if mErr := d.Sentences.MarkFailed(gctx, nil, s.ID, err.Error()); mErr != nil {
					d.Log.Warn("mark sentence failed", "sentence_id", s.ID, "error", mErr)
				}
			}
			if onDone != nil {
				onDone(int(atomic.AddInt32(&done, 1)), total)
			}
			return nil
		})
	}
	_ = g.Wait()

	out.Failed = int(failed)
	out.Succeeded = total - out.Failed
	return out
}

// AdvanceAfterPrompts walks the chapter toward generated_prompts once
// no participating sentence is missing its image prompt. Lost races and
// already-advanced chapters are silent no-ops.
func AdvanceAfterPrompts(ctx context.Context, d Deps, b *Batch) (bool, error) {
	missing, err := d.Sentences.CountMissingField(ctx, nil, b.ParagraphIDs, "image_prompt")
	if err != nil {
		return false, err
	}
	if missing > 0 {
		return false, nil
	}
	// Subset runs may complete a chapter that never left confirmed.
	_, _ = d.Chapters.UpdateStatusForward(ctx, nil, b.Chapter.ID, domain.ChapterStatusConfirmed, domain.ChapterStatusGeneratingPrompts)
	swapped, err := d.Chapters.UpdateStatusForward(ctx, nil, b.Chapter.ID, domain.ChapterStatusGeneratingPrompts, domain.ChapterStatusGeneratedPrompts)
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// AdvanceAfterMaterials walks the chapter toward materials_prepared
// once every participating sentence carries both an image and an audio
// reference.
func AdvanceAfterMaterials(ctx context.Context, d Deps, b *Batch) (bool, error) {
	missingImg, err := d.Sentences.CountMissingField(ctx, nil, b.ParagraphIDs, "image_url")
	if err != nil {
		return false, err
	}
	missingAud, err := d.Sentences.CountMissingField(ctx, nil, b.ParagraphIDs, "audio_url")
	if err != nil {
		return false, err
	}
	if missingImg > 0 || missingAud > 0 {
		return false, nil
	}
	swapped, err := d.Chapters.UpdateStatusForward(ctx, nil, b.Chapter.ID, domain.ChapterStatusGeneratedPrompts, domain.ChapterStatusMaterialsPrepared)
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// Report routes a stage error into the run's fail path: transport
// errors keep their retry budget, everything else is deterministic and
// fails for good.
func Report(jc *jobrt.Context, stageName string, err error) {
	if apierr.Retryable(err) {
		jc.Fail(stageName, err)
		return
	}
	jc.FailPermanent(stageName, err)
}

// KeepAlive bumps the run's heartbeat on a ticker until the returned
// stop func is called. Material and video stages park on provider or
// FFmpeg waits far longer than the worker's reclaim window.
func KeepAlive(jc *jobrt.Context) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	var once sync.Once

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(heartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-jc.Ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				jc.Heartbeat()
			}
		}
	}()
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
