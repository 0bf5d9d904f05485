package synthesize_video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/jobs/pipeline/stage"
	jobrt "github.com/chaptercast/chaptercast-backend/internal/jobs/runtime"
	"github.com/chaptercast/chaptercast-backend/internal/media"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/providers"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
	"github.com/chaptercast/chaptercast-backend/internal/subtitle"
)

var errCancelled = errors.New("cancelled")

// sentenceError pins a failure to the sentence that caused it so the
// task row can record error_sentence_id.
type sentenceError struct {
	id  uuid.UUID
	err error
}

func (e *sentenceError) Error() string { return e.err.Error() }
func (e *sentenceError) Unwrap() error { return e.err }

// taskRun is the mutable state threaded through the runner's stages.
type taskRun struct {
	task      *domain.VideoTask
	chapter   *domain.Chapter
	sentences []*domain.Sentence
	settings  domain.GenerationSettings
	correct   subtitle.ChatFunc
	usageKey  uuid.UUID

	tmpDir    string
	bgmPath   string
	clips     []string
	prefix    int
	finalPath string
	videoKey  string
	duration  float64
}

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Run == nil {
		return nil
	}
	taskID, ok := jc.PayloadUUID("video_task_id")
	if !ok || taskID == uuid.Nil {
		jc.FailPermanent("validate", fmt.Errorf("missing video_task_id"))
		return nil
	}

	stop := stage.KeepAlive(jc)
	defer stop()

	task, err := p.videoTasks.GetByID(jc.Ctx, nil, taskID)
	if err != nil {
		stage.Report(jc, "validate", err)
		return nil
	}
	if task.Status == domain.VideoTaskStatusCompleted {
		jc.Succeed("done", map[string]any{"video_task_id": task.ID.String(), "skipped": true})
		return nil
	}
	// A re-delivered attempt that left no sentence checkpoint would
	// re-burn the whole chapter's transcription and correction spend.
	if jc.Run.Attempts > 1 && !hasCheckpoint(task) {
		reason := fmt.Errorf("video task %s re-delivered without a sentence checkpoint", task.ID)
		p.markFailed(jc, task, nil, reason.Error())
		jc.FailPermanent("validate", reason)
		return nil
	}

	r := &taskRun{task: task, prefix: -1}
	defer func() {
		if r.tmpDir != "" {
			os.RemoveAll(r.tmpDir)
		}
	}()

	steps := []struct {
		name string
		fn   func(*jobrt.Context, *taskRun) error
	}{
		{"validating", p.validate},
		{"downloading_materials", p.download},
		{"synthesizing_videos", p.synthesize},
		{"concatenating", p.concat},
		{"uploading", p.upload},
		{"finalize", p.complete},
	}
	for _, st := range steps {
		if jc.CancelRequested() {
			p.markCancelled(jc, r.task)
			jc.Cancel(st.name)
			return nil
		}
		if err := st.fn(jc, r); err != nil {
			p.settleFailure(jc, r, st.name, err)
			return nil
		}
	}

	jc.Succeed("done", map[string]any{
		"video_task_id":  r.task.ID.String(),
		"chapter_id":     r.chapter.ID.String(),
		"video_key":      r.videoKey,
		"video_duration": r.duration,
		"sentences":      len(r.sentences),
	})
	return nil
}

func (p *Pipeline) validate(jc *jobrt.Context, r *taskRun) error {
	const op = "video.validate"
	if err := p.videoTasks.UpdateFields(jc.Ctx, nil, r.task.ID, map[string]interface{}{
		"status":            domain.VideoTaskStatusValidating,
		"error_message":     "",
		"error_sentence_id": nil,
	}); err != nil {
		return err
	}
	jc.Progress("validating", 2, "Validating chapter materials")

	batch, err := stage.LoadChapterSentences(jc.Ctx, p.stageDeps(), r.task.ChapterID)
	if err != nil {
		return err
	}
	r.chapter = batch.Chapter
	r.sentences = batch.Sentences

	switch r.chapter.Status {
	case domain.ChapterStatusMaterialsPrepared, domain.ChapterStatusGeneratingVideo, domain.ChapterStatusCompleted:
	default:
		return apierr.BusinessRule(op, fmt.Sprintf("chapter %s is %s, materials are not prepared", r.chapter.ID, r.chapter.Status))
	}
	if len(r.sentences) == 0 {
		return apierr.BusinessRule(op, "chapter has no participating sentences")
	}
	for _, s := range r.sentences {
		if !s.ReadyForVideo() {
			return &sentenceError{id: s.ID, err: apierr.BusinessRule(op, fmt.Sprintf("sentence %s is missing generated image or audio", s.ID))}
		}
	}

	settings, err := domain.ParseGenerationSettings(r.task.GenerationSettings)
	if err != nil {
		return err
	}
	r.settings = settings

	// Subtitle correction is an enhancement; a missing or disabled key
	// downgrades to raw ASR subtitles instead of failing the video.
	if r.task.APIKeyID != nil {
		key, err := p.apiKeys.GetByID(jc.Ctx, nil, *r.task.APIKeyID)
		switch {
		case err != nil:
			p.log.Warn("subtitle correction key unavailable", "api_key_id", *r.task.APIKeyID, "error", err)
		case key.Status != domain.APIKeyStatusActive:
			p.log.Warn("subtitle correction key not active", "api_key_id", key.ID, "status", key.Status)
		default:
			r.usageKey = key.ID
			r.correct = func(ctx context.Context, system, user string) (string, error) {
				return p.gw.Chat(ctx, key, []providers.Message{
					{Role: "system", Content: system},
					{Role: "user", Content: user},
				}, providers.ChatOptions{})
			}
		}
	}
	return nil
}

func (p *Pipeline) download(jc *jobrt.Context, r *taskRun) error {
	if err := p.videoTasks.UpdateFields(jc.Ctx, nil, r.task.ID, map[string]interface{}{
		"status": domain.VideoTaskStatusDownloadingMaterials,
	}); err != nil {
		return err
	}
	jc.Progress("downloading_materials", 4, "Fetching task materials")

	tmpDir, err := os.MkdirTemp("", "videotask-*")
	if err != nil {
		return apierr.Internal("video.download", err)
	}
	r.tmpDir = tmpDir

	if r.task.BackgroundID != nil {
		bg, err := p.backgrounds.GetByID(jc.Ctx, nil, *r.task.BackgroundID)
		if err != nil {
			return err
		}
		path, err := p.resolver.Fetch(jc.Ctx, bg.ObjectKey, tmpDir)
		if err != nil {
			return err
		}
		r.bgmPath = path
	}

	// The first task to get here moves the chapter into production;
	// concurrent tasks lose the swap and that is fine.
	_, _ = p.chapters.UpdateStatusForward(jc.Ctx, nil, r.chapter.ID, domain.ChapterStatusMaterialsPrepared, domain.ChapterStatusGeneratingVideo)
	return nil
}

func (p *Pipeline) synthesize(jc *jobrt.Context, r *taskRun) error {
	total := len(r.sentences)
	if err := p.videoTasks.UpdateFields(jc.Ctx, nil, r.task.ID, map[string]interface{}{
		"status": domain.VideoTaskStatusGeneratingSubtitles,
	}); err != nil {
		return err
	}
	jc.Progress("generating_subtitles", 6, "Transcribing narration")

	// Every attempt regenerates from scratch; prior attempts' clips
	// lived in a temp dir that is already gone.
	if err := p.videoTasks.UpdateFields(jc.Ctx, nil, r.task.ID, map[string]interface{}{
		"status":                 domain.VideoTaskStatusSynthesizingVideos,
		"current_sentence_index": -1,
		"total_sentences":        total,
	}); err != nil {
		return err
	}

	r.clips = make([]string, total)
	done := make([]bool, total)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(jc.Ctx)
	g.SetLimit(p.clipParallel)
	for i := range r.sentences {
		i := i
		s := r.sentences[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if jc.CancelRequested() {
				return errCancelled
			}
			subDir := filepath.Join(r.tmpDir, fmt.Sprintf("sent_%04d", i))
			if err := os.MkdirAll(subDir, 0o755); err != nil {
				return &sentenceError{id: s.ID, err: apierr.Internal("video.synthesize", err)}
			}
			clip, err := p.synth.Synthesize(gctx, media.SynthesisInput{
				Sentence: s,
				WorkDir:  subDir,
				Settings: r.settings,
				Correct:  r.correct,
			})
			if err != nil {
				return &sentenceError{id: s.ID, err: err}
			}
			if r.correct != nil {
				p.gw.ReportUsage(gctx, r.usageKey, 1)
			}

			// The checkpoint tracks the contiguous completed prefix so a
			// resume never skips a hole left by out-of-order completion.
			mu.Lock()
			r.clips[i] = clip
			done[i] = true
			for r.prefix+1 < total && done[r.prefix+1] {
				r.prefix++
			}
			if r.prefix >= 0 {
				pct := (r.prefix + 1) * 80 / total
				if err := p.videoTasks.SetCheckpoint(gctx, nil, r.task.ID, r.prefix, pct); err != nil {
					p.log.Warn("write checkpoint", "video_task_id", r.task.ID, "error", err)
				}
				jc.Progress("synthesizing_videos", pct, fmt.Sprintf("Synthesized %d/%d sentences", r.prefix+1, total))
			}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) concat(jc *jobrt.Context, r *taskRun) error {
	if err := p.videoTasks.UpdateFields(jc.Ctx, nil, r.task.ID, map[string]interface{}{
		"status":   domain.VideoTaskStatusConcatenating,
		"progress": 85,
	}); err != nil {
		return err
	}
	jc.Progress("concatenating", 85, "Concatenating clips")

	r.finalPath = filepath.Join(r.tmpDir, "final.mp4")
	if err := p.compositor.Concat(jc.Ctx, r.clips, r.finalPath); err != nil {
		return err
	}
	if r.bgmPath != "" {
		mixed := filepath.Join(r.tmpDir, "final_bgm.mp4")
		if err := p.mixBGM(jc.Ctx, r.finalPath, r.bgmPath, mixed); err != nil {
			return err
		}
		r.finalPath = mixed
	}
	return nil
}

// mixBGM loops the background track under the narration. The video
// stream is copied; only the audio re-encodes.
func (p *Pipeline) mixBGM(ctx context.Context, videoPath, bgmPath, outPath string) error {
	filter := fmt.Sprintf("[1:a]volume=%.2f[bg];[0:a][bg]amix=inputs=2:duration=first:dropout_transition=2[mix]", bgmVolume)
	return p.tools.RunFFmpeg(ctx, 10*time.Minute,
		"-y",
		"-i", videoPath,
		"-stream_loop", "-1",
		"-i", bgmPath,
		"-filter_complex", filter,
		"-map", "0:v",
		"-map", "[mix]",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outPath,
	)
}

func (p *Pipeline) upload(jc *jobrt.Context, r *taskRun) error {
	const op = "video.upload"
	if err := p.videoTasks.UpdateFields(jc.Ctx, nil, r.task.ID, map[string]interface{}{
		"status":   domain.VideoTaskStatusUploading,
		"progress": 90,
	}); err != nil {
		return err
	}
	jc.Progress("uploading", 90, "Uploading final video")

	duration, err := p.tools.ProbeDuration(jc.Ctx, r.finalPath)
	if err != nil {
		return apierr.Internal(op, err)
	}
	r.duration = duration

	f, err := os.Open(r.finalPath)
	if err != nil {
		return apierr.Internal(op, err)
	}
	defer f.Close()

	// Key is fresh per attempt, so a retried task never collides with
	// an earlier upload of itself.
	key := storage.BuildKey(storage.PurposeVideo, r.task.UserID, "mp4")
	if err := p.store.Put(jc.Ctx, key, f, "video/mp4"); err != nil {
		return err
	}
	r.videoKey = key
	return nil
}

func (p *Pipeline) complete(jc *jobrt.Context, r *taskRun) error {
	err := p.db.Transaction(func(tx *gorm.DB) error {
		if err := p.videoTasks.UpdateFields(jc.Ctx, tx, r.task.ID, map[string]interface{}{
			"status":            domain.VideoTaskStatusCompleted,
			"progress":          100,
			"video_key":         r.videoKey,
			"video_duration":    r.duration,
			"error_message":     "",
			"error_sentence_id": nil,
		}); err != nil {
			return err
		}
		return p.chapters.UpdateFields(jc.Ctx, tx, r.chapter.ID, map[string]interface{}{
			"video_key":      r.videoKey,
			"video_duration": r.duration,
		})
	})
	if err != nil {
		return err
	}
	// The chapter records whichever task completes last; a chapter that
	// already left generating_video keeps its status.
	if _, err := p.chapters.UpdateStatusForward(jc.Ctx, nil, r.chapter.ID, domain.ChapterStatusGeneratingVideo, domain.ChapterStatusCompleted); err != nil {
		p.log.Warn("chapter completion swap", "chapter_id", r.chapter.ID, "error", err)
	}
	return nil
}

// settleFailure routes a stage error: cancellation marks the task
// cancelled, anything else records the failure (and the failing
// sentence, when known) before handing the run to the scheduler.
func (p *Pipeline) settleFailure(jc *jobrt.Context, r *taskRun, stageName string, err error) {
	if isCancel(jc, err) {
		p.markCancelled(jc, r.task)
		jc.Cancel(stageName)
		return
	}
	var se *sentenceError
	var sentenceID *uuid.UUID
	if errors.As(err, &se) {
		id := se.id
		sentenceID = &id
	}
	p.markFailed(jc, r.task, sentenceID, err.Error())

	// Only a terminal failure takes the chapter down with it; while the
	// run still has retries, the chapter stays in production.
	terminal := !apierr.Retryable(err) || jc.Run.Attempts >= jc.Run.MaxAttempts
	if terminal {
		_, _ = p.chapters.UpdateStatusForward(p.dbCtx(jc), nil, r.task.ChapterID, domain.ChapterStatusGeneratingVideo, domain.ChapterStatusFailed)
	}
	stage.Report(jc, stageName, err)
}

func (p *Pipeline) markFailed(jc *jobrt.Context, task *domain.VideoTask, sentenceID *uuid.UUID, msg string) {
	updates := map[string]interface{}{
		"status":        domain.VideoTaskStatusFailed,
		"error_message": msg,
	}
	if sentenceID != nil {
		updates["error_sentence_id"] = *sentenceID
	}
	if err := p.videoTasks.UpdateFields(p.dbCtx(jc), nil, task.ID, updates); err != nil {
		p.log.Warn("mark video task failed", "video_task_id", task.ID, "error", err)
	}
}

func (p *Pipeline) markCancelled(jc *jobrt.Context, task *domain.VideoTask) {
	p.markFailed(jc, task, nil, "cancelled")
}

// dbCtx keeps failure bookkeeping writable after the soft deadline
// killed the run context.
func (p *Pipeline) dbCtx(jc *jobrt.Context) context.Context {
	if jc.Ctx != nil && jc.Ctx.Err() == nil {
		return jc.Ctx
	}
	return context.Background()
}

func isCancel(jc *jobrt.Context, err error) bool {
	if errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if apierr.IsKind(err, apierr.KindCancelled) {
		return true
	}
	if jc.Ctx != nil && jc.Ctx.Err() != nil {
		return true
	}
	return jc.CancelRequested()
}

func hasCheckpoint(task *domain.VideoTask) bool {
	return task.CurrentSentenceIndex != nil && *task.CurrentSentenceIndex >= 0
}
