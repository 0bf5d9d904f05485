package worker

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/jobs/runtime"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

const (
	pollInterval    = 1 * time.Second
	janitorInterval = 30 * time.Second

	// A running row whose heartbeat is older than this is treated as a
	// crashed worker and becomes claimable again.
	staleHeartbeatAfter = 2 * time.Minute

	defaultSoftDeadline = 480 * time.Second
	defaultHardDeadline = 600 * time.Second
)

var errHardDeadline = errors.New("hard deadline exceeded")

// Worker claims runnable task_runs and dispatches them to registered
// handlers. N loops poll on a 1s tick; the janitor loop force-fails runs past
// their hard deadline. Stale-heartbeat requeueing needs no sweep here, the
// claim query already treats those rows as deliverable.
type Worker struct {
	db          *gorm.DB
	log         *logger.Logger
	repo        repos.TaskRunRepo
	registry    *runtime.Registry
	notify      services.TaskNotifier
	concurrency int
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo repos.TaskRunRepo, registry *runtime.Registry, notify services.TaskNotifier, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		db:          db,
		log:         baseLog.With("component", "TaskWorker"),
		repo:        repo,
		registry:    registry,
		notify:      notify,
		concurrency: concurrency,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting task worker pool", "concurrency", w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		go w.runLoop(ctx, i+1)
	}
	go w.janitorLoop(ctx)
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			w.claimAndRun(ctx, workerID)
		}
	}
}

func (w *Worker) claimAndRun(ctx context.Context, workerID int) {
	run, err := w.repo.ClaimNextRunnable(ctx, nil, staleHeartbeatAfter)
	if err != nil {
		w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
		return
	}
	if run == nil {
		return
	}

	soft := time.Duration(run.SoftDeadlineSec) * time.Second
	if soft <= 0 {
		soft = defaultSoftDeadline
	}
	runCtx, cancel := context.WithTimeout(ctx, soft)
	defer cancel()

	rc := runtime.NewContext(runCtx, w.db, run, w.repo, w.notify)

	h, ok := w.registry.Get(run.Type)
	if !ok {
		w.log.Warn("No handler registered for task_type",
			"worker_id", workerID,
			"task_type", run.Type,
			"task_id", run.ID,
		)
		rc.Fail("dispatch", &missingHandlerError{TaskType: run.Type})
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Task handler panic",
					"worker_id", workerID,
					"task_id", run.ID,
					"task_type", run.Type,
					"panic", r,
				)
				rc.Fail("panic", &panicError{Val: r})
			}
		}()

		if runErr := h.Run(rc); runErr != nil {
			// Most pipelines settle the run themselves; this is a safety net.
			if apierr.IsKind(runErr, apierr.KindCancelled) {
				rc.Cancel(run.Stage)
			} else {
				rc.Fail("run", runErr)
			}
		}
	}()
}

func (w *Worker) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Janitor loop stopped")
			return
		case <-ticker.C:
			w.sweepDeadlines(ctx)
		}
	}
}

// sweepDeadlines force-fails runs locked longer than their hard deadline.
// The failure goes through the runtime so back-off and notifications apply.
func (w *Worker) sweepDeadlines(ctx context.Context) {
	runs, err := w.repo.ListRunning(ctx, nil)
	if err != nil {
		w.log.Warn("Janitor list running failed", "error", err)
		return
	}
	now := time.Now()
	for _, run := range runs {
		if run.LockedAt == nil {
			continue
		}
		hard := time.Duration(run.HardDeadlineSec) * time.Second
		if hard <= 0 {
			hard = defaultHardDeadline
		}
		if now.Sub(*run.LockedAt) <= hard {
			continue
		}
		w.log.Warn("Force-failing task past hard deadline",
			"task_id", run.ID,
			"task_type", run.Type,
			"locked_at", run.LockedAt,
		)
		rc := runtime.NewContext(ctx, w.db, run, w.repo, w.notify)
		rc.Fail(run.Stage, errHardDeadline)
	}
}

type missingHandlerError struct{ TaskType string }

func (e *missingHandlerError) Error() string {
	return "no handler registered for task_type=" + e.TaskType
}

// panicError keeps the recovered value for logs while exposing a stable
// message to clients.
type panicError struct{ Val any }

func (e *panicError) Error() string { return "panic: unexpected error" }
