package services

import (
	"context"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/realtime"
	"github.com/chaptercast/chaptercast-backend/internal/realtime/bus"
)

// TaskNotifier pushes task transitions onto the realtime bus. Delivery is
// best-effort and at-most-once; the task_runs table stays the source of truth.
type TaskNotifier interface {
	TaskQueued(task *domain.TaskRun)
	TaskProgress(task *domain.TaskRun, stage string, progress int, message string)
	TaskFailed(task *domain.TaskRun, stage string, errorMessage string)
	TaskDone(task *domain.TaskRun)
	TaskCancelled(task *domain.TaskRun)
}

type taskNotifier struct {
	bus bus.Bus
}

func NewTaskNotifier(b bus.Bus) TaskNotifier {
	return &taskNotifier{bus: b}
}

func (n *taskNotifier) publish(ev realtime.Envelope) {
	if n == nil || n.bus == nil {
		return
	}
	_ = n.bus.Publish(context.Background(), ev)
}

func (n *taskNotifier) TaskQueued(task *domain.TaskRun) {
	if task == nil {
		return
	}
	n.publish(realtime.TaskUpdate(task.ID, string(domain.TaskRunStatusQueued), nil, map[string]any{
		"task_type": task.Type,
	}))
}

func (n *taskNotifier) TaskProgress(task *domain.TaskRun, stage string, progress int, message string) {
	if task == nil {
		return
	}
	details := map[string]any{
		"task_type": task.Type,
		"stage":     stage,
	}
	if message != "" {
		details["message"] = message
	}
	n.publish(realtime.TaskUpdate(task.ID, string(domain.TaskRunStatusRunning), &progress, details))
}

func (n *taskNotifier) TaskFailed(task *domain.TaskRun, stage string, errorMessage string) {
	if task == nil {
		return
	}
	n.publish(realtime.TaskUpdate(task.ID, string(domain.TaskRunStatusFailed), nil, map[string]any{
		"task_type":    task.Type,
		"stage":        stage,
		"error":        errorMessage,
		"attempts":     task.Attempts,
		"max_attempts": task.MaxAttempts,
	}))
}

func (n *taskNotifier) TaskDone(task *domain.TaskRun) {
	if task == nil {
		return
	}
	pct := 100
	n.publish(realtime.TaskUpdate(task.ID, string(domain.TaskRunStatusSucceeded), &pct, map[string]any{
		"task_type": task.Type,
	}))
}

func (n *taskNotifier) TaskCancelled(task *domain.TaskRun) {
	if task == nil {
		return
	}
	n.publish(realtime.TaskUpdate(task.ID, string(domain.TaskRunStatusCancelled), nil, map[string]any{
		"task_type": task.Type,
	}))
}
