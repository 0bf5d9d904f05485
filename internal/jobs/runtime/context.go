package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/pkg/httpx"
	"github.com/chaptercast/chaptercast-backend/internal/platform/ctxutil"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
	"github.com/chaptercast/chaptercast-backend/internal/services"
)

// Re-delivery delay after a failed attempt: base·2^attempts with ±20% jitter,
// capped.
const (
	retryBackoffBase = 1 * time.Second
	retryBackoffCap  = 600 * time.Second
)

/*
The execution contract between the scheduler and all pipeline code.
runtime.Context is a capability-scoped execution handle for a single task run.
It wraps:
  - the database handle pipelines run their statements on,
  - the mutable task_runs row,
  - the realtime notification side-effects,
  - and the only sanctioned ways to report progress or terminate execution.

Pipelines never write task_runs directly; every transition goes through this
object so the cancelled-guard and the retry bookkeeping stay in one place.
*/
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Run     *domain.TaskRun
	Repo    repos.TaskRunRepo
	Notify  services.TaskNotifier
	payload map[string]any
}

// NewContext builds the handle for a claimed run. The payload JSON is decoded
// eagerly; a malformed payload is not fatal here, handlers validate the fields
// they need.
func NewContext(ctx context.Context, db *gorm.DB, run *domain.TaskRun, repo repos.TaskRunRepo, notify services.TaskNotifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Run:    run,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	c.applyTraceData()
	return c
}

func (c *Context) decodePayload() error {
	if c.Run == nil {
		return nil
	}
	if len(c.Run.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Run.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

func (c *Context) applyTraceData() {
	if c == nil || c.Ctx == nil {
		return
	}
	payload := c.Payload()
	traceID := strings.TrimSpace(fmt.Sprint(payload["trace_id"]))
	reqID := strings.TrimSpace(fmt.Sprint(payload["request_id"]))
	if traceID == "" && reqID == "" {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, &ctxutil.TraceData{
		TraceID:   traceID,
		RequestID: reqID,
	})
}

// Payload returns the decoded payload map. Never nil; empty when the payload
// was unset or unparseable.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadUUID reads a payload field and parses it as a UUID. Reports false
// when missing or malformed, keeping the validation out of pipelines.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// PayloadString reads a payload field as a trimmed string; empty counts as
// absent.
func (c *Context) PayloadString(key string) (string, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return "", false
	}
	return s, true
}

// PayloadUUIDList reads a payload field holding a JSON array of UUID strings.
// Malformed entries are skipped; reports false when the field is missing or
// not an array.
func (c *Context) PayloadUUIDList(key string) ([]uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		id, err := uuid.Parse(fmt.Sprint(it))
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, true
}

/*
Update applies arbitrary field updates to the task_runs row, guarded so a
cancelled run is never overwritten. Intended for rare custom writes; lifecycle
transitions go through Progress/Fail/Succeed/Cancel so their invariants stay
centralized.
*/
func (c *Context) Update(updates map[string]any) error {
	if c.Run == nil || c.Run.ID == uuid.Nil {
		return nil
	}
	_, err := c.Repo.UpdateFieldsUnlessStatus(c.Ctx, nil, c.Run.ID, cancelledOnly(), toIfaceMap(updates))
	return err
}

/*
Progress publishes a non-terminal checkpoint for this run.
It persists stage/progress/message plus a fresh heartbeat (the janitor treats
a stale heartbeat as a crashed worker), mirrors the fields in memory, and
emits a task_update so clients move promptly. A run that was cancelled
meanwhile rejects the write and Progress returns without notifying.
*/
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	ctx := c.ctx()
	now := time.Now()

	if c.Repo != nil && c.Run != nil && c.Run.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(ctx, nil, c.Run.ID, cancelledOnly(), map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"message":      msg,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Run != nil {
		c.Run.Stage = stage
		c.Run.Progress = pct
		c.Run.Message = msg
		c.Run.HeartbeatAt = &now
		c.Run.UpdatedAt = now
		// status stays whatever the claim wrote ("running")
	}

	if c.Notify != nil && c.Run != nil {
		c.Notify.TaskProgress(c.Run, stage, pct, msg)
	}
}

// Heartbeat bumps heartbeat_at without touching stage or progress. Long steps
// call it from a ticker so the janitor does not reclaim the run.
func (c *Context) Heartbeat() {
	if c == nil || c.Repo == nil || c.Run == nil || c.Run.ID == uuid.Nil {
		return
	}
	_ = c.Repo.Heartbeat(c.ctx(), nil, c.Run.ID)
}

/*
Fail records a failed attempt.
It sets status=failed with the stage and error, clears locked_at so the row no
longer looks in-flight, and, while attempts remain, schedules re-delivery by
writing retry_at from the back-off formula. Once attempts are exhausted the
failure is terminal and retry_at is cleared. A cancelled run rejects the write
and nothing is emitted.
*/
func (c *Context) Fail(stage string, err error) {
	c.failWith(stage, err, nil)
}

// FailPermanent is Fail with retries forfeited: max_attempts is pinned to the
// attempts already spent so the claim query never re-delivers the run.
func (c *Context) FailPermanent(stage string, err error) {
	extra := map[string]interface{}{}
	if c != nil && c.Run != nil {
		extra["max_attempts"] = c.Run.Attempts
	}
	c.failWith(stage, err, extra)
}

func (c *Context) failWith(stage string, err error, extra map[string]interface{}) {
	if c == nil {
		return
	}
	ctx := c.ctx()
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	updates := map[string]interface{}{
		"status":        domain.TaskRunStatusFailed,
		"stage":         stage,
		"message":       "",
		"error":         msg,
		"last_error_at": now,
		"locked_at":     nil,
		"updated_at":    now,
	}
	var retryAt *time.Time
	attempts, maxAttempts := 0, 0
	if c.Run != nil {
		attempts, maxAttempts = c.Run.Attempts, c.Run.MaxAttempts
	}
	if v, ok := extra["max_attempts"].(int); ok {
		maxAttempts = v
	}
	if attempts < maxAttempts {
		t := now.Add(httpx.BackoffScaled(attempts, retryBackoffBase, retryBackoffCap))
		retryAt = &t
		updates["retry_at"] = t
	} else {
		updates["retry_at"] = nil
	}
	for k, v := range extra {
		updates[k] = v
	}

	if c.Repo != nil && c.Run != nil && c.Run.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(ctx, nil, c.Run.ID, cancelledOnly(), updates)
		if !ok {
			return
		}
	}

	if c.Run != nil {
		c.Run.Status = domain.TaskRunStatusFailed
		c.Run.Stage = stage
		c.Run.Message = ""
		c.Run.Error = msg
		c.Run.LastErrorAt = &now
		c.Run.LockedAt = nil
		c.Run.RetryAt = retryAt
		c.Run.UpdatedAt = now
		if v, ok := extra["max_attempts"].(int); ok {
			c.Run.MaxAttempts = v
		}
	}

	if c.Notify != nil && c.Run != nil {
		c.Notify.TaskFailed(c.Run, stage, msg)
	}
}

/*
Succeed is the late acknowledgement: it runs only after the handler's catalog
writes committed, so a crash before this point re-delivers the run.
It sets status=succeeded with progress 100, stores the serialized result,
clears error state and locked_at, and emits the final task_update.
*/
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	ctx := c.ctx()
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Repo != nil && c.Run != nil && c.Run.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(ctx, nil, c.Run.ID, cancelledOnly(), map[string]interface{}{
			"status":       domain.TaskRunStatusSucceeded,
			"stage":        finalStage,
			"progress":     100,
			"message":      "",
			"error":        "",
			"result":       res,
			"retry_at":     nil,
			"locked_at":    nil,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Run != nil {
		c.Run.Status = domain.TaskRunStatusSucceeded
		c.Run.Stage = finalStage
		c.Run.Progress = 100
		c.Run.Message = ""
		c.Run.Error = ""
		c.Run.Result = res
		c.Run.RetryAt = nil
		c.Run.LockedAt = nil
		c.Run.HeartbeatAt = &now
		c.Run.UpdatedAt = now
	}

	if c.Notify != nil && c.Run != nil {
		c.Notify.TaskDone(c.Run)
	}
}

/*
Cancel ends the run as cancelled after a handler observed the cooperative
cancel flag at a checkpoint. Terminal: the claim query never re-delivers a
cancelled run.
*/
func (c *Context) Cancel(stage string) {
	if c == nil {
		return
	}
	ctx := c.ctx()
	now := time.Now()

	if c.Repo != nil && c.Run != nil && c.Run.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(ctx, nil, c.Run.ID, cancelledOnly(), map[string]interface{}{
			"status":     domain.TaskRunStatusCancelled,
			"stage":      stage,
			"message":    "",
			"retry_at":   nil,
			"locked_at":  nil,
			"updated_at": now,
		})
		if !ok {
			return
		}
	}

	if c.Run != nil {
		c.Run.Status = domain.TaskRunStatusCancelled
		c.Run.Stage = stage
		c.Run.Message = ""
		c.Run.RetryAt = nil
		c.Run.LockedAt = nil
		c.Run.UpdatedAt = now
	}

	if c.Notify != nil && c.Run != nil {
		c.Notify.TaskCancelled(c.Run)
	}
}

// CancelRequested re-reads the cooperative cancel flag. Handlers poll it at
// suspension points; a read error is treated as "keep going".
func (c *Context) CancelRequested() bool {
	if c == nil || c.Repo == nil || c.Run == nil || c.Run.ID == uuid.Nil {
		return false
	}
	requested, err := c.Repo.CancelState(c.ctx(), nil, c.Run.ID)
	if err != nil {
		return false
	}
	return requested
}

func (c *Context) ctx() context.Context {
	if c != nil && c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

func cancelledOnly() []domain.TaskRunStatus {
	return []domain.TaskRunStatus{domain.TaskRunStatusCancelled}
}

func toIfaceMap(in map[string]any) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
