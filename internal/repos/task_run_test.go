package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/chaptercast/chaptercast-backend/internal/data/db"
	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestTaskRunRepoClaimOrdering(t *testing.T) {
	gdb, err := db.OpenTest()
	if err != nil {
		t.Fatalf("OpenTest: %v", err)
	}
	ctx := context.Background()
	repo := NewTaskRunRepo(gdb, logger.NewNop())

	now := time.Now().UTC()
	userID := uuid.New()

	queued := &domain.TaskRun{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TaskTypeGeneratePrompts,
		EntityType:  "chapter",
		Status:      domain.TaskRunStatusQueued,
		MaxAttempts: 3,
		Payload:     datatypes.JSON([]byte(`{}`)),
		CreatedAt:   now.Add(-3 * time.Hour),
		UpdatedAt:   now.Add(-3 * time.Hour),
	}
	failedReady := &domain.TaskRun{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TaskTypeGenerateImages,
		EntityType:  "chapter",
		Status:      domain.TaskRunStatusFailed,
		Attempts:    1,
		MaxAttempts: 3,
		LastErrorAt: ptrTime(now.Add(-2 * time.Hour)),
		RetryAt:     ptrTime(now.Add(-1 * time.Hour)),
		Payload:     datatypes.JSON([]byte(`{}`)),
		CreatedAt:   now.Add(-2 * time.Hour),
		UpdatedAt:   now.Add(-2 * time.Hour),
	}
	staleRunning := &domain.TaskRun{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TaskTypeGenerateAudio,
		EntityType:  "chapter",
		Status:      domain.TaskRunStatusRunning,
		Attempts:    1,
		MaxAttempts: 3,
		HeartbeatAt: ptrTime(now.Add(-10 * time.Hour)),
		Payload:     datatypes.JSON([]byte(`{}`)),
		CreatedAt:   now.Add(-1 * time.Hour),
		UpdatedAt:   now.Add(-1 * time.Hour),
	}
	// Not deliverable: back-off still pending, and attempts exhausted.
	failedBackingOff := &domain.TaskRun{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TaskTypeGenerateImages,
		EntityType:  "chapter",
		Status:      domain.TaskRunStatusFailed,
		Attempts:    1,
		MaxAttempts: 3,
		RetryAt:     ptrTime(now.Add(1 * time.Hour)),
		Payload:     datatypes.JSON([]byte(`{}`)),
		CreatedAt:   now.Add(-4 * time.Hour),
		UpdatedAt:   now.Add(-4 * time.Hour),
	}
	exhausted := &domain.TaskRun{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TaskTypeGenerateImages,
		EntityType:  "chapter",
		Status:      domain.TaskRunStatusFailed,
		Attempts:    3,
		MaxAttempts: 3,
		RetryAt:     ptrTime(now.Add(-1 * time.Hour)),
		Payload:     datatypes.JSON([]byte(`{}`)),
		CreatedAt:   now.Add(-5 * time.Hour),
		UpdatedAt:   now.Add(-5 * time.Hour),
	}

	created, err := repo.Create(ctx, nil, []*domain.TaskRun{queued, failedReady, staleRunning, failedBackingOff, exhausted})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created) != 5 {
		t.Fatalf("Create: expected 5, got %d", len(created))
	}

	// Deliverable set walks in created_at ASC order.
	claim1, err := repo.ClaimNextRunnable(ctx, nil, time.Hour)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #1: %v", err)
	}
	if claim1 == nil || claim1.ID != queued.ID {
		t.Fatalf("ClaimNextRunnable #1: expected %v got %v", queued.ID, claim1)
	}
	if claim1.Status != domain.TaskRunStatusRunning || claim1.Attempts != 1 {
		t.Fatalf("ClaimNextRunnable #1: expected running/1, got %s/%d", claim1.Status, claim1.Attempts)
	}

	claim2, err := repo.ClaimNextRunnable(ctx, nil, time.Hour)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #2: %v", err)
	}
	if claim2 == nil || claim2.ID != failedReady.ID {
		t.Fatalf("ClaimNextRunnable #2: expected %v got %v", failedReady.ID, claim2)
	}

	claim3, err := repo.ClaimNextRunnable(ctx, nil, time.Hour)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #3: %v", err)
	}
	if claim3 == nil || claim3.ID != staleRunning.ID {
		t.Fatalf("ClaimNextRunnable #3: expected %v got %v", staleRunning.ID, claim3)
	}

	claim4, err := repo.ClaimNextRunnable(ctx, nil, time.Hour)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #4: %v", err)
	}
	if claim4 != nil {
		t.Fatalf("ClaimNextRunnable #4: expected nil, got %v", claim4.ID)
	}
}

func TestTaskRunRepoCancelAndGuards(t *testing.T) {
	gdb, err := db.OpenTest()
	if err != nil {
		t.Fatalf("OpenTest: %v", err)
	}
	ctx := context.Background()
	repo := NewTaskRunRepo(gdb, logger.NewNop())
	userID := uuid.New()

	queued := &domain.TaskRun{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TaskTypeParseDocument,
		EntityType:  "project",
		Status:      domain.TaskRunStatusQueued,
		MaxAttempts: 3,
		Payload:     datatypes.JSON([]byte(`{}`)),
	}
	running := &domain.TaskRun{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TaskTypeSynthesizeVideo,
		EntityType:  "video_task",
		Status:      domain.TaskRunStatusRunning,
		Attempts:    1,
		MaxAttempts: 3,
		Payload:     datatypes.JSON([]byte(`{}`)),
	}
	if _, err := repo.Create(ctx, nil, []*domain.TaskRun{queued, running}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Queued flips straight to cancelled.
	cancelledNow, err := repo.RequestCancel(ctx, nil, queued.ID)
	if err != nil {
		t.Fatalf("RequestCancel(queued): %v", err)
	}
	if !cancelledNow {
		t.Fatalf("RequestCancel(queued): expected direct cancel")
	}
	got, err := repo.GetByID(ctx, nil, queued.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.TaskRunStatusCancelled {
		t.Fatalf("queued status: want=%s got=%s", domain.TaskRunStatusCancelled, got.Status)
	}

	// Running only raises the flag; checkpoints observe it.
	cancelledNow, err = repo.RequestCancel(ctx, nil, running.ID)
	if err != nil {
		t.Fatalf("RequestCancel(running): %v", err)
	}
	if cancelledNow {
		t.Fatalf("RequestCancel(running): expected flag only")
	}
	flagged, err := repo.CancelState(ctx, nil, running.ID)
	if err != nil {
		t.Fatalf("CancelState: %v", err)
	}
	if !flagged {
		t.Fatalf("CancelState: expected cancel_requested after RequestCancel")
	}

	// A cancelled row rejects guarded writes.
	ok, err := repo.UpdateFieldsUnlessStatus(ctx, nil, queued.ID,
		[]domain.TaskRunStatus{domain.TaskRunStatusCancelled},
		map[string]interface{}{"progress": 50})
	if err != nil {
		t.Fatalf("UpdateFieldsUnlessStatus: %v", err)
	}
	if ok {
		t.Fatalf("UpdateFieldsUnlessStatus: write should be rejected on cancelled row")
	}

	ok, err = repo.UpdateFieldsUnlessStatus(ctx, nil, running.ID,
		[]domain.TaskRunStatus{domain.TaskRunStatusCancelled},
		map[string]interface{}{"progress": 50})
	if err != nil {
		t.Fatalf("UpdateFieldsUnlessStatus(running): %v", err)
	}
	if !ok {
		t.Fatalf("UpdateFieldsUnlessStatus(running): write should land")
	}

	if err := repo.Heartbeat(ctx, nil, running.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	hb, err := repo.GetByID(ctx, nil, running.ID)
	if err != nil {
		t.Fatalf("GetByID(running): %v", err)
	}
	if hb.HeartbeatAt == nil {
		t.Fatalf("Heartbeat: heartbeat_at not set")
	}
}
