package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Task types dispatched through the scheduler.
const (
	TaskTypeParseDocument        = "parse_document"
	TaskTypeRetryFailedProject   = "retry_failed_project"
	TaskTypeGeneratePrompts      = "generate_prompts"
	TaskTypeGeneratePromptsByIDs = "generate_prompts_by_ids"
	TaskTypeGenerateImages       = "generate_images"
	TaskTypeGenerateAudio        = "generate_audio"
	TaskTypeSynthesizeVideo      = "synthesize_video"
)

type TaskRunStatus string

const (
	TaskRunStatusQueued    TaskRunStatus = "queued"
	TaskRunStatusRunning   TaskRunStatus = "running"
	TaskRunStatusSucceeded TaskRunStatus = "succeeded"
	TaskRunStatusFailed    TaskRunStatus = "failed"
	TaskRunStatusCancelled TaskRunStatus = "cancelled"
)

// TaskRun is one durable scheduler task. Delivery is at-least-once: a run is
// claimed with a row lock, acknowledged late, and re-delivered after a
// back-off when it failed or its worker's heartbeat went stale.
type TaskRun struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;index;not null;column:user_id" json:"user_id"`

	Type string `gorm:"not null;index;column:type" json:"type"`

	// The catalog entity the task operates on, for reverse lookups.
	EntityType string     `gorm:"column:entity_type" json:"entity_type"`
	EntityID   *uuid.UUID `gorm:"type:uuid;index;column:entity_id" json:"entity_id,omitempty"`

	Status   TaskRunStatus `gorm:"not null;default:'queued';index;column:status" json:"status"`
	Stage    string        `gorm:"column:stage" json:"stage"`
	Message  string        `gorm:"column:message" json:"message"`
	Progress int           `gorm:"not null;default:0;column:progress" json:"progress"`

	Attempts    int `gorm:"not null;default:0;column:attempts" json:"attempts"`
	MaxAttempts int `gorm:"not null;default:3;column:max_attempts" json:"max_attempts"`

	SoftDeadlineSec int `gorm:"not null;default:480;column:soft_deadline_sec" json:"soft_deadline_sec"`
	HardDeadlineSec int `gorm:"not null;default:600;column:hard_deadline_sec" json:"hard_deadline_sec"`

	CancelRequested bool `gorm:"not null;default:false;column:cancel_requested" json:"cancel_requested"`

	Error       string     `gorm:"column:error" json:"error"`
	LockedAt    *time.Time `gorm:"column:locked_at" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time `gorm:"column:last_error_at" json:"last_error_at,omitempty"`

	// Earliest re-delivery time, computed from the back-off formula when
	// the attempt fails.
	RetryAt *time.Time `gorm:"column:retry_at" json:"retry_at,omitempty"`

	Payload datatypes.JSON `gorm:"type:jsonb;column:payload" json:"payload"`
	Result  datatypes.JSON `gorm:"type:jsonb;column:result" json:"result,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (TaskRun) TableName() string { return "task_runs" }
