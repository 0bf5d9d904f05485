package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type VideoTaskStatus string

const (
	VideoTaskStatusPending              VideoTaskStatus = "pending"
	VideoTaskStatusValidating           VideoTaskStatus = "validating"
	VideoTaskStatusDownloadingMaterials VideoTaskStatus = "downloading_materials"
	VideoTaskStatusGeneratingSubtitles  VideoTaskStatus = "generating_subtitles"
	VideoTaskStatusSynthesizingVideos   VideoTaskStatus = "synthesizing_videos"
	VideoTaskStatusConcatenating        VideoTaskStatus = "concatenating"
	VideoTaskStatusUploading            VideoTaskStatus = "uploading"
	VideoTaskStatusCompleted            VideoTaskStatus = "completed"
	VideoTaskStatusFailed               VideoTaskStatus = "failed"
)

type VideoTask struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null;column:user_id" json:"user_id"`
	ProjectID uuid.UUID `gorm:"type:uuid;index;not null;column:project_id" json:"project_id"`
	ChapterID uuid.UUID `gorm:"type:uuid;index;not null;column:chapter_id" json:"chapter_id"`

	APIKeyID     *uuid.UUID `gorm:"type:uuid;column:api_key_id" json:"api_key_id,omitempty"`
	BackgroundID *uuid.UUID `gorm:"type:uuid;column:background_id" json:"background_id,omitempty"`

	GenerationSettings datatypes.JSON `gorm:"type:jsonb;column:generation_settings" json:"generation_settings"`

	Status   VideoTaskStatus `gorm:"not null;default:'pending';column:status" json:"status"`
	Progress int             `gorm:"not null;default:0;column:progress" json:"progress"`

	// Checkpoint: index of the last sentence of the contiguous completed
	// prefix. Set once the task enters synthesizing_videos; -1 means none
	// completed yet. Null before the first synthesis attempt.
	CurrentSentenceIndex *int `gorm:"column:current_sentence_index" json:"current_sentence_index,omitempty"`
	TotalSentences       *int `gorm:"column:total_sentences" json:"total_sentences,omitempty"`

	VideoKey      string  `gorm:"column:video_key" json:"video_key"`
	VideoDuration float64 `gorm:"column:video_duration" json:"video_duration"`

	ErrorMessage    string     `gorm:"column:error_message" json:"error_message"`
	ErrorSentenceID *uuid.UUID `gorm:"type:uuid;column:error_sentence_id" json:"error_sentence_id,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (VideoTask) TableName() string { return "video_tasks" }

// CanResume reports whether a failed task carries a usable checkpoint.
func (t *VideoTask) CanResume() bool {
	return t.Status == VideoTaskStatusFailed && t.CurrentSentenceIndex != nil && *t.CurrentSentenceIndex >= 0
}
