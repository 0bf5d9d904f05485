package domain

import (
	"time"

	"github.com/google/uuid"
)

type SentenceStatus string

const (
	SentenceStatusPending          SentenceStatus = "pending"
	SentenceStatusProcessing       SentenceStatus = "processing"
	SentenceStatusGeneratedPrompts SentenceStatus = "generated_prompts"
	SentenceStatusCompleted        SentenceStatus = "completed"
	SentenceStatusFailed           SentenceStatus = "failed"
)

type Sentence struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ParagraphID uuid.UUID `gorm:"type:uuid;index;not null;uniqueIndex:idx_sentences_paragraph_order;column:paragraph_id" json:"paragraph_id"`

	OrderIndex     int    `gorm:"not null;uniqueIndex:idx_sentences_paragraph_order;column:order_index" json:"order_index"`
	Content        string `gorm:"not null;column:content" json:"content"`
	WordCount      int    `gorm:"not null;default:0;column:word_count" json:"word_count"`
	CharacterCount int    `gorm:"not null;default:0;column:character_count" json:"character_count"`

	ImagePrompt string `gorm:"column:image_prompt" json:"image_prompt"`

	// Stored references: object keys for new writes; legacy rows may hold
	// presigned URLs, which the material resolver also accepts.
	ImageURL string `gorm:"column:image_url" json:"image_url"`
	AudioURL string `gorm:"column:audio_url" json:"audio_url"`

	// Narration timeline within the chapter, seconds.
	StartTime *float64 `gorm:"column:start_time" json:"start_time,omitempty"`
	EndTime   *float64 `gorm:"column:end_time" json:"end_time,omitempty"`
	Duration  *float64 `gorm:"column:duration" json:"duration,omitempty"`

	Voice      string  `gorm:"column:voice" json:"voice"`
	VoiceSpeed float64 `gorm:"not null;default:1;column:voice_speed" json:"voice_speed"`

	Status         SentenceStatus `gorm:"not null;default:'pending';column:status" json:"status"`
	RetryCount     int            `gorm:"not null;default:0;column:retry_count" json:"retry_count"`
	ErrorMessage   string         `gorm:"column:error_message" json:"error_message"`
	IsManualEdited bool           `gorm:"not null;default:false;column:is_manual_edited" json:"is_manual_edited"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Sentence) TableName() string { return "sentences" }

// ReadyForVideo reports whether both materials exist for composition.
func (s *Sentence) ReadyForVideo() bool {
	return s.ImageURL != "" && s.AudioURL != ""
}
