package domain

import (
	"time"

	"github.com/google/uuid"
)

type ChapterStatus string

const (
	ChapterStatusPending           ChapterStatus = "pending"
	ChapterStatusConfirmed         ChapterStatus = "confirmed"
	ChapterStatusGeneratingPrompts ChapterStatus = "generating_prompts"
	ChapterStatusGeneratedPrompts  ChapterStatus = "generated_prompts"
	ChapterStatusMaterialsPrepared ChapterStatus = "materials_prepared"
	ChapterStatusGeneratingVideo   ChapterStatus = "generating_video"
	ChapterStatusCompleted         ChapterStatus = "completed"
	ChapterStatusFailed            ChapterStatus = "failed"
)

// chapterStatusRank orders the forward progression. failed sits outside the
// chain: any state may enter it and reset returns it to pending.
var chapterStatusRank = map[ChapterStatus]int{
	ChapterStatusPending:           0,
	ChapterStatusConfirmed:         1,
	ChapterStatusGeneratingPrompts: 2,
	ChapterStatusGeneratedPrompts:  3,
	ChapterStatusMaterialsPrepared: 4,
	ChapterStatusGeneratingVideo:   5,
	ChapterStatusCompleted:         6,
}

// CanTransitionChapter reports whether from → to is a legal chapter status
// transition: forward along the chain, any → failed, failed → pending.
func CanTransitionChapter(from, to ChapterStatus) bool {
	if to == ChapterStatusFailed {
		return true
	}
	if from == ChapterStatusFailed {
		return to == ChapterStatusPending
	}
	fr, okF := chapterStatusRank[from]
	tr, okT := chapterStatusRank[to]
	if !okF || !okT {
		return false
	}
	return tr > fr
}

type Chapter struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;index;not null;uniqueIndex:idx_chapters_project_number;column:project_id" json:"project_id"`
	Title     string    `gorm:"not null;column:title" json:"title"`
	Content   string    `gorm:"column:content" json:"content"`

	ChapterNumber  int `gorm:"not null;uniqueIndex:idx_chapters_project_number;column:chapter_number" json:"chapter_number"`
	WordCount      int `gorm:"not null;default:0;column:word_count" json:"word_count"`
	ParagraphCount int `gorm:"not null;default:0;column:paragraph_count" json:"paragraph_count"`
	SentenceCount  int `gorm:"not null;default:0;column:sentence_count" json:"sentence_count"`

	Status      ChapterStatus `gorm:"not null;default:'pending';column:status" json:"status"`
	IsConfirmed bool          `gorm:"not null;default:false;column:is_confirmed" json:"is_confirmed"`
	ConfirmedAt *time.Time    `gorm:"column:confirmed_at" json:"confirmed_at,omitempty"`

	// Only the object key is persisted; presigned URLs are computed on read.
	VideoKey      string  `gorm:"column:video_key" json:"video_key"`
	VideoDuration float64 `gorm:"column:video_duration" json:"video_duration"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Chapter) TableName() string { return "chapters" }
