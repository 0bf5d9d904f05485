package domain

import (
	"time"

	"github.com/google/uuid"
)

type ParagraphAction string

const (
	ParagraphActionKeep   ParagraphAction = "keep"
	ParagraphActionEdit   ParagraphAction = "edit"
	ParagraphActionDelete ParagraphAction = "delete"
	ParagraphActionIgnore ParagraphAction = "ignore"
)

// Participates reports whether the paragraph's sentences take part in
// generation. Only keep and edit do.
func (a ParagraphAction) Participates() bool {
	return a == ParagraphActionKeep || a == ParagraphActionEdit
}

type Paragraph struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ChapterID uuid.UUID `gorm:"type:uuid;index;not null;uniqueIndex:idx_paragraphs_chapter_order;column:chapter_id" json:"chapter_id"`

	OrderIndex    int    `gorm:"not null;uniqueIndex:idx_paragraphs_chapter_order;column:order_index" json:"order_index"`
	Content       string `gorm:"column:content" json:"content"`
	WordCount     int    `gorm:"not null;default:0;column:word_count" json:"word_count"`
	SentenceCount int    `gorm:"not null;default:0;column:sentence_count" json:"sentence_count"`

	Action ParagraphAction `gorm:"not null;default:'keep';column:action" json:"action"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Paragraph) TableName() string { return "paragraphs" }
