package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ProjectStatus string

const (
	ProjectStatusUploaded   ProjectStatus = "uploaded"
	ProjectStatusParsing    ProjectStatus = "parsing"
	ProjectStatusParsed     ProjectStatus = "parsed"
	ProjectStatusGenerating ProjectStatus = "generating"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusFailed     ProjectStatus = "failed"
	ProjectStatusArchived   ProjectStatus = "archived"
)

// ProjectFileTypes are the accepted source document types.
var ProjectFileTypes = map[string]bool{"txt": true, "md": true, "docx": true, "epub": true}

type Project struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID     uuid.UUID `gorm:"type:uuid;index;not null;column:owner_id" json:"owner_id"`
	Title       string    `gorm:"not null;column:title" json:"title"`
	Description string    `gorm:"column:description" json:"description"`

	FileName string `gorm:"column:file_name" json:"file_name"`
	FileSize int64  `gorm:"column:file_size" json:"file_size"`
	FileType string `gorm:"column:file_type" json:"file_type"`
	FilePath string `gorm:"column:file_path" json:"file_path"` // object-store key under uploads/
	FileHash string `gorm:"column:file_hash" json:"file_hash"` // sha256 of the source bytes

	CoverKey string `gorm:"column:cover_key" json:"cover_key"`

	Statistics         datatypes.JSON `gorm:"type:jsonb;column:statistics" json:"statistics"`
	Status             ProjectStatus  `gorm:"not null;default:'uploaded';column:status" json:"status"`
	ProcessingProgress int            `gorm:"not null;default:0;column:processing_progress" json:"processing_progress"`
	ErrorMessage       string         `gorm:"column:error_message" json:"error_message"`
	CompletedAt        *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Project) TableName() string { return "projects" }

// ProjectStatistics is the shape persisted in Project.Statistics.
type ProjectStatistics struct {
	ChapterCount   int `json:"chapter_count"`
	ParagraphCount int `json:"paragraph_count"`
	SentenceCount  int `json:"sentence_count"`
	WordCount      int `json:"word_count"`
}
