package domain

import (
	"time"

	"github.com/google/uuid"
)

// Background is an uploaded background-music asset, stored under
// bgm/<user>/<uuid>.<ext>. A VideoTask may reference one; the track is
// looped and mixed under the narration in a separate pass after the
// stream-copy concat.
type Background struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;index;not null;column:user_id" json:"user_id"`

	Name        string  `gorm:"not null;column:name" json:"name"`
	ObjectKey   string  `gorm:"not null;column:object_key" json:"object_key"`
	ContentType string  `gorm:"column:content_type" json:"content_type"`
	FileSize    int64   `gorm:"column:file_size" json:"file_size"`
	Duration    float64 `gorm:"column:duration" json:"duration"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Background) TableName() string { return "backgrounds" }
