package domain

import (
	"time"

	"github.com/google/uuid"
)

type APIKeyStatus string

const (
	APIKeyStatusActive    APIKeyStatus = "active"
	APIKeyStatusInactive  APIKeyStatus = "inactive"
	APIKeyStatusExhausted APIKeyStatus = "exhausted"
)

// Provider identifies an adapter variant. All but gemini speak the
// OpenAI-compatible wire shape against their own base URL.
type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderDeepSeek    Provider = "deepseek"
	ProviderVolcengine  Provider = "volcengine"
	ProviderSiliconflow Provider = "siliconflow"
	ProviderGemini      Provider = "gemini"
	ProviderCustom      Provider = "custom"
)

var KnownProviders = map[Provider]bool{
	ProviderOpenAI:      true,
	ProviderDeepSeek:    true,
	ProviderVolcengine:  true,
	ProviderSiliconflow: true,
	ProviderGemini:      true,
	ProviderCustom:      true,
}

type APIKey struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;index;not null;uniqueIndex:idx_api_keys_user_name;column:user_id" json:"user_id"`

	Name     string   `gorm:"not null;uniqueIndex:idx_api_keys_user_name;column:name" json:"name"`
	Provider Provider `gorm:"not null;column:provider" json:"provider"`

	// Ciphertext of the provider secret; plaintext is never persisted and
	// only the gateway decrypts at use.
	SecretCipher string `gorm:"not null;column:secret_cipher" json:"-"`
	BaseURL      string `gorm:"column:base_url" json:"base_url"`

	Status     APIKeyStatus `gorm:"not null;default:'active';column:status" json:"status"`
	UsageCount int64        `gorm:"not null;default:0;column:usage_count" json:"usage_count"`
	LastUsedAt *time.Time   `gorm:"column:last_used_at" json:"last_used_at,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (APIKey) TableName() string { return "api_keys" }
