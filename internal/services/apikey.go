package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/keycipher"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
)

// CreateAPIKeyInput carries the provider secret in plaintext exactly once:
// from the request into the cipher. It is never persisted or echoed.
type CreateAPIKeyInput struct {
	Name     string
	Provider domain.Provider
	Secret   string
	BaseURL  string
}

// UpdateAPIKeyInput updates are partial; nil means keep.
type UpdateAPIKeyInput struct {
	Name    *string
	Secret  *string
	BaseURL *string
	Status  *domain.APIKeyStatus
}

type APIKeyService interface {
	Create(ctx context.Context, userID uuid.UUID, in CreateAPIKeyInput) (*domain.APIKey, error)
	List(ctx context.Context, userID uuid.UUID) ([]*domain.APIKey, error)
	Get(ctx context.Context, userID, keyID uuid.UUID) (*domain.APIKey, error)
	Update(ctx context.Context, userID, keyID uuid.UUID, in UpdateAPIKeyInput) (*domain.APIKey, error)
	Delete(ctx context.Context, userID, keyID uuid.UUID) error
}

type apiKeyService struct {
	db     *gorm.DB
	log    *logger.Logger
	keys   repos.APIKeyRepo
	cipher *keycipher.Cipher
}

func NewAPIKeyService(db *gorm.DB, baseLog *logger.Logger, keys repos.APIKeyRepo, cipher *keycipher.Cipher) APIKeyService {
	return &apiKeyService{
		db:     db,
		log:    baseLog.With("service", "APIKeyService"),
		keys:   keys,
		cipher: cipher,
	}
}

func (s *apiKeyService) Create(ctx context.Context, userID uuid.UUID, in CreateAPIKeyInput) (*domain.APIKey, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apierr.Validation("apikey.create", "name required")
	}
	if !domain.KnownProviders[in.Provider] {
		return nil, apierr.Validation("apikey.create", "unknown provider")
	}
	secret := strings.TrimSpace(in.Secret)
	if secret == "" {
		return nil, apierr.Validation("apikey.create", "secret required")
	}
	if in.Provider == domain.ProviderCustom && strings.TrimSpace(in.BaseURL) == "" {
		return nil, apierr.Validation("apikey.create", "base_url required for custom provider")
	}

	cipherText, err := s.cipher.Encrypt(secret)
	if err != nil {
		return nil, apierr.Internal("apikey.create", err)
	}

	key := &domain.APIKey{
		ID:           uuid.New(),
		UserID:       userID,
		Name:         name,
		Provider:     in.Provider,
		SecretCipher: cipherText,
		BaseURL:      strings.TrimSpace(in.BaseURL),
		Status:       domain.APIKeyStatusActive,
	}
	if _, err := s.keys.Create(ctx, nil, []*domain.APIKey{key}); err != nil {
		return nil, err
	}
	s.log.Info("api key created", "key_id", key.ID, "provider", key.Provider)
	return key, nil
}

func (s *apiKeyService) List(ctx context.Context, userID uuid.UUID) ([]*domain.APIKey, error) {
	return s.keys.ListByUser(ctx, nil, userID)
}

func (s *apiKeyService) Get(ctx context.Context, userID, keyID uuid.UUID) (*domain.APIKey, error) {
	key, err := s.keys.GetByID(ctx, nil, keyID)
	if err != nil {
		return nil, err
	}
	if key.UserID != userID {
		return nil, apierr.NotFound("apikey.get", "api key not found")
	}
	return key, nil
}

func (s *apiKeyService) Update(ctx context.Context, userID, keyID uuid.UUID, in UpdateAPIKeyInput) (*domain.APIKey, error) {
	if _, err := s.Get(ctx, userID, keyID); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apierr.Validation("apikey.update", "name must not be empty")
		}
		updates["name"] = name
	}
	if in.Secret != nil {
		secret := strings.TrimSpace(*in.Secret)
		if secret == "" {
			return nil, apierr.Validation("apikey.update", "secret must not be empty")
		}
		cipherText, err := s.cipher.Encrypt(secret)
		if err != nil {
			return nil, apierr.Internal("apikey.update", err)
		}
		updates["secret_cipher"] = cipherText
	}
	if in.BaseURL != nil {
		updates["base_url"] = strings.TrimSpace(*in.BaseURL)
	}
	if in.Status != nil {
		switch *in.Status {
		case domain.APIKeyStatusActive, domain.APIKeyStatusInactive, domain.APIKeyStatusExhausted:
		default:
			return nil, apierr.Validation("apikey.update", "unknown status")
		}
		updates["status"] = *in.Status
	}
	if len(updates) == 0 {
		return nil, apierr.Validation("apikey.update", "no fields to update")
	}

	if err := s.keys.UpdateFields(ctx, nil, keyID, updates); err != nil {
		return nil, err
	}
	return s.keys.GetByID(ctx, nil, keyID)
}

func (s *apiKeyService) Delete(ctx context.Context, userID, keyID uuid.UUID) error {
	if _, err := s.Get(ctx, userID, keyID); err != nil {
		return err
	}
	return s.keys.Delete(ctx, nil, keyID)
}
