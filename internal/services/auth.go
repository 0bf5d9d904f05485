package services

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/repos"
)

// RegisterInput is the signup payload after transport decoding.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// TokenPair is what login and register hand back to the client.
type TokenPair struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type AuthService interface {
	Register(ctx context.Context, in RegisterInput) (*domain.User, TokenPair, error)
	Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error)
	// ParseToken validates an access token and returns the user id it was
	// minted for.
	ParseToken(tokenString string) (uuid.UUID, error)
}

type authService struct {
	db        *gorm.DB
	log       *logger.Logger
	users     repos.UserRepo
	secretKey string
	accessTTL time.Duration
}

func NewAuthService(db *gorm.DB, baseLog *logger.Logger, users repos.UserRepo, secretKey string, accessTTL time.Duration) AuthService {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &authService{
		db:        db,
		log:       baseLog.With("service", "AuthService"),
		users:     users,
		secretKey: secretKey,
		accessTTL: accessTTL,
	}
}

func (s *authService) Register(ctx context.Context, in RegisterInput) (*domain.User, TokenPair, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, TokenPair{}, apierr.Validation("auth.register", "valid email required")
	}
	if len(in.Password) < 8 {
		return nil, TokenPair{}, apierr.Validation("auth.register", "password must be at least 8 characters")
	}

	exists, err := s.users.EmailExists(ctx, nil, email)
	if err != nil {
		return nil, TokenPair{}, err
	}
	if exists {
		return nil, TokenPair{}, apierr.BusinessRule("auth.register", "email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, TokenPair{}, apierr.Internal("auth.register", err)
	}

	user := &domain.User{
		ID:        uuid.New(),
		Email:     email,
		Password:  string(hash),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
	}
	if _, err := s.users.Create(ctx, nil, []*domain.User{user}); err != nil {
		return nil, TokenPair{}, err
	}

	pair, err := s.mintToken(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.log.Info("user registered", "user_id", user.ID, "email", email)
	return user, pair, nil
}

func (s *authService) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.users.GetByEmail(ctx, nil, email)
	if err != nil {
		if apierr.IsKind(err, apierr.KindNotFound) {
			return nil, TokenPair{}, apierr.Auth("auth.login", "invalid email or password")
		}
		return nil, TokenPair{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, TokenPair{}, apierr.Auth("auth.login", "invalid email or password")
	}

	pair, err := s.mintToken(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return user, pair, nil
}

func (s *authService) mintToken(userID uuid.UUID) (TokenPair, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secretKey))
	if err != nil {
		return TokenPair{}, apierr.Internal("auth.token", err)
	}
	return TokenPair{AccessToken: signed, ExpiresIn: int64(s.accessTTL.Seconds())}, nil
}

func (s *authService) ParseToken(tokenString string) (uuid.UUID, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return uuid.Nil, apierr.Auth("auth.token", "missing token")
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apierr.Auth("auth.token", "unexpected signing method")
		}
		return []byte(s.secretKey), nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, apierr.Auth("auth.token", "invalid or expired token")
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return uuid.Nil, apierr.Auth("auth.token", "invalid token claims")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, apierr.Auth("auth.token", "invalid token subject")
	}
	return userID, nil
}
