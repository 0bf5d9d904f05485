package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/chaptercast/chaptercast-backend/internal/platform/envutil"
)

// Config is the process-wide runtime configuration, loaded once at startup
// and read-only afterwards.
type Config struct {
	Mode string // "dev" or "prod"
	Port string

	// Database. Driver "postgres" uses the DB_* pieces; "sqlite" opens
	// SQLITE_PATH (":memory:" allowed) for single-node deployments.
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string

	// Object store.
	BucketName      string
	CDNDomain       string
	StorageEmulator string // host:port, enables emulator mode
	PresignTTL      time.Duration

	// Redis progress bus; empty disables cross-replica fan-out.
	RedisAddr     string
	RedisPassword string

	// Auth.
	JWTSecretKey   string
	AccessTokenTTL time.Duration

	// APIKey secrets at rest (64 hex chars → 32-byte chacha20poly1305 key).
	KeyCipherSecret string

	// In-flight provider calls allowed per API key.
	ProviderMaxConcurrency int

	// Worker pool.
	WorkerConcurrency int
	WorkerDisabled    bool

	// Transcription: "google" or "whisper".
	TranscriberProvider string
	TranscriberLanguage string
	WhisperBaseURL      string
	WhisperAPIKey       string
	WhisperModel        string

	// Media tools.
	FFmpegBin     string
	FFprobeBin    string
	SofficeBin    string
	FontFile      string
	ClipTimeout   time.Duration
	ConcatTimeout time.Duration

	AllowedOrigins []string
}

func Load() (Config, error) {
	cfg := Config{
		Mode: envutil.Str("APP_MODE", "dev"),
		Port: envutil.Str("PORT", "8080"),

		DBDriver:   strings.ToLower(envutil.Str("DB_DRIVER", "postgres")),
		DBHost:     envutil.Str("DB_HOST", "localhost"),
		DBPort:     envutil.Str("DB_PORT", "5432"),
		DBUser:     envutil.Str("DB_USER", "postgres"),
		DBPassword: envutil.Str("DB_PASSWORD", ""),
		DBName:     envutil.Str("DB_NAME", "chaptercast"),
		DBSSLMode:  envutil.Str("DB_SSLMODE", "disable"),
		SQLitePath: envutil.Str("SQLITE_PATH", "chaptercast.db"),

		BucketName:      envutil.Str("BUCKET_NAME", ""),
		CDNDomain:       envutil.Str("CDN_DOMAIN", ""),
		StorageEmulator: envutil.Str("STORAGE_EMULATOR_HOST", ""),
		PresignTTL:      envutil.Dur("PRESIGN_TTL", 15*time.Minute),

		RedisAddr:     envutil.Str("REDIS_ADDR", ""),
		RedisPassword: envutil.Str("REDIS_PASSWORD", ""),

		JWTSecretKey:   envutil.Str("JWT_SECRET_KEY", ""),
		AccessTokenTTL: envutil.Dur("JWT_ACCESS_TTL", time.Hour),

		KeyCipherSecret: envutil.Str("API_KEY_CIPHER_SECRET", ""),

		ProviderMaxConcurrency: envutil.Int("PROVIDER_MAX_CONCURRENCY", 5),

		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 4),
		WorkerDisabled:    envutil.Bool("WORKER_DISABLED", false),

		TranscriberProvider: strings.ToLower(envutil.Str("TRANSCRIBER_PROVIDER", "google")),
		TranscriberLanguage: envutil.Str("TRANSCRIBER_LANGUAGE", "cmn-Hans-CN"),
		WhisperBaseURL:      envutil.Str("WHISPER_BASE_URL", ""),
		WhisperAPIKey:       envutil.Str("WHISPER_API_KEY", ""),
		WhisperModel:        envutil.Str("WHISPER_MODEL", "whisper-1"),

		FFmpegBin:     envutil.Str("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin:    envutil.Str("FFPROBE_BIN", "ffprobe"),
		SofficeBin:    envutil.Str("SOFFICE_BIN", "soffice"),
		FontFile:      envutil.Str("SUBTITLE_FONT_FILE", ""),
		ClipTimeout:   envutil.Dur("FFMPEG_CLIP_TIMEOUT", 300*time.Second),
		ConcatTimeout: envutil.Dur("FFMPEG_CONCAT_TIMEOUT", 600*time.Second),

		AllowedOrigins: splitCSV(envutil.Str("ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	if cfg.JWTSecretKey == "" {
		return cfg, fmt.Errorf("JWT_SECRET_KEY is required")
	}
	if cfg.DBDriver != "postgres" && cfg.DBDriver != "sqlite" {
		return cfg, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.DBDriver == "postgres" && cfg.DBName == "" {
		return cfg, fmt.Errorf("DB_NAME is required for postgres")
	}
	if cfg.BucketName == "" && cfg.StorageEmulator == "" {
		return cfg, fmt.Errorf("BUCKET_NAME is required outside emulator mode")
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
