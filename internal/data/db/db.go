package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/chaptercast/chaptercast-backend/internal/config"
	"github.com/chaptercast/chaptercast-backend/internal/domain"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
)

// Open connects to the configured database. Postgres is the production
// driver; sqlite serves single-node deployments and tests. Foreign keys are
// intentionally not created: ownership is expressed as indexed id fields
// and cascades are explicit batch deletes in the repos.
func Open(cfg config.Config, logg *logger.Logger) (*gorm.DB, error) {
	dbLog := logg.With("component", "db")

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	gcfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	}

	switch cfg.DBDriver {
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.SQLitePath), gcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite at %s: %w", cfg.SQLitePath, err)
		}
		dbLog.Info("connected", "driver", "sqlite", "path", cfg.SQLitePath)
		return db, nil
	default:
		dsn := fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=%s",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBSSLMode,
		)
		db, err := gorm.Open(postgres.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		dbLog.Info("connected", "driver", "postgres", "host", cfg.DBHost, "name", cfg.DBName)
		return db, nil
	}
}

// OpenTest opens an in-memory sqlite database with the full schema. Each
// call returns an isolated database.
func OpenTest() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=private"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrateAll(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrateAll creates or updates the full catalog schema.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.User{},
		&domain.Project{},
		&domain.Chapter{},
		&domain.Paragraph{},
		&domain.Sentence{},
		&domain.APIKey{},
		&domain.Background{},
		&domain.VideoTask{},
		&domain.TaskRun{},
	)
}
