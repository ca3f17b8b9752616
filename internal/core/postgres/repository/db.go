package repository

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go-groupwatch/internal/domain"
)

// OpenPostgres connects with a quiet gorm logger: "record not found" is an
// expected outcome of most lookups here.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates missing tables together with the indexes declared on the
// models.
func Migrate(db *gorm.DB) error {
	m := db.Migrator()
	models := []struct {
		name  string
		model any
	}{
		{"accounts", &domain.Account{}},
		{"workflows", &domain.Workflow{}},
		{"workflow_nodes", &domain.WorkflowNode{}},
		{"workflow_runs", &domain.WorkflowRun{}},
		{"leads", &domain.Lead{}},
		{"jobs", &domain.Job{}},
	}
	for _, t := range models {
		if m.HasTable(t.model) {
			continue
		}
		if err := m.CreateTable(t.model); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}
	}
	return nil
}

// notFound translates gorm's sentinel to the domain one.
func notFound(err error, what string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %v", domain.ErrNotFound, what, id)
	}
	return err
}
