// Package repotest opens a migrated in-memory SQLite database for tests of
// packages that sit on top of the repositories.
package repotest

import (
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go-groupwatch/internal/core/postgres/repository"
)

func Open(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:repo_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// A single connection serializes writers; shared-cache SQLite otherwise
	// reports "table is locked" under concurrent tests.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
