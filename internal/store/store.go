// Package store owns the embedded database for linked-account records.
package store

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open initializes the SQLite database and runs migrations.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenMemory opens a throwaway in-memory database, used by tests.
func OpenMemory() (*gorm.DB, error) {
	return Open("file::memory:")
}
