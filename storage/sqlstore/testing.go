package sqlstore

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewMemoryStore opens a migrated in-memory SQLite store for testing.
// Caller must close the store when done.
func NewMemoryStore() (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	// every connection to :memory: is a separate database
	if err := configureConnectionPool(db, true); err != nil {
		return nil, err
	}
	store := New(db)
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
