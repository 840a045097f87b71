package store

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// sequentialClock returns a clock that advances one millisecond per call, so
// rows created in sequence carry strictly ascending timestamps.
func sequentialClock(start time.Time) func() time.Time {
	var calls int64
	return func() time.Time {
		tick := atomic.AddInt64(&calls, 1)
		return start.Add(time.Duration(tick) * time.Millisecond)
	}
}

func openTestStore(testContext *testing.T) (*Store, *gorm.DB) {
	testContext.Helper()

	databasePath := filepath.Join(testContext.TempDir(), "store.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&PendingWrite{}, &FavoriteEntry{}, &SnapshotEntry{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	dataStore, err := NewStore(StoreConfig{
		Database:   database,
		Clock:      sequentialClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)),
		IDProvider: NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return dataStore, database
}

func mustStoryID(testContext *testing.T, value string) StoryID {
	testContext.Helper()
	id, err := NewStoryID(value)
	if err != nil {
		testContext.Fatalf("unexpected story id error: %v", err)
	}
	return id
}
