package quota

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ceritalabs/storysync/internal/cache"
)

func openQuotaDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "quota.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&cache.ResponseCacheEntry{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func seedEntry(testContext *testing.T, database *gorm.DB, key, class string, size, insertedAt int64) {
	testContext.Helper()
	entry := cache.ResponseCacheEntry{
		CacheKey:     key,
		Class:        class,
		StatusCode:   200,
		Body:         make([]byte, 0),
		SizeBytes:    size,
		InsertedAtMs: insertedAt,
	}
	if err := database.Create(&entry).Error; err != nil {
		testContext.Fatalf("failed to seed cache entry %s: %v", key, err)
	}
}

func TestCheckAndEvictBelowHighWaterDoesNothing(testContext *testing.T) {
	database := openQuotaDatabase(testContext)
	seedEntry(testContext, database, "GET https://cdn.example/p1.jpg", string(cache.ClassImage), 30, 1)

	guardian, err := NewGuardian(GuardianConfig{Database: database, QuotaBytes: 100})
	if err != nil {
		testContext.Fatalf("failed to build guardian: %v", err)
	}

	report, err := guardian.CheckAndEvict(context.Background())
	if err != nil {
		testContext.Fatalf("quota check failed: %v", err)
	}
	if report.AboveWater || report.Evicted != 0 {
		testContext.Fatalf("expected no eviction below high water, got %+v", report)
	}
	if report.TotalBytes != 30 {
		testContext.Fatalf("unexpected total %d", report.TotalBytes)
	}
}

func TestCheckAndEvictRemovesOldestFifthOfImages(testContext *testing.T) {
	database := openQuotaDatabase(testContext)

	// Ten image entries of 8 bytes plus one static entry: 85 of 100 bytes
	// used, above the 80% high-water mark.
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("GET https://cdn.example/p%d.jpg", i)
		seedEntry(testContext, database, key, string(cache.ClassImage), 8, int64(i+1))
	}
	seedEntry(testContext, database, "GET https://app.example/app.js", string(cache.ClassStatic), 5, 100)

	guardian, err := NewGuardian(GuardianConfig{Database: database, QuotaBytes: 100})
	if err != nil {
		testContext.Fatalf("failed to build guardian: %v", err)
	}

	report, err := guardian.CheckAndEvict(context.Background())
	if err != nil {
		testContext.Fatalf("quota check failed: %v", err)
	}
	if !report.AboveWater {
		testContext.Fatalf("expected usage above high water, got %+v", report)
	}
	if report.Evicted != 2 {
		testContext.Fatalf("expected oldest fifth (2 entries) evicted, got %d", report.Evicted)
	}
	if report.FreedBytes != 16 {
		testContext.Fatalf("expected 16 freed bytes, got %d", report.FreedBytes)
	}

	// Oldest two image entries are gone; static entries are untouchable.
	for _, key := range []string{"GET https://cdn.example/p0.jpg", "GET https://cdn.example/p1.jpg"} {
		var entry cache.ResponseCacheEntry
		err := database.Where("cache_key = ?", key).Take(&entry).Error
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			testContext.Fatalf("expected %s to be evicted, got %v", key, err)
		}
	}
	var staticCount int64
	if err := database.Model(&cache.ResponseCacheEntry{}).Where("class = ?", string(cache.ClassStatic)).Count(&staticCount).Error; err != nil {
		testContext.Fatalf("failed to count static entries: %v", err)
	}
	if staticCount != 1 {
		testContext.Fatalf("static entries must never be evicted, found %d", staticCount)
	}
	var imageCount int64
	if err := database.Model(&cache.ResponseCacheEntry{}).Where("class = ?", string(cache.ClassImage)).Count(&imageCount).Error; err != nil {
		testContext.Fatalf("failed to count image entries: %v", err)
	}
	if imageCount != 8 {
		testContext.Fatalf("expected 8 surviving image entries, got %d", imageCount)
	}
}

func TestCheckAndEvictAboveWaterWithoutImagesKeepsEverything(testContext *testing.T) {
	database := openQuotaDatabase(testContext)
	seedEntry(testContext, database, "GET https://api.example/v1/stories", string(cache.ClassAPIRead), 90, 1)

	guardian, err := NewGuardian(GuardianConfig{Database: database, QuotaBytes: 100})
	if err != nil {
		testContext.Fatalf("failed to build guardian: %v", err)
	}

	report, err := guardian.CheckAndEvict(context.Background())
	if err != nil {
		testContext.Fatalf("quota check failed: %v", err)
	}
	if !report.AboveWater {
		testContext.Fatalf("expected usage above high water")
	}
	if report.Evicted != 0 {
		testContext.Fatalf("only image entries are evictable, got %d evictions", report.Evicted)
	}
}
