package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ceritalabs/storysync/internal/store"
)

func TestApplyMigrationsBackfillsPhotoKind(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&store.PendingWrite{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := []store.PendingWrite{
		{WriteID: "write-binary", Description: "binary photo", PhotoKind: "", PhotoBinary: []byte{0x01, 0x02}},
		{WriteID: "write-encoded", Description: "encoded photo", PhotoKind: "", PhotoEncoded: "aGVsbG8="},
		{WriteID: "write-bare", Description: "no photo", PhotoKind: ""},
	}
	for i := range legacy {
		if err := database.Create(&legacy[i]).Error; err != nil {
			testContext.Fatalf("failed to insert legacy row: %v", err)
		}
	}
	// The column default fills 'none' on insert; blank it to mimic rows
	// written before the variant column existed.
	if err := database.Model(&store.PendingWrite{}).Where("1 = 1").Update("photo_kind", "").Error; err != nil {
		testContext.Fatalf("failed to blank photo kind: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]store.PhotoKind{
		"write-binary":  store.PhotoKindBinary,
		"write-encoded": store.PhotoKindEncoded,
		"write-bare":    store.PhotoKindNone,
	}
	for writeID, kind := range expected {
		var stored store.PendingWrite
		if err := database.Where("write_id = ?", writeID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", writeID, err)
		}
		if stored.PhotoKind != string(kind) {
			testContext.Fatalf("expected %s kind %s, got %s", writeID, kind, stored.PhotoKind)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillPhotoKind).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// A second pass must not reapply the migration.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second migration pass failed: %v", err)
	}
}
