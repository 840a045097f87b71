package store

import (
	"context"
	"errors"
	"testing"
)

func TestAddPendingAssignsUniqueAscendingIdentifiers(testContext *testing.T) {
	dataStore, _ := openTestStore(testContext)
	ctx := context.Background()

	const writeCount = 5
	for i := 0; i < writeCount; i++ {
		if _, err := dataStore.AddPending(ctx, NewPendingWrite{Description: "queued story", AuthSnapshot: "token"}); err != nil {
			testContext.Fatalf("failed to add pending write: %v", err)
		}
	}

	rows, err := dataStore.ReplayablePending(ctx)
	if err != nil {
		testContext.Fatalf("failed to list pending writes: %v", err)
	}
	if len(rows) != writeCount {
		testContext.Fatalf("expected %d pending writes, got %d", writeCount, len(rows))
	}

	seen := make(map[string]bool, writeCount)
	previousCreatedAt := int64(0)
	for _, row := range rows {
		if seen[row.WriteID] {
			testContext.Fatalf("duplicate write id %s", row.WriteID)
		}
		seen[row.WriteID] = true
		if row.CreatedAtMillis <= previousCreatedAt {
			testContext.Fatalf("expected ascending creation times, got %d after %d", row.CreatedAtMillis, previousCreatedAt)
		}
		previousCreatedAt = row.CreatedAtMillis
	}
}

func TestAddPendingRejectsEmptyDescription(testContext *testing.T) {
	dataStore, _ := openTestStore(testContext)

	_, err := dataStore.AddPending(context.Background(), NewPendingWrite{Description: "   "})
	if !errors.Is(err, ErrEmptyDescription) {
		testContext.Fatalf("expected ErrEmptyDescription, got %v", err)
	}
}

func TestDeletePendingIsIdempotent(testContext *testing.T) {
	dataStore, _ := openTestStore(testContext)
	ctx := context.Background()

	row, err := dataStore.AddPending(ctx, NewPendingWrite{Description: "queued story"})
	if err != nil {
		testContext.Fatalf("failed to add pending write: %v", err)
	}

	id := WriteID(row.WriteID)
	if err := dataStore.DeletePending(ctx, id); err != nil {
		testContext.Fatalf("first delete failed: %v", err)
	}
	if err := dataStore.DeletePending(ctx, id); err != nil {
		testContext.Fatalf("expected repeated delete to succeed, got %v", err)
	}

	count, err := dataStore.PendingCount(ctx)
	if err != nil {
		testContext.Fatalf("failed to count pending writes: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected empty queue, got %d", count)
	}
}

func TestRecordPendingFailureTracksAttemptsAndPoison(testContext *testing.T) {
	dataStore, _ := openTestStore(testContext)
	ctx := context.Background()

	row, err := dataStore.AddPending(ctx, NewPendingWrite{Description: "queued story"})
	if err != nil {
		testContext.Fatalf("failed to add pending write: %v", err)
	}
	id := WriteID(row.WriteID)

	if err := dataStore.RecordPendingFailure(ctx, id, "upload timed out", false); err != nil {
		testContext.Fatalf("failed to record first failure: %v", err)
	}
	if err := dataStore.RecordPendingFailure(ctx, id, "rejected by service", true); err != nil {
		testContext.Fatalf("failed to record second failure: %v", err)
	}

	stored, err := dataStore.PendingByID(ctx, id)
	if err != nil {
		testContext.Fatalf("failed to reload pending write: %v", err)
	}
	if stored.Attempts != 2 {
		testContext.Fatalf("expected 2 attempts, got %d", stored.Attempts)
	}
	if stored.LastError != "rejected by service" {
		testContext.Fatalf("unexpected last error %q", stored.LastError)
	}
	if !stored.Poisoned {
		testContext.Fatalf("expected write to be poisoned")
	}

	replayable, err := dataStore.ReplayablePending(ctx)
	if err != nil {
		testContext.Fatalf("failed to list replayable writes: %v", err)
	}
	if len(replayable) != 0 {
		testContext.Fatalf("expected poisoned write to be excluded, got %d rows", len(replayable))
	}

	poisoned, err := dataStore.PoisonedCount(ctx)
	if err != nil {
		testContext.Fatalf("failed to count poisoned writes: %v", err)
	}
	if poisoned != 1 {
		testContext.Fatalf("expected 1 poisoned write, got %d", poisoned)
	}
}

func TestAddFavoriteRejectsDuplicate(testContext *testing.T) {
	dataStore, _ := openTestStore(testContext)
	ctx := context.Background()

	input := FavoriteInput{
		StoryID:     mustStoryID(testContext, "story-1"),
		Name:        "Dina",
		Description: "sunset at the harbor",
		CreatedAt:   "2026-01-02T10:00:00Z",
	}
	if _, err := dataStore.AddFavorite(ctx, input); err != nil {
		testContext.Fatalf("failed to add favorite: %v", err)
	}
	if _, err := dataStore.AddFavorite(ctx, input); !errors.Is(err, ErrFavoriteExists) {
		testContext.Fatalf("expected ErrFavoriteExists, got %v", err)
	}

	isFavorite, err := dataStore.IsFavorite(ctx, input.StoryID)
	if err != nil {
		testContext.Fatalf("failed to check favorite: %v", err)
	}
	if !isFavorite {
		testContext.Fatalf("expected story to be favorited")
	}
}

func TestFavoritesSortingAndSearch(testContext *testing.T) {
	dataStore, _ := openTestStore(testContext)
	ctx := context.Background()

	inputs := []FavoriteInput{
		{StoryID: mustStoryID(testContext, "story-b"), Name: "Bram", Description: "mountain trail", CreatedAt: "2026-01-03T00:00:00Z"},
		{StoryID: mustStoryID(testContext, "story-a"), Name: "Ayu", Description: "city lights", CreatedAt: "2026-01-01T00:00:00Z"},
		{StoryID: mustStoryID(testContext, "story-c"), Name: "Citra", Description: "trail run at dawn", CreatedAt: "2026-01-02T00:00:00Z"},
	}
	for _, input := range inputs {
		if _, err := dataStore.AddFavorite(ctx, input); err != nil {
			testContext.Fatalf("failed to add favorite %s: %v", input.StoryID, err)
		}
	}

	byName, err := dataStore.Favorites(ctx, FavoriteQuery{SortBy: FavoriteSortByName})
	if err != nil {
		testContext.Fatalf("failed to list favorites by name: %v", err)
	}
	if byName[0].Name != "Ayu" || byName[2].Name != "Citra" {
		testContext.Fatalf("unexpected name ordering: %s, %s, %s", byName[0].Name, byName[1].Name, byName[2].Name)
	}

	byCreated, err := dataStore.Favorites(ctx, FavoriteQuery{SortBy: FavoriteSortByCreatedAt, Descending: true})
	if err != nil {
		testContext.Fatalf("failed to list favorites by creation: %v", err)
	}
	if byCreated[0].StoryID != "story-b" {
		testContext.Fatalf("expected newest story first, got %s", byCreated[0].StoryID)
	}

	byFavorited, err := dataStore.Favorites(ctx, FavoriteQuery{})
	if err != nil {
		testContext.Fatalf("failed to list favorites by favoriting time: %v", err)
	}
	if byFavorited[0].StoryID != "story-b" {
		testContext.Fatalf("expected first-favorited story first, got %s", byFavorited[0].StoryID)
	}

	matches, err := dataStore.SearchFavorites(ctx, "TRAIL")
	if err != nil {
		testContext.Fatalf("failed to search favorites: %v", err)
	}
	if len(matches) != 2 {
		testContext.Fatalf("expected 2 matches for trail, got %d", len(matches))
	}
}

func TestDeleteFavoriteMissingReturnsNotFound(testContext *testing.T) {
	dataStore, _ := openTestStore(testContext)

	err := dataStore.DeleteFavorite(context.Background(), mustStoryID(testContext, "story-missing"))
	if !errors.Is(err, ErrNotFound) {
		testContext.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplaceSnapshotIsAtomic(testContext *testing.T) {
	dataStore, _ := openTestStore(testContext)
	ctx := context.Background()

	original := []SnapshotEntry{
		{StoryID: "story-1", Name: "Ayu", Description: "first", CreatedAt: "2026-01-01T00:00:00Z"},
	}
	if err := dataStore.ReplaceSnapshot(ctx, original); err != nil {
		testContext.Fatalf("failed to seed snapshot: %v", err)
	}

	// Duplicate primary key forces the second insert to fail mid-replace.
	broken := []SnapshotEntry{
		{StoryID: "story-2", Name: "Bram", Description: "second", CreatedAt: "2026-01-02T00:00:00Z"},
		{StoryID: "story-2", Name: "Bram", Description: "duplicate", CreatedAt: "2026-01-02T00:00:00Z"},
	}
	if err := dataStore.ReplaceSnapshot(ctx, broken); err == nil {
		testContext.Fatalf("expected replace with duplicate ids to fail")
	}

	stored, err := dataStore.Snapshot(ctx)
	if err != nil {
		testContext.Fatalf("failed to read snapshot: %v", err)
	}
	if len(stored) != 1 || stored[0].StoryID != "story-1" {
		testContext.Fatalf("expected prior snapshot to survive failed replace, got %+v", stored)
	}
}

func TestSnapshotOrderedNewestFirst(testContext *testing.T) {
	dataStore, _ := openTestStore(testContext)
	ctx := context.Background()

	entries := []SnapshotEntry{
		{StoryID: "story-1", Name: "Ayu", CreatedAt: "2026-01-01T00:00:00Z"},
		{StoryID: "story-2", Name: "Bram", CreatedAt: "2026-01-03T00:00:00Z"},
		{StoryID: "story-3", Name: "Citra", CreatedAt: "2026-01-02T00:00:00Z"},
	}
	if err := dataStore.ReplaceSnapshot(ctx, entries); err != nil {
		testContext.Fatalf("failed to replace snapshot: %v", err)
	}

	stored, err := dataStore.Snapshot(ctx)
	if err != nil {
		testContext.Fatalf("failed to read snapshot: %v", err)
	}
	if stored[0].StoryID != "story-2" || stored[2].StoryID != "story-1" {
		testContext.Fatalf("unexpected snapshot order: %s, %s, %s", stored[0].StoryID, stored[1].StoryID, stored[2].StoryID)
	}
}
