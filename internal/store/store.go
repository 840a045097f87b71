package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrStoreUnavailable indicates that the underlying storage rejected the
	// operation. Callers must treat this as "not durably applied" and must not
	// assume partial success.
	ErrStoreUnavailable = errors.New("store: storage unavailable")
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrFavoriteExists indicates an attempt to favorite an already favorited story.
	ErrFavoriteExists = errors.New("store: story already favorited")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")

	noOpLogger = zap.NewNop()
)

// IDProvider issues unique, monotonic-sortable identifiers for pending writes.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store exposes the three persisted collections (pending writes, favorites,
// cached snapshot). Each exported operation is a single transaction scoped to
// one collection.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

func wrapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// NewPendingWrite describes the input for queueing a story upload.
type NewPendingWrite struct {
	Description  string
	Photo        Photo
	Latitude     *float64
	Longitude    *float64
	AuthSnapshot string
}

// AddPending persists a pending write and returns the stored row. The write
// id is generated locally and the creation time is taken from the store clock.
func (s *Store) AddPending(ctx context.Context, input NewPendingWrite) (PendingWrite, error) {
	if strings.TrimSpace(input.Description) == "" {
		return PendingWrite{}, ErrEmptyDescription
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return PendingWrite{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	row := PendingWrite{
		WriteID:         id,
		Description:     input.Description,
		PhotoKind:       string(input.Photo.Kind),
		PhotoBinary:     input.Photo.Binary,
		PhotoEncoded:    input.Photo.Encoded,
		Latitude:        input.Latitude,
		Longitude:       input.Longitude,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
		AuthSnapshot:    input.AuthSnapshot,
	}
	if row.PhotoKind == "" {
		row.PhotoKind = string(PhotoKindNone)
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return PendingWrite{}, wrapStoreError(err)
	}

	s.logger.Info("pending write queued",
		zap.String("write_id", row.WriteID),
		zap.Int64("created_at_ms", row.CreatedAtMillis))
	return row, nil
}

// ReplayablePending returns all non-poisoned pending writes ordered by
// creation time ascending (oldest first). The UUIDv7 write id breaks ties
// between writes queued within the same millisecond.
func (s *Store) ReplayablePending(ctx context.Context) ([]PendingWrite, error) {
	var rows []PendingWrite
	err := s.db.WithContext(ctx).
		Where("poisoned = ?", false).
		Order("created_at_ms ASC, write_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return rows, nil
}

// AllPending returns every pending write, poisoned included, ordered by
// creation time ascending.
func (s *Store) AllPending(ctx context.Context) ([]PendingWrite, error) {
	var rows []PendingWrite
	err := s.db.WithContext(ctx).
		Order("created_at_ms ASC, write_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return rows, nil
}

// PendingByID returns a single pending write.
func (s *Store) PendingByID(ctx context.Context, id WriteID) (PendingWrite, error) {
	var row PendingWrite
	err := s.db.WithContext(ctx).
		Where("write_id = ?", id.String()).
		Take(&row).Error
	if err != nil {
		return PendingWrite{}, wrapStoreError(err)
	}
	return row, nil
}

// DeletePending removes a pending write. Deleting a missing row is not an
// error: the delete-after-ack path must be idempotent.
func (s *Store) DeletePending(ctx context.Context, id WriteID) error {
	err := s.db.WithContext(ctx).
		Where("write_id = ?", id.String()).
		Delete(&PendingWrite{}).Error
	return wrapStoreError(err)
}

// ClearPending removes every pending write.
func (s *Store) ClearPending(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&PendingWrite{}).Error
	return wrapStoreError(err)
}

// PendingCount returns the number of replayable (non-poisoned) pending writes.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&PendingWrite{}).
		Where("poisoned = ?", false).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(err)
	}
	return count, nil
}

// PoisonedCount returns the number of pending writes in the terminal state.
func (s *Store) PoisonedCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&PendingWrite{}).
		Where("poisoned = ?", true).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(err)
	}
	return count, nil
}

// RecordPendingFailure increments the attempt counter and records the failure
// message on a pending write. When poisoned is true the row enters the
// terminal state and is skipped by future drains; it is still never deleted.
func (s *Store) RecordPendingFailure(ctx context.Context, id WriteID, message string, poisoned bool) error {
	updates := map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": message,
		"poisoned":   poisoned,
	}
	result := s.db.WithContext(ctx).
		Model(&PendingWrite{}).
		Where("write_id = ?", id.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FavoriteInput describes the story being favorited.
type FavoriteInput struct {
	StoryID     StoryID
	Name        string
	Description string
	PhotoURL    string
	Latitude    *float64
	Longitude   *float64
	CreatedAt   string
}

// AddFavorite persists a favorite entry, stamping favoritedAt from the store
// clock. At most one entry may exist per story id.
func (s *Store) AddFavorite(ctx context.Context, input FavoriteInput) (FavoriteEntry, error) {
	row := FavoriteEntry{
		StoryID:            input.StoryID.String(),
		Name:               input.Name,
		Description:        input.Description,
		PhotoURL:           input.PhotoURL,
		Latitude:           input.Latitude,
		Longitude:          input.Longitude,
		CreatedAt:          input.CreatedAt,
		FavoritedAtSeconds: s.clock().UTC().Unix(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&FavoriteEntry{}).
			Where("story_id = ?", row.StoryID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrFavoriteExists
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, ErrFavoriteExists) {
			return FavoriteEntry{}, ErrFavoriteExists
		}
		return FavoriteEntry{}, wrapStoreError(err)
	}

	s.logger.Info("favorite added", zap.String("story_id", row.StoryID))
	return row, nil
}

// FavoriteSortField enumerates the supported favorite orderings.
type FavoriteSortField string

const (
	// FavoriteSortByName orders favorites alphabetically by story name.
	FavoriteSortByName FavoriteSortField = "name"
	// FavoriteSortByCreatedAt orders favorites by the remote creation time.
	FavoriteSortByCreatedAt FavoriteSortField = "createdAt"
	// FavoriteSortByFavoritedAt orders favorites by the local favoriting time.
	FavoriteSortByFavoritedAt FavoriteSortField = "favoritedAt"
)

// FavoriteQuery selects ordering for favorite listings.
type FavoriteQuery struct {
	SortBy     FavoriteSortField
	Descending bool
}

func (q FavoriteQuery) orderClause() string {
	column := "favorited_at_s"
	switch q.SortBy {
	case FavoriteSortByName:
		column = "name"
	case FavoriteSortByCreatedAt:
		column = "created_at"
	case FavoriteSortByFavoritedAt, "":
		column = "favorited_at_s"
	}
	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}
	return column + " " + direction
}

// Favorites returns all favorite entries in the requested order.
func (s *Store) Favorites(ctx context.Context, query FavoriteQuery) ([]FavoriteEntry, error) {
	var rows []FavoriteEntry
	err := s.db.WithContext(ctx).
		Order(query.orderClause()).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return rows, nil
}

// SearchFavorites returns favorites whose name or description contains the
// query, case-insensitively.
func (s *Store) SearchFavorites(ctx context.Context, query string) ([]FavoriteEntry, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	var rows []FavoriteEntry
	err := s.db.WithContext(ctx).
		Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", pattern, pattern).
		Order("favorited_at_s DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return rows, nil
}

// FavoriteByID returns a single favorite entry.
func (s *Store) FavoriteByID(ctx context.Context, id StoryID) (FavoriteEntry, error) {
	var row FavoriteEntry
	err := s.db.WithContext(ctx).
		Where("story_id = ?", id.String()).
		Take(&row).Error
	if err != nil {
		return FavoriteEntry{}, wrapStoreError(err)
	}
	return row, nil
}

// IsFavorite reports whether a story has a favorite entry.
func (s *Store) IsFavorite(ctx context.Context, id StoryID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&FavoriteEntry{}).
		Where("story_id = ?", id.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(err)
	}
	return count > 0, nil
}

// DeleteFavorite removes a favorite entry.
func (s *Store) DeleteFavorite(ctx context.Context, id StoryID) error {
	result := s.db.WithContext(ctx).
		Where("story_id = ?", id.String()).
		Delete(&FavoriteEntry{})
	if result.Error != nil {
		return wrapStoreError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Info("favorite removed", zap.String("story_id", id.String()))
	return nil
}

// ReplaceSnapshot replaces the cached listing wholesale inside a single
// transaction. If any insert fails the clear is rolled back, leaving the
// prior snapshot intact.
func (s *Store) ReplaceSnapshot(ctx context.Context, entries []SnapshotEntry) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&SnapshotEntry{}).Error; err != nil {
			return err
		}
		for i := range entries {
			if err := tx.Create(&entries[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapStoreError(err)
	}

	s.logger.Info("snapshot replaced", zap.Int("stories", len(entries)))
	return nil
}

// Snapshot returns the last known-good listing, newest first.
func (s *Store) Snapshot(ctx context.Context) ([]SnapshotEntry, error) {
	var rows []SnapshotEntry
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(err)
	}
	return rows, nil
}

// ClearSnapshot empties the cached listing.
func (s *Store) ClearSnapshot(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&SnapshotEntry{}).Error
	return wrapStoreError(err)
}
