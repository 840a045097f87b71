// Package stories provides the listing service: it fetches the story feed
// from the remote API and maintains the local last-known-good snapshot so
// that a listing is still available when the network is not.
package stories

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ceritalabs/storysync/internal/remote"
	"github.com/ceritalabs/storysync/internal/store"
)

var (
	errMissingStore  = errors.New("stories: store is required")
	errMissingClient = errors.New("stories: remote client is required")
)

// Lister is the remote listing dependency.
type Lister interface {
	Stories(ctx context.Context, token string) (remote.StoriesResult, error)
}

// SnapshotStore is the persistence dependency for the last known-good listing.
type SnapshotStore interface {
	ReplaceSnapshot(ctx context.Context, entries []store.SnapshotEntry) error
	Snapshot(ctx context.Context) ([]store.SnapshotEntry, error)
}

// ServiceConfig configures the listing service.
type ServiceConfig struct {
	Store  SnapshotStore
	Client Lister
	Logger *zap.Logger
}

// Service serves story listings, preferring the live network and falling back
// to the persisted snapshot on transient failure.
type Service struct {
	store  SnapshotStore
	client Lister
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, client: cfg.Client, logger: logger}, nil
}

// Listing is a story feed plus its provenance.
type Listing struct {
	Stories   []remote.Story
	FromCache bool
}

// List returns the story feed. A live result replaces the snapshot wholesale;
// a transient failure is answered from the snapshot when one exists, marked
// FromCache. Rejections and an empty snapshot propagate the remote error.
func (s *Service) List(ctx context.Context, token string) (Listing, error) {
	result, err := s.client.Stories(ctx, token)
	if err == nil {
		if !result.FromCache {
			if snapErr := s.store.ReplaceSnapshot(ctx, toSnapshot(result.Stories)); snapErr != nil {
				s.logger.Warn("snapshot replace failed", zap.Error(snapErr))
			}
		}
		return Listing{Stories: result.Stories, FromCache: result.FromCache}, nil
	}

	if !remote.IsTransient(err) {
		return Listing{}, err
	}

	entries, snapErr := s.store.Snapshot(ctx)
	if snapErr != nil {
		s.logger.Warn("snapshot read failed", zap.Error(snapErr))
		return Listing{}, err
	}
	if len(entries) == 0 {
		return Listing{}, err
	}

	s.logger.Info("serving listing from snapshot", zap.Int("stories", len(entries)))
	return Listing{Stories: fromSnapshot(entries), FromCache: true}, nil
}

func toSnapshot(items []remote.Story) []store.SnapshotEntry {
	entries := make([]store.SnapshotEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, store.SnapshotEntry{
			StoryID:     item.ID,
			Name:        item.Name,
			Description: item.Description,
			PhotoURL:    item.PhotoURL,
			Latitude:    item.Latitude,
			Longitude:   item.Longitude,
			CreatedAt:   item.CreatedAt,
		})
	}
	return entries
}

func fromSnapshot(entries []store.SnapshotEntry) []remote.Story {
	items := make([]remote.Story, 0, len(entries))
	for _, entry := range entries {
		items = append(items, remote.Story{
			ID:          entry.StoryID,
			Name:        entry.Name,
			Description: entry.Description,
			PhotoURL:    entry.PhotoURL,
			Latitude:    entry.Latitude,
			Longitude:   entry.Longitude,
			CreatedAt:   entry.CreatedAt,
		})
	}
	return items
}
