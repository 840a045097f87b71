// Package syncer implements the sync coordinator: it queues story uploads
// while offline and drains the queue oldest-first when connectivity returns.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ceritalabs/storysync/internal/remote"
	"github.com/ceritalabs/storysync/internal/store"
)

var (
	errMissingStore    = errors.New("syncer: store is required")
	errMissingUploader = errors.New("syncer: uploader is required")
)

// Uploader delivers one story payload to the remote service.
type Uploader interface {
	UploadStory(ctx context.Context, token string, upload remote.StoryUpload) error
}

// DrainResult summarizes one drain pass. When Skipped is true another pass
// was already in flight and nothing was attempted.
type DrainResult struct {
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Total     int   `json:"total"`
	Skipped   bool  `json:"skipped"`
	Remaining int64 `json:"remaining"`
}

// Observer receives the result of every completed drain pass.
type Observer func(DrainResult)

// CoordinatorConfig configures the sync coordinator.
type CoordinatorConfig struct {
	Store       *store.Store
	Uploader    Uploader
	Clock       func() time.Time
	Logger      *zap.Logger
	MaxAttempts int
}

// Coordinator owns the pending-write queue lifecycle. At most one drain pass
// runs at a time per Coordinator; concurrent callers are turned away with a
// skipped result instead of blocking.
type Coordinator struct {
	store       *store.Store
	uploader    Uploader
	clock       func() time.Time
	logger      *zap.Logger
	maxAttempts int

	draining atomic.Bool

	mu         sync.Mutex
	observers  []Observer
	lastResult *DrainResult
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Uploader == nil {
		return nil, errMissingUploader
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("syncer: max attempts must not be negative, got %d", cfg.MaxAttempts)
	}

	return &Coordinator{
		store:       cfg.Store,
		uploader:    cfg.Uploader,
		clock:       clock,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// Enqueue persists a story upload for later delivery. The write is durable
// once this returns; it survives restarts until a replay is acknowledged.
func (c *Coordinator) Enqueue(ctx context.Context, input store.NewPendingWrite) (store.PendingWrite, error) {
	return c.store.AddPending(ctx, input)
}

// Subscribe registers an observer for drain results.
func (c *Coordinator) Subscribe(observer Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, observer)
}

// LastResult returns the most recent completed (non-skipped) drain result.
func (c *Coordinator) LastResult() (DrainResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResult == nil {
		return DrainResult{}, false
	}
	return *c.lastResult, true
}

// Drain replays every replayable pending write oldest-first, continuing past
// individual failures. Successful writes are deleted; failed ones keep their
// row with the attempt recorded. If another pass is already running the call
// returns immediately with Skipped set.
func (c *Coordinator) Drain(ctx context.Context) (DrainResult, error) {
	if !c.draining.CompareAndSwap(false, true) {
		c.logger.Debug("drain already in flight, skipping")
		return DrainResult{Skipped: true}, nil
	}
	defer c.draining.Store(false)

	entries, err := c.store.ReplayablePending(ctx)
	if err != nil {
		return DrainResult{}, err
	}

	result := DrainResult{Total: len(entries)}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if replayErr := c.replayOne(ctx, entry); replayErr != nil {
			result.Failed++
			c.recordFailure(ctx, entry, replayErr)
			continue
		}
		result.Succeeded++
	}

	if remaining, countErr := c.store.PendingCount(ctx); countErr == nil {
		result.Remaining = remaining
	}

	c.logger.Info("drain pass complete",
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int64("remaining", result.Remaining))

	c.publish(result)
	return result, nil
}

// replayOne delivers a single queued write with the exact payload and
// credential snapshot captured at enqueue time.
func (c *Coordinator) replayOne(ctx context.Context, entry store.PendingWrite) error {
	photo, err := entry.Photo().Resolve()
	if err != nil {
		return err
	}

	if info, inspectErr := remote.InspectCredential(entry.AuthSnapshot); inspectErr == nil {
		if info.ExpiredAt(c.clock()) {
			c.logger.Warn("replaying with expired credential snapshot",
				zap.String("write_id", entry.WriteID))
		}
	}

	upload := remote.StoryUpload{
		Description: entry.Description,
		Photo:       photo,
		Latitude:    entry.Latitude,
		Longitude:   entry.Longitude,
	}
	if err := c.uploader.UploadStory(ctx, entry.AuthSnapshot, upload); err != nil {
		return err
	}

	if err := c.store.DeletePending(ctx, store.WriteID(entry.WriteID)); err != nil {
		return err
	}
	c.logger.Info("pending write delivered", zap.String("write_id", entry.WriteID))
	return nil
}

func (c *Coordinator) recordFailure(ctx context.Context, entry store.PendingWrite, cause error) {
	poisoned := c.maxAttempts > 0 && entry.Attempts+1 >= c.maxAttempts

	c.logger.Warn("pending write replay failed",
		zap.String("write_id", entry.WriteID),
		zap.Int("attempts", entry.Attempts+1),
		zap.Bool("poisoned", poisoned),
		zap.Error(cause))

	err := c.store.RecordPendingFailure(ctx, store.WriteID(entry.WriteID), cause.Error(), poisoned)
	if err != nil {
		c.logger.Error("failed to record replay failure",
			zap.String("write_id", entry.WriteID), zap.Error(err))
	}
}

func (c *Coordinator) publish(result DrainResult) {
	c.mu.Lock()
	stored := result
	c.lastResult = &stored
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, observer := range observers {
		observer(result)
	}
}
