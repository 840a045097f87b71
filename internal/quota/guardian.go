// Package quota enforces the response-cache storage budget: when usage
// crosses the high-water mark, the oldest image entries are evicted until
// roughly a fifth of them are gone.
package quota

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ceritalabs/storysync/internal/cache"
)

const (
	// highWaterPercent is the usage threshold that triggers eviction.
	highWaterPercent = 80
	// evictSharePercent is the share of image entries removed per eviction,
	// oldest first.
	evictSharePercent = 20
)

var (
	errMissingDatabase = errors.New("quota: database handle is required")
	errMissingQuota    = errors.New("quota: quota bytes must be positive")
)

// EvictionReport summarizes one quota check.
type EvictionReport struct {
	TotalBytes   int64 `json:"totalBytes"`
	QuotaBytes   int64 `json:"quotaBytes"`
	Evicted      int   `json:"evicted"`
	FreedBytes   int64 `json:"freedBytes"`
	AboveWater   bool  `json:"aboveWater"`
	ImageEntries int64 `json:"imageEntries"`
}

// GuardianConfig configures the quota guardian.
type GuardianConfig struct {
	Database   *gorm.DB
	QuotaBytes int64
	Logger     *zap.Logger
}

// Guardian periodically checks response-cache usage against the configured
// quota. Only image entries are ever evicted; API and static entries stay.
type Guardian struct {
	db         *gorm.DB
	quotaBytes int64
	logger     *zap.Logger

	mu        sync.Mutex
	scheduler *cron.Cron
}

// NewGuardian validates the configuration and returns a Guardian.
func NewGuardian(cfg GuardianConfig) (*Guardian, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.QuotaBytes <= 0 {
		return nil, errMissingQuota
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guardian{
		db:         cfg.Database,
		quotaBytes: cfg.QuotaBytes,
		logger:     logger,
	}, nil
}

// CheckAndEvict measures cache usage and, above the high-water mark, evicts
// the oldest fifth of image entries.
func (g *Guardian) CheckAndEvict(ctx context.Context) (EvictionReport, error) {
	report := EvictionReport{QuotaBytes: g.quotaBytes}

	err := g.db.WithContext(ctx).
		Model(&cache.ResponseCacheEntry{}).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&report.TotalBytes).Error
	if err != nil {
		return report, err
	}

	err = g.db.WithContext(ctx).
		Model(&cache.ResponseCacheEntry{}).
		Where("class = ?", string(cache.ClassImage)).
		Count(&report.ImageEntries).Error
	if err != nil {
		return report, err
	}

	highWater := g.quotaBytes * highWaterPercent / 100
	if report.TotalBytes <= highWater {
		return report, nil
	}
	report.AboveWater = true

	victimCount := int((report.ImageEntries*evictSharePercent + 99) / 100)
	if victimCount == 0 {
		g.logger.Warn("cache above high-water mark with no image entries to evict",
			zap.Int64("total_bytes", report.TotalBytes),
			zap.Int64("quota_bytes", g.quotaBytes))
		return report, nil
	}

	var victims []cache.ResponseCacheEntry
	err = g.db.WithContext(ctx).
		Select("cache_key", "size_bytes").
		Where("class = ?", string(cache.ClassImage)).
		Order("inserted_at_ms ASC").
		Limit(victimCount).
		Find(&victims).Error
	if err != nil {
		return report, err
	}

	keys := make([]string, 0, len(victims))
	for _, victim := range victims {
		keys = append(keys, victim.CacheKey)
		report.FreedBytes += victim.SizeBytes
	}

	result := g.db.WithContext(ctx).
		Where("cache_key IN ?", keys).
		Delete(&cache.ResponseCacheEntry{})
	if result.Error != nil {
		return report, result.Error
	}
	report.Evicted = int(result.RowsAffected)

	g.logger.Info("image cache entries evicted",
		zap.Int("evicted", report.Evicted),
		zap.Int64("freed_bytes", report.FreedBytes),
		zap.Int64("total_bytes", report.TotalBytes),
		zap.Int64("quota_bytes", g.quotaBytes))
	return report, nil
}

// Start schedules periodic quota checks with the given cron spec.
func (g *Guardian) Start(spec string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.scheduler != nil {
		return errors.New("quota: guardian already started")
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		if _, err := g.CheckAndEvict(context.Background()); err != nil {
			g.logger.Error("scheduled quota check failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	scheduler.Start()
	g.scheduler = scheduler
	g.logger.Info("quota maintenance scheduled", zap.String("spec", spec))
	return nil
}

// Stop halts the maintenance schedule and waits for a running check.
func (g *Guardian) Stop() {
	g.mu.Lock()
	scheduler := g.scheduler
	g.scheduler = nil
	g.mu.Unlock()
	if scheduler == nil {
		return
	}
	<-scheduler.Stop().Done()
}
