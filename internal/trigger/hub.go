// Package trigger funnels every sync trigger source through one command
// channel consumed by a single loop, so trigger handling is serialized and
// free of per-source races.
package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ceritalabs/storysync/internal/syncer"
)

var (
	errMissingDrainer = errors.New("trigger: drainer is required")

	// ErrHubClosed indicates a trigger arrived after the hub loop stopped.
	ErrHubClosed = errors.New("trigger: hub is closed")
)

// Drainer runs one queue drain pass.
type Drainer interface {
	Drain(ctx context.Context) (syncer.DrainResult, error)
}

// PendingCounter reports how many replayable writes are queued.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int64, error)
}

type commandKind int

const (
	kindOnline commandKind = iota
	kindOffline
	kindWake
	kindStartup
	kindManual
)

type outcome struct {
	result syncer.DrainResult
	err    error
}

type command struct {
	kind commandKind
	tag  string
	done chan outcome
}

// HubConfig configures the trigger hub.
type HubConfig struct {
	Drainer      Drainer
	Pending      PendingCounter
	SettleDelay  time.Duration
	StartupDelay time.Duration
	Logger       *zap.Logger
}

// Hub serializes connectivity events, background wakes, startup, and manual
// sync requests into drain passes executed one at a time.
type Hub struct {
	drainer      Drainer
	pending      PendingCounter
	settleDelay  time.Duration
	startupDelay time.Duration
	logger       *zap.Logger

	online   atomic.Bool
	commands chan command
	closed   chan struct{}
}

// NewHub validates the configuration and returns a Hub. The hub starts in the
// online state, mirroring a fresh process that has not observed any
// connectivity event yet.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Drainer == nil {
		return nil, errMissingDrainer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hub := &Hub{
		drainer:      cfg.Drainer,
		pending:      cfg.Pending,
		settleDelay:  cfg.SettleDelay,
		startupDelay: cfg.StartupDelay,
		logger:       logger,
		commands:     make(chan command, 32),
		closed:       make(chan struct{}),
	}
	hub.online.Store(true)
	return hub, nil
}

// Online reports the last observed connectivity state.
func (h *Hub) Online() bool {
	return h.online.Load()
}

// HandleOnline records the transition to online and schedules a drain after
// the settle delay. It never blocks the caller.
func (h *Hub) HandleOnline() {
	h.online.Store(true)
	h.post(command{kind: kindOnline})
}

// HandleOffline records the transition to offline. No drain is attempted.
func (h *Hub) HandleOffline() {
	h.online.Store(false)
	h.post(command{kind: kindOffline})
}

// AppStarted schedules the startup check: when online with queued writes, a
// drain runs after the startup delay.
func (h *Hub) AppStarted() {
	h.post(command{kind: kindStartup})
}

// BackgroundWake runs a drain pass on behalf of an external scheduler and
// waits for its completion.
func (h *Hub) BackgroundWake(ctx context.Context, tag string) (syncer.DrainResult, error) {
	return h.request(ctx, command{kind: kindWake, tag: tag, done: make(chan outcome, 1)})
}

// ManualSync runs a drain pass immediately, with no settle delay, and waits
// for its completion. It is attempted even while offline.
func (h *Hub) ManualSync(ctx context.Context) (syncer.DrainResult, error) {
	return h.request(ctx, command{kind: kindManual, done: make(chan outcome, 1)})
}

// Run consumes the command channel until the context is cancelled. It must be
// called exactly once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.closed)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.handle(ctx, cmd)
		}
	}
}

func (h *Hub) post(cmd command) {
	select {
	case h.commands <- cmd:
	case <-h.closed:
		h.logger.Warn("trigger dropped, hub closed")
	default:
		h.logger.Warn("trigger dropped, command queue full")
	}
}

func (h *Hub) request(ctx context.Context, cmd command) (syncer.DrainResult, error) {
	select {
	case h.commands <- cmd:
	case <-h.closed:
		return syncer.DrainResult{}, ErrHubClosed
	case <-ctx.Done():
		return syncer.DrainResult{}, ctx.Err()
	}

	select {
	case out := <-cmd.done:
		return out.result, out.err
	case <-h.closed:
		return syncer.DrainResult{}, ErrHubClosed
	case <-ctx.Done():
		return syncer.DrainResult{}, ctx.Err()
	}
}

func (h *Hub) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case kindOffline:
		h.logger.Info("connectivity lost")

	case kindOnline:
		h.logger.Info("connectivity restored",
			zap.Duration("settle_delay", h.settleDelay))
		if !h.sleep(ctx, h.settleDelay) {
			return
		}
		h.drain(ctx, "online")

	case kindStartup:
		if !h.online.Load() {
			h.logger.Info("startup while offline, drain deferred")
			return
		}
		if h.pending != nil {
			count, err := h.pending.PendingCount(ctx)
			if err != nil {
				h.logger.Warn("startup pending count failed", zap.Error(err))
				return
			}
			if count == 0 {
				return
			}
			h.logger.Info("queued writes found at startup", zap.Int64("pending", count))
		}
		if !h.sleep(ctx, h.startupDelay) {
			return
		}
		h.drain(ctx, "startup")

	case kindWake:
		h.logger.Info("background wake", zap.String("tag", cmd.tag))
		result, err := h.drain(ctx, "wake")
		cmd.done <- outcome{result: result, err: err}

	case kindManual:
		result, err := h.drain(ctx, "manual")
		cmd.done <- outcome{result: result, err: err}
	}
}

func (h *Hub) drain(ctx context.Context, source string) (syncer.DrainResult, error) {
	result, err := h.drainer.Drain(ctx)
	if err != nil {
		h.logger.Warn("drain failed", zap.String("source", source), zap.Error(err))
		return result, err
	}
	return result, nil
}

// sleep waits for the given delay, returning false when the context ends
// first.
func (h *Hub) sleep(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
