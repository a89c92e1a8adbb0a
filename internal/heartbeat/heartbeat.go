// Package heartbeat periodically triggers incremental builds for owners with
// pending records. It is only a trigger: a failed chunk is picked up by
// whichever beat comes next, exactly as with a manual trigger.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BeatFunc is called for each owner with pending records.
type BeatFunc func(ctx context.Context, owner string) error

// ListOwnersFunc returns the owners that currently have pending records.
type ListOwnersFunc func(ctx context.Context) ([]string, error)

// Heartbeat fires BeatFunc for every pending owner once per interval.
type Heartbeat struct {
	interval time.Duration
	lastBeat time.Time
	beatFn   BeatFunc
	listFn   ListOwnersFunc
	mu       sync.Mutex
	running  sync.Mutex
	logger   *zap.Logger
}

// New creates a heartbeat.
func New(interval time.Duration, beatFn BeatFunc, listFn ListOwnersFunc, logger *zap.Logger) *Heartbeat {
	return &Heartbeat{
		interval: interval,
		beatFn:   beatFn,
		listFn:   listFn,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	tick := h.interval / 4
	if tick < time.Second {
		tick = time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	h.logger.Info("heartbeat started", zap.Duration("interval", h.interval))
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat stopped")
			return
		case now := <-t.C:
			h.OnTick(ctx, now)
		}
	}
}

// OnTick fires a beat when at least one interval has passed since the last
// one. The first tick only arms the timer.
func (h *Heartbeat) OnTick(ctx context.Context, now time.Time) {
	h.mu.Lock()
	if h.lastBeat.IsZero() {
		h.lastBeat = now
		h.mu.Unlock()
		return
	}
	if now.Sub(h.lastBeat) < h.interval {
		h.mu.Unlock()
		return
	}
	h.lastBeat = now
	h.mu.Unlock()

	h.beat(ctx, false)
}

// FireNow forces an immediate beat and returns how many owners were built
// without error.
func (h *Heartbeat) FireNow(ctx context.Context) int {
	return h.beat(ctx, true)
}

func (h *Heartbeat) beat(ctx context.Context, forced bool) int {
	// A slow beat must not overlap the next one.
	if !h.running.TryLock() {
		h.logger.Debug("previous heartbeat still running, skipping")
		return 0
	}
	defer h.running.Unlock()

	owners, err := h.listFn(ctx)
	if err != nil {
		h.logger.Warn("heartbeat: list pending owners failed", zap.Error(err))
		return 0
	}

	fired := 0
	for _, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		if err := h.beatFn(ctx, owner); err != nil {
			h.logger.Warn("heartbeat build failed",
				zap.String("owner", owner),
				zap.Error(err))
			continue
		}
		fired++
		h.logger.Debug("heartbeat build fired",
			zap.String("owner", owner),
			zap.Bool("forced", forced))
	}
	return fired
}
