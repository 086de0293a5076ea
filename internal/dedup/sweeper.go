package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/baibot/bai/internal/logger"
	"github.com/baibot/bai/internal/metrics"
)

// Sweeper periodically removes states whose release never happened.
type Sweeper struct {
	cron    *cron.Cron
	store   Store
	maxAge  time.Duration
	metrics *metrics.Collector
}

func NewSweeper(store Store, interval, maxAge time.Duration, collector *metrics.Collector) (*Sweeper, error) {
	s := &Sweeper{
		cron:    cron.New(),
		store:   store,
		maxAge:  maxAge,
		metrics: collector,
	}

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { s.SweepOnce() }); err != nil {
		return nil, fmt.Errorf("failed to schedule dedup sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	logger.Info("Starting dedup sweeper", map[string]interface{}{
		"max_age": s.maxAge.String(),
	})
	s.cron.Start()
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// SweepOnce runs one sweep and returns the number of removed states.
func (s *Sweeper) SweepOnce() int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := s.store.Sweep(ctx, s.maxAge)
	if err != nil {
		logger.Error("Dedup sweep failed", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}

	s.metrics.RecordSwept(removed)
	if removed > 0 {
		logger.Warn("Removed stale processing states", map[string]interface{}{
			"removed": removed,
			"max_age": s.maxAge.String(),
		})
	}
	return removed
}
