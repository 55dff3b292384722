package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepInterval is how often expired streams and idle producer
// rows are collected.
const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically runs SweepExpired and SweepProducers against a
// store. One sweeper runs per process.
type Sweeper struct {
	store    Store
	logger   *zap.Logger
	cron     *cron.Cron
	interval time.Duration
	timeout  time.Duration
}

// NewSweeper builds a sweeper. interval <= 0 uses
// DefaultSweepInterval.
func NewSweeper(st Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    st,
		logger:   logger,
		cron:     cron.New(),
		interval: interval,
		timeout:  30 * time.Second,
	}
}

// Start schedules the sweep job and begins running it.
func (s *Sweeper) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	now := time.Now()
	streams, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		s.logger.Error("sweep expired streams failed", zap.Error(err))
		return
	}
	producers, err := s.store.SweepProducers(ctx, now)
	if err != nil {
		s.logger.Error("sweep producer state failed", zap.Error(err))
		return
	}
	if streams > 0 || producers > 0 {
		s.logger.Info("sweep complete",
			zap.Int("expired_streams", streams),
			zap.Int("evicted_producers", producers))
	}
}
