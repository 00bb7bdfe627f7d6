package budget

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper runs the allocator's rebalance pass on a cron schedule, so
// long-lived allocations drift toward their observed utilization without
// any caller asking.
type Sweeper struct {
	alloc  *Allocator
	cron   *cron.Cron
	entry  cron.EntryID
	logger *zap.Logger
}

// NewSweeper schedules rebalance sweeps. The schedule accepts standard
// five-field cron expressions and descriptors like "@every 5m".
func NewSweeper(alloc *Allocator, schedule string, logger *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{
		alloc: alloc,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		logger: logger,
	}
	entry, err := s.cron.AddFunc(schedule, s.Sweep)
	if err != nil {
		return nil, fmt.Errorf("invalid rebalance schedule %q: %w", schedule, err)
	}
	s.entry = entry
	return s, nil
}

// Sweep runs one rebalance pass immediately, outside the schedule.
func (s *Sweeper) Sweep() {
	if adjusted := s.alloc.Rebalance(); adjusted > 0 {
		s.logger.Info("rebalance sweep adjusted allocations", zap.Int("adjusted", adjusted))
	}
}

// Start begins scheduled sweeps.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("rebalance sweeper started")
}

// Stop cancels the schedule and waits briefly for a running sweep.
func (s *Sweeper) Stop() {
	s.cron.Remove(s.entry)
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("rebalance sweeper stop timed out")
	}
	s.logger.Info("rebalance sweeper stopped")
}
