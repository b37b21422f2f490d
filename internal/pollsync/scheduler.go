package pollsync

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs a bulk sync on a ticker.
type Scheduler struct {
	adapter  *Adapter
	interval time.Duration
	logger   Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a scheduler. interval must be positive.
func NewScheduler(adapter *Adapter, interval time.Duration) *Scheduler {
	return &Scheduler{
		adapter:  adapter,
		interval: interval,
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// Start begins syncing until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the scheduler and waits for an in-flight sync to finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			summary, err := s.adapter.Sync(ctx, Selection{})
			if err != nil {
				s.logger.Error("scheduled sync failed", "error", err)
				continue
			}
			if summary.Ingested > 0 {
				s.logger.Info("scheduled sync", "devices", len(summary.Devices), "ingested", summary.Ingested)
			}
		}
	}
}
