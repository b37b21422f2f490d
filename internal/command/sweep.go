package command

import (
	"context"
	"sync"
	"time"
)

// Candidate is a non-terminal command together with its device's attempt
// limit (0 means the policy limit).
type Candidate struct {
	Command     Command
	MaxAttempts int
}

// Sweep computes the time-driven transitions for snapshot at now.
//
// A non-terminal command older than ForceCloseAge is Closed. A Processing
// command whose dispatch is older than AckTimeout fails at the attempt
// limit and otherwise returns to Pending. Terminal commands in the
// snapshot are ignored. Sweep has no side effects.
func Sweep(now time.Time, policy Policy, snapshot []Candidate) []Transition {
	var out []Transition
	for _, cand := range snapshot {
		c := cand.Command
		if c.Status.Terminal() {
			continue
		}

		if policy.ForceCloseAge > 0 && now.Sub(c.CreatedAt) > policy.ForceCloseAge {
			out = append(out, sweepTransition(c, StatusClosed, ReasonForceClosed, now))
			continue
		}

		if c.Status != StatusProcessing || c.DispatchedAt == nil || policy.AckTimeout <= 0 {
			continue
		}
		if now.Sub(*c.DispatchedAt) <= policy.AckTimeout {
			continue
		}

		limit := cand.MaxAttempts
		if limit <= 0 {
			limit = policy.maxAttempts()
		}
		if c.Attempts >= limit {
			out = append(out, sweepTransition(c, StatusFailed, ErrDeliveryExhausted.Error(), now))
		} else {
			out = append(out, sweepTransition(c, StatusPending, ReasonAckTimeout, now))
		}
	}
	return out
}

func sweepTransition(c Command, to Status, reason string, now time.Time) Transition {
	t := Transition{Command: c, From: c.Status, To: to, Reason: reason, At: now}
	t.Command.Status = to
	if to.Terminal() {
		closed := now
		t.Command.ClosedAt = &closed
	} else {
		t.Command.TransID = ""
		t.Command.TemplateHash = ""
		t.Command.DispatchedAt = nil
	}
	return t
}

// DefaultSweepInterval is the sweeper cadence when none is configured.
const DefaultSweepInterval = time.Minute

// Sweeper runs Queue.SweepOnce on a ticker.
type Sweeper struct {
	queue    *Queue
	interval time.Duration
	logger   Logger

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSweeper creates a sweeper for queue. A zero interval uses
// DefaultSweepInterval.
func NewSweeper(queue *Queue, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		queue:    queue,
		interval: interval,
		logger:   noopLogger{},
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for the sweeper.
func (s *Sweeper) SetLogger(logger Logger) {
	s.logger = logger
}

// Start begins sweeping until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
// Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func (s *Sweeper) loop(ctx context.Context) {
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
			n, err := s.queue.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("command sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("command sweep applied transitions", "count", n)
			}
		}
	}
}
