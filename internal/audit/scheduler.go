package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the most recent audit outcome, served by the health endpoint.
type Status struct {
	Ran     bool
	Healthy bool
	Report  Report
	Err     error
}

// Scheduler runs the auditor periodically and remembers the last result.
type Scheduler struct {
	auditor  *Auditor
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	last Status
}

// NewScheduler builds a scheduler. An interval <= 0 disables periodic runs; RunOnce still works.
func NewScheduler(auditor *Auditor, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{auditor: auditor, interval: interval, logger: logger}
}

// Start runs an audit immediately and then every interval until ctx is done. The returned channel is
// closed when the loop exits.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if s.interval <= 0 {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
	return done
}

// RunOnce executes one audit and records it as the last status.
func (s *Scheduler) RunOnce(ctx context.Context) Status {
	report, err := s.auditor.Run(ctx)
	st := Status{Ran: true, Report: report, Err: err, Healthy: err == nil && report.Healthy()}
	if err != nil {
		s.logger.Error("audit run failed", slog.Any("error", err))
	}
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
	return st
}

// Last returns the most recent status. Ran is false before the first run.
func (s *Scheduler) Last() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
