/*
scheduler.go - Automated auto-return sweep scheduler

PURPOSE:
  Periodically runs the auto-return sweep so records with a clean
  90-day period are returned without an operator having to trigger it,
  and pending records whose window has begun are persisted as improving.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start, then on every tick
  - The sweep itself is idempotent, so overlapping with a manual
    POST /sweep is harmless
  - Stop cancels an in-flight sweep and waits for it to finish

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - Operator: Name written to the audit trail (default: "system")

USAGE:
  scheduler := NewSweepScheduler(returns, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Sweep endpoint (manual trigger)
  - assessment/returns.go: AutoReturnSweep
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
)

// SweepScheduler runs the auto-return sweep on an interval.
type SweepScheduler struct {
	Returns  *assessment.ReturnProcessor
	Interval time.Duration
	Enabled  bool
	Operator string

	// Today is the sweep date; tests replace it.
	Today func() generic.Date

	logger *zap.Logger

	ticker *time.Ticker
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu     sync.Mutex
	lastRun    time.Time
	lastReport *assessment.SweepReport
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(returns *assessment.ReturnProcessor, logger *zap.Logger) *SweepScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepScheduler{
		Returns:  returns,
		Interval: 1 * time.Hour,
		Enabled:  true,
		Operator: assessment.SystemOperator,
		Today:    generic.Today,
		logger:   logger.With(zap.String("component", "sweep_scheduler")),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx)

	s.logger.Info("scheduler started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("scheduler stopped")
}

func (s *SweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.sweep(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *SweepScheduler) sweep(ctx context.Context) (assessment.SweepReport, error) {
	asOf := s.Today()
	report, err := s.Returns.AutoReturnSweep(ctx, asOf, s.Operator)
	if err != nil {
		s.logger.Error("sweep failed", zap.Stringer("as_of", asOf), zap.Error(err))
	} else if report.Processed > 0 || report.Promoted > 0 {
		s.logger.Info("sweep completed",
			zap.Stringer("as_of", asOf),
			zap.Int("processed", report.Processed),
			zap.Int("promoted", report.Promoted))
	}

	s.lastMu.Lock()
	s.lastRun = time.Now()
	s.lastReport = &report
	s.lastMu.Unlock()
	return report, err
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *SweepScheduler) RunNow(ctx context.Context) (assessment.SweepReport, error) {
	return s.sweep(ctx)
}

// LastReport returns the most recent sweep report, if any.
func (s *SweepScheduler) LastReport() (assessment.SweepReport, time.Time, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.lastReport == nil {
		return assessment.SweepReport{}, time.Time{}, false
	}
	return *s.lastReport, s.lastRun, true
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (s *SweepScheduler) GetNextRunTime() time.Time {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.lastRun.IsZero() {
		return time.Now().Add(s.Interval)
	}
	return s.lastRun.Add(s.Interval)
}
