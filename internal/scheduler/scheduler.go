package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/threatscan/internal/logging"
	"github.com/telhawk-systems/threatscan/internal/query"
	"github.com/telhawk-systems/threatscan/internal/scan"
)

// Runner executes one scan run.
type Runner interface {
	Run(ctx context.Context, p scan.Params) (*scan.Summary, error)
}

// Scheduler fires a scan run once per interval. Each run budgets itself to
// the same interval, so a run that pauses on its deadline hands the remainder
// to the next tick. A tick that arrives while a run is still in flight is
// skipped rather than queued.
type Scheduler struct {
	mu       sync.Mutex
	runner   Runner
	params   scan.Params
	interval time.Duration
	log      *logging.Logger

	running  bool
	inFlight bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	stats Stats
}

// Stats tracks scheduler execution counters.
type Stats struct {
	Runs        int64
	Paused      int64
	Errors      int64
	Skipped     int64
	LastRunTime time.Time
}

// New creates a scheduler around a runner. The tick interval is the scan
// interval from the params.
func New(runner Runner, params scan.Params, log *logging.Logger) (*Scheduler, error) {
	interval := query.ParseInterval(params.Interval)
	if interval <= 0 {
		return nil, fmt.Errorf("invalid scan interval %q", params.Interval)
	}
	return &Scheduler{
		runner:   runner,
		params:   params,
		interval: interval,
		log:      log,
	}, nil
}

// Start begins the scheduling loop. The first run fires immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("scan scheduler starting", "interval", s.interval.String())

	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

// Stop gracefully stops the scheduling loop, waiting for an in-flight run.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scan scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Runs execute off the loop goroutine so that a tick arriving mid-run
	// still reaches execute, which skips it while a run is in flight.
	launch := func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(ctx)
		}()
	}

	launch()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			launch()
		}
	}
}

func (s *Scheduler) execute(ctx context.Context) {
	s.mu.Lock()
	if s.inFlight {
		s.stats.Skipped++
		s.mu.Unlock()
		s.log.Warn("previous scan still in flight, skipping tick")
		return
	}
	s.inFlight = true
	s.stats.LastRunTime = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	summary, err := s.runner.Run(ctx, s.params)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Runs++
	if err != nil {
		s.stats.Errors++
		s.log.Error("scan run failed", logging.Error(err))
		return
	}
	if summary.Paused {
		s.stats.Paused++
	}
}

// GetStats returns a snapshot of scheduler counters.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
