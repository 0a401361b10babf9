package scan

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/threatscan/internal/indicator"
	"github.com/telhawk-systems/threatscan/internal/logging"
	"github.com/telhawk-systems/threatscan/internal/metrics"
	"github.com/telhawk-systems/threatscan/internal/query"
	"github.com/telhawk-systems/threatscan/internal/stream"
)

// Scanner walks the indicator corpus, counts matching events for each
// indicator, and stamps detection metadata back onto the indicator documents.
// A run is budgeted to one scheduling interval; work left over when the
// budget expires is picked up by the next invocation, which naturally skips
// indicators already stamped inside the current window.
type Scanner struct {
	backend Backend
	pager   stream.Pager
	log     *logging.Logger
	clock   func() time.Time
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithClock overrides the wall clock, for deterministic deadline tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scanner) {
		s.clock = clock
	}
}

// New creates a Scanner over an injected backend and page source.
func New(backend Backend, pager stream.Pager, log *logging.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		backend: backend,
		pager:   pager,
		log:     log,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one scan. It returns an error only for failures that abort
// the run (mapping migration, cursor open, page fetch, context cancellation);
// per-indicator and bulk-update failures are logged and the affected
// indicators stay eligible for the next run.
func (s *Scanner) Run(ctx context.Context, p Params) (*Summary, error) {
	p = p.withDefaults()
	start := s.clock()
	runID := uuid.NewString()
	log := s.log.With(logging.RunID(runID))

	if err := s.backend.EnsureDetectionMapping(ctx, p.ThreatIndices); err != nil {
		metrics.RunsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		return nil, fmt.Errorf("ensure detection mapping: %w", err)
	}

	selection := query.Selection(p.Interval)

	eligible, err := s.backend.CountEligible(ctx, p.ThreatIndices, selection)
	if err != nil {
		// Progress reporting only; the scan itself does not depend on it.
		log.Warn("failed to count eligible indicators", logging.Error(err))
		eligible = -1
	}
	log.Info("scan starting",
		logging.Index(strings.Join(p.ThreatIndices, ",")),
		"eligible", eligible,
		"interval", p.Interval,
		"concurrency", p.Concurrency,
	)

	deadline := start.Add(query.ParseInterval(p.Interval)).Add(-deadlineMargin)
	sort := query.ShuffleSort(query.Salt(start))
	if p.SortByTime {
		sort = query.TimestampSort()
	}

	st := stream.New(s.pager, p.ThreatIndices, selection, sort, p.PageSize)
	defer st.Close(ctx)

	var (
		progress   atomic.Int64
		newMatches atomic.Int64
		paused     bool
	)

	for {
		if !s.clock().Before(deadline) {
			paused = true
			break
		}

		hits, err := st.Next(ctx)
		if err != nil {
			metrics.RunsTotal.WithLabelValues(metrics.ResultFailed).Inc()
			return nil, err
		}
		if hits == nil {
			break
		}

		detections, err := s.scanPage(ctx, log, p, hits, &progress, &newMatches)
		if err != nil {
			metrics.RunsTotal.WithLabelValues(metrics.ResultFailed).Inc()
			return nil, err
		}

		// The bulk write for this page must land before the cursor advances;
		// a crash mid-page redoes the whole page next run, which is safe
		// because the written fields are idempotent.
		if len(detections) > 0 {
			if err := s.backend.UpdateDetections(ctx, detections); err != nil {
				log.Warn("bulk detection update failed, indicators stay eligible", logging.Error(err))
				metrics.BulkFailures.Inc()
			}
		}
	}

	duration := s.clock().Sub(start)
	summary := &Summary{
		RunID:      runID,
		Eligible:   eligible,
		Scanned:    progress.Load(),
		NewMatches: newMatches.Load(),
		Paused:     paused,
		Duration:   duration,
	}

	result := metrics.ResultCompleted
	if paused {
		result = metrics.ResultPaused
	}
	metrics.RunsTotal.WithLabelValues(result).Inc()
	metrics.ScanDuration.Observe(duration.Seconds())

	log.Info("scan finished",
		logging.Duration(duration),
		logging.Progress(summary.Scanned),
		logging.Matches(summary.NewMatches),
		"docs_per_second", throughput(summary.Scanned, duration),
		"paused", paused,
	)

	return summary, nil
}

// scanPage fans one page of indicator hits out to a bounded worker pool and
// collects the detection updates to write. At most p.Concurrency event count
// requests are in flight at any instant; the page join is the barrier before
// the bulk write.
func (s *Scanner) scanPage(
	ctx context.Context,
	log *logging.Logger,
	p Params,
	hits []stream.Hit,
	progress, newMatches *atomic.Int64,
) ([]Detection, error) {
	var (
		mu         sync.Mutex
		detections = make([]Detection, 0, len(hits))
	)

	now := s.clock().UnixMilli()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Concurrency)

	for _, hit := range hits {
		hit := hit
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			progress.Add(1)
			metrics.IndicatorsScanned.Inc()

			if hit.Source == nil {
				// Transient backend oddity: leave the indicator unstamped so
				// it comes back next run.
				log.Warn("indicator hit has no source, skipping",
					logging.DocID(hit.ID), logging.Index(hit.Index))
				return nil
			}

			ind := indicator.Parse(hit.ID, hit.Index, hit.Source)

			if len(ind.ShouldClauses()) == 0 {
				// Nothing to match. Stamp anyway so the indicator leaves the
				// eligible set instead of being re-examined every run.
				mu.Lock()
				detections = append(detections, Detection{
					ID:        ind.ID,
					Index:     ind.Index,
					Timestamp: now,
					Matches:   ind.Matches,
				})
				mu.Unlock()
				return nil
			}

			metrics.InflightCounts.Inc()
			count, err := s.backend.CountEvents(gctx, p.EventIndices, query.EventMatch(ind), p.CountBound)
			metrics.InflightCounts.Dec()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn("event match failed, indicator stays eligible",
					logging.DocID(ind.ID), logging.Index(ind.Index), logging.Error(err))
				metrics.IndicatorErrors.Inc()
				return nil
			}

			newMatches.Add(count)
			metrics.EventMatches.Add(float64(count))
			if p.Verbose {
				log.Debug("indicator checked",
					logging.DocID(ind.ID), logging.Index(ind.Index), logging.Matches(count))
			}

			mu.Lock()
			detections = append(detections, Detection{
				ID:        ind.ID,
				Index:     ind.Index,
				Timestamp: now,
				Matches:   ind.Matches + count,
			})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Only context cancellation propagates out of workers.
		return nil, err
	}
	return detections, nil
}

func throughput(scanned int64, d time.Duration) float64 {
	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(scanned) / secs
}

