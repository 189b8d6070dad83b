package metrics

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
	"github.com/jmccormack1717/SecuraFlow/internal/repository"
)

const (
	defaultQueryRange    = time.Hour
	defaultStatsWindow   = time.Hour
	defaultFlushInterval = 30 * time.Second
	maxQueryObservations = 100_000
	defaultRollupLimit   = 500
	maxRollupLimit       = 5000
)

var (
	// ErrInvalidRange is returned when a query window starts after it ends.
	ErrInvalidRange = errors.New("start time must not be after end time")
	// ErrRangeTooLarge is returned when a query window holds more observations
	// than a single query aggregates.
	ErrRangeTooLarge = errors.New("time range holds too many observations; narrow the range or filter by endpoint")
)

// Summary describes traffic over a trailing window.
type Summary struct {
	WindowStart       time.Time
	WindowEnd         time.Time
	TotalRequests     int64
	TotalAnomalies    int64
	AvgResponseTimeMS float64
	ErrorRate         float64
	RequestsPerSecond float64
}

// Service answers metric queries and maintains persisted minute rollups.
type Service struct {
	traffic       repository.TrafficRepository
	rollups       repository.MetricRepository
	window        *Window
	queryLimit    int
	flushInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time
	once          sync.Once
}

// NewService constructs a metrics service. Rollups are persisted only when a
// MetricRepository is supplied.
func NewService(traffic repository.TrafficRepository, rollups repository.MetricRepository, logger *slog.Logger, span, flushInterval time.Duration) *Service {
	if span <= 0 {
		span = BucketSpan
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if flushInterval > span {
		flushInterval = span
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	return &Service{
		traffic:       traffic,
		rollups:       rollups,
		window:        NewWindow(span, 0, now),
		queryLimit:    maxQueryObservations,
		flushInterval: flushInterval,
		logger:        logger.With("component", "metrics"),
		now:           now,
	}
}

// Observe feeds an ingested observation into the streaming rollup window.
func (s *Service) Observe(obs domain.TrafficObservation) {
	if s == nil {
		return
	}
	s.window.Add(obs)
}

// Query aggregates stored traffic between start and end. A zero end defaults
// to now and a zero start to one hour before end. Ranges holding more than
// the query limit fail with ErrRangeTooLarge rather than aggregating a subset.
func (s *Service) Query(ctx context.Context, start, end time.Time, endpoint string) ([]domain.MetricBucket, error) {
	if s == nil || s.traffic == nil {
		return nil, errors.New("metrics service not initialised")
	}
	start, end, err := s.resolveRange(start, end)
	if err != nil {
		return nil, err
	}
	endpoint = strings.TrimSpace(endpoint)
	observations, err := s.traffic.ListTrafficInRange(ctx, start, end, endpoint, s.queryLimit+1)
	if err != nil {
		return nil, err
	}
	if len(observations) > s.queryLimit {
		s.logger.Warn("metrics query range too large", "start", start, "end", end, "endpoint", endpoint, "limit", s.queryLimit)
		return nil, ErrRangeTooLarge
	}
	return Aggregate(observations, start, end, endpoint), nil
}

// ListRollups returns persisted rollups between start and end, newest first.
func (s *Service) ListRollups(ctx context.Context, start, end time.Time, endpoint string, limit int) ([]domain.MetricBucket, error) {
	if s == nil || s.rollups == nil {
		return nil, errors.New("metrics service not initialised")
	}
	start, end, err := s.resolveRange(start, end)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRollupLimit
	}
	if limit > maxRollupLimit {
		limit = maxRollupLimit
	}
	return s.rollups.ListMetricBuckets(ctx, start, end, strings.TrimSpace(endpoint), limit)
}

// Stats summarises traffic over the trailing window ending now.
func (s *Service) Stats(ctx context.Context, window time.Duration) (Summary, error) {
	if s == nil || s.traffic == nil {
		return Summary{}, errors.New("metrics service not initialised")
	}
	if window <= 0 {
		window = defaultStatsWindow
	}
	end := s.now().UTC()
	start := end.Add(-window)
	stats, err := s.traffic.Stats(ctx, start)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		WindowStart:       start,
		WindowEnd:         end,
		TotalRequests:     stats.TotalRequests,
		TotalAnomalies:    stats.TotalAnomalies,
		AvgResponseTimeMS: stats.AvgResponseTimeMS,
		RequestsPerSecond: float64(stats.TotalRequests) / window.Seconds(),
	}
	if stats.TotalRequests > 0 {
		summary.ErrorRate = float64(stats.ErrorCount) / float64(stats.TotalRequests)
	}
	return summary, nil
}

// Run flushes completed rollup buckets until the context is cancelled, then
// flushes whatever remains.
func (s *Service) Run(ctx context.Context) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.logger.Info("metrics rollup flusher started", "bucket_span", s.window.Span(), "flush_interval", s.flushInterval)
	})
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flushAll(context.Background())
			s.logger.Info("metrics rollup flusher stopped")
			return
		case <-ticker.C:
			s.flushStale(ctx)
		}
	}
}

func (s *Service) resolveRange(start, end time.Time) (time.Time, time.Time, error) {
	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		start = end.Add(-defaultQueryRange)
	}
	start, end = start.UTC(), end.UTC()
	if start.After(end) {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}
	return start, end, nil
}

func (s *Service) flushStale(ctx context.Context) {
	s.persist(ctx, s.window.FlushBefore(s.now()))
}

func (s *Service) flushAll(ctx context.Context) {
	s.persist(ctx, s.window.FlushAll())
}

func (s *Service) persist(ctx context.Context, buckets []domain.MetricBucket) {
	if len(buckets) == 0 || s.rollups == nil {
		return
	}
	if err := s.rollups.UpsertMetricBuckets(ctx, buckets); err != nil {
		s.logger.Warn("failed to persist metric rollups", "error", err, "count", len(buckets))
	}
}
