package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

func TestServiceQueryDefaultsToLastHour(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 30, 0, 0, time.UTC)
	repo := &stubTrafficRepo{observations: []domain.TrafficObservation{
		{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 100, Timestamp: now.Add(-10 * time.Minute)},
		{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 100, Timestamp: now.Add(-2 * time.Hour)},
	}}
	svc := NewService(repo, nil, nil, time.Minute, time.Second)
	svc.now = func() time.Time { return now }

	buckets, err := svc.Query(context.Background(), time.Time{}, time.Time{}, " /a ")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(buckets) != 1 || buckets[0].RequestCount != 1 {
		t.Fatalf("expected one bucket with one request, got %+v", buckets)
	}
	if repo.lastStart != now.Add(-time.Hour) || repo.lastEnd != now {
		t.Fatalf("expected default range [now-1h, now], got [%v, %v]", repo.lastStart, repo.lastEnd)
	}
	if repo.lastEndpoint != "/a" {
		t.Fatalf("expected trimmed endpoint, got %q", repo.lastEndpoint)
	}
}

func TestServiceQueryRejectsInvertedRange(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 30, 0, 0, time.UTC)
	svc := NewService(&stubTrafficRepo{}, nil, nil, 0, 0)
	_, err := svc.Query(context.Background(), now, now.Add(-time.Minute), "")
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestServiceQueryRangeLimit(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 30, 0, 0, time.UTC)
	observations := func(n int) []domain.TrafficObservation {
		out := make([]domain.TrafficObservation, n)
		for i := range out {
			out[i] = domain.TrafficObservation{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 10, Timestamp: now.Add(-time.Duration(i+1) * time.Second)}
		}
		return out
	}

	repo := &stubTrafficRepo{observations: observations(5)}
	svc := NewService(repo, nil, nil, time.Minute, time.Second)
	svc.now = func() time.Time { return now }
	svc.queryLimit = 5

	buckets, err := svc.Query(context.Background(), time.Time{}, time.Time{}, "")
	if err != nil {
		t.Fatalf("query at exactly the limit: %v", err)
	}
	var total int64
	for _, b := range buckets {
		total += b.RequestCount
	}
	if total != 5 {
		t.Fatalf("expected all 5 observations aggregated, got %d", total)
	}
	if repo.lastLimit != 6 {
		t.Fatalf("expected repository asked for limit+1 rows, got %d", repo.lastLimit)
	}

	repo.observations = observations(6)
	if _, err := svc.Query(context.Background(), time.Time{}, time.Time{}, ""); !errors.Is(err, ErrRangeTooLarge) {
		t.Fatalf("expected ErrRangeTooLarge, got %v", err)
	}
}

func TestServiceStats(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 30, 0, 0, time.UTC)
	repo := &stubTrafficRepo{stats: domain.TrafficStats{TotalRequests: 360, TotalAnomalies: 12, ErrorCount: 36, AvgResponseTimeMS: 140}}
	svc := NewService(repo, nil, nil, 0, 0)
	svc.now = func() time.Time { return now }

	summary, err := svc.Stats(context.Background(), 0)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if repo.lastSince != now.Add(-time.Hour) {
		t.Fatalf("expected default window of 1h, got since %v", repo.lastSince)
	}
	if summary.ErrorRate != 0.1 {
		t.Fatalf("expected error rate 0.1, got %v", summary.ErrorRate)
	}
	if summary.RequestsPerSecond != 0.1 {
		t.Fatalf("expected 0.1 requests per second, got %v", summary.RequestsPerSecond)
	}
	if summary.TotalAnomalies != 12 || summary.AvgResponseTimeMS != 140 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestServiceFlushesRollups(t *testing.T) {
	now := time.Date(2025, time.November, 5, 8, 15, 30, 0, time.UTC)
	rollups := &stubMetricRepo{}
	svc := NewService(&stubTrafficRepo{}, rollups, nil, time.Minute, 30*time.Second)
	svc.now = func() time.Time { return now }
	svc.window = NewWindow(time.Minute, 4, svc.now)

	svc.Observe(domain.TrafficObservation{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 40, Timestamp: now.Add(-time.Minute)})
	svc.Observe(domain.TrafficObservation{Endpoint: "/a", StatusCode: 502, ResponseTimeMS: 80, Timestamp: now.Add(-50 * time.Second)})
	svc.Observe(domain.TrafficObservation{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 10, Timestamp: now})

	svc.flushStale(context.Background())
	flushed := rollups.snapshot()
	if len(flushed) != 1 {
		t.Fatalf("expected only the closed minute to flush, got %d", len(flushed))
	}
	b := flushed[0]
	if b.TimeWindow != time.Date(2025, time.November, 5, 8, 14, 0, 0, time.UTC) {
		t.Fatalf("unexpected bucket start %v", b.TimeWindow)
	}
	if b.RequestCount != 2 || b.ErrorCount != 1 || b.AvgResponseTimeMS != 60 {
		t.Fatalf("unexpected rollup %+v", b)
	}
	assertFloatPtrEqual(t, b.P99ResponseTimeMS, 80, "p99")
	if b.UpdatedAt != now {
		t.Fatalf("expected updated_at from clock, got %v", b.UpdatedAt)
	}

	svc.flushAll(context.Background())
	if got := len(rollups.snapshot()); got != 2 {
		t.Fatalf("expected open bucket flushed on shutdown, got %d rollups", got)
	}
}

func TestServiceRunFlushesOnCancel(t *testing.T) {
	rollups := &stubMetricRepo{}
	svc := NewService(&stubTrafficRepo{}, rollups, nil, time.Minute, time.Minute)
	svc.Observe(domain.TrafficObservation{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 5, Timestamp: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after cancel")
	}
	if got := len(rollups.snapshot()); got != 1 {
		t.Fatalf("expected 1 rollup flushed on shutdown, got %d", got)
	}
}

func TestWindowReservoirBound(t *testing.T) {
	base := time.Date(2025, time.November, 5, 8, 0, 0, 0, time.UTC)
	w := NewWindow(time.Minute, 3, func() time.Time { return base })
	for i := 0; i < 10; i++ {
		w.Add(domain.TrafficObservation{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 100, Timestamp: base})
	}
	out := w.FlushAll()
	if len(out) != 1 || out[0].RequestCount != 10 || out[0].AvgResponseTimeMS != 100 {
		t.Fatalf("unexpected flush %+v", out)
	}
	if w.FlushAll() != nil {
		t.Fatalf("expected window to be empty after flush")
	}
}

type stubTrafficRepo struct {
	mu           sync.Mutex
	observations []domain.TrafficObservation
	stats        domain.TrafficStats
	lastStart    time.Time
	lastEnd      time.Time
	lastEndpoint string
	lastLimit    int
	lastSince    time.Time
}

func (r *stubTrafficRepo) InsertTraffic(context.Context, *domain.TrafficObservation, *domain.AnomalyRecord) error {
	return nil
}

func (r *stubTrafficRepo) ListTrafficInRange(_ context.Context, start, end time.Time, endpoint string, limit int) ([]domain.TrafficObservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastStart, r.lastEnd, r.lastEndpoint, r.lastLimit = start, end, endpoint, limit
	n := len(r.observations)
	if limit > 0 && n > limit {
		n = limit
	}
	result := make([]domain.TrafficObservation, n)
	copy(result, r.observations[:n])
	return result, nil
}

func (r *stubTrafficRepo) Stats(_ context.Context, since time.Time) (domain.TrafficStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSince = since
	return r.stats, nil
}

type stubMetricRepo struct {
	mu      sync.Mutex
	buckets []domain.MetricBucket
}

func (r *stubMetricRepo) UpsertMetricBuckets(_ context.Context, buckets []domain.MetricBucket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = append(r.buckets, buckets...)
	return nil
}

func (r *stubMetricRepo) ListMetricBuckets(context.Context, time.Time, time.Time, string, int) ([]domain.MetricBucket, error) {
	return r.snapshot(), nil
}

func (r *stubMetricRepo) snapshot() []domain.MetricBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make([]domain.MetricBucket, len(r.buckets))
	copy(snapshot, r.buckets)
	return snapshot
}
