package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

func TestAggregateSingleMinute(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	var observations []domain.TrafficObservation
	for i := 1; i <= 10; i++ {
		observations = append(observations, domain.TrafficObservation{
			Endpoint:       "/api/users",
			StatusCode:     200,
			ResponseTimeMS: i * 50,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		})
	}
	observations[9].StatusCode = 503

	buckets := Aggregate(observations, base, base.Add(time.Minute), "")
	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}
	b := buckets[0]
	if b.TimeWindow != base || b.Endpoint != "/api/users" {
		t.Fatalf("unexpected bucket key %v %s", b.TimeWindow, b.Endpoint)
	}
	if b.RequestCount != 10 || b.ErrorCount != 1 {
		t.Fatalf("expected 10 requests and 1 error, got %d and %d", b.RequestCount, b.ErrorCount)
	}
	if b.AvgResponseTimeMS != 275 {
		t.Fatalf("expected avg 275, got %v", b.AvgResponseTimeMS)
	}
	assertFloatPtrEqual(t, b.P95ResponseTimeMS, 500, "p95")
	assertFloatPtrEqual(t, b.P99ResponseTimeMS, 500, "p99")
}

func TestAggregateGroupsByEndpointAndSortsDescending(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	observations := []domain.TrafficObservation{
		{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 10, Timestamp: base.Add(10 * time.Second)},
		{Endpoint: "/b", StatusCode: 404, ResponseTimeMS: 20, Timestamp: base.Add(20 * time.Second)},
		{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 30, Timestamp: base.Add(70 * time.Second)},
		{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 40, Timestamp: base.Add(-time.Second)},
		{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 50, Timestamp: base.Add(3 * time.Minute)},
	}
	buckets := Aggregate(observations, base, base.Add(2*time.Minute), "")
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	if buckets[0].TimeWindow != base.Add(time.Minute) || buckets[0].Endpoint != "/a" {
		t.Fatalf("expected newest bucket first, got %v %s", buckets[0].TimeWindow, buckets[0].Endpoint)
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i].TimeWindow.After(buckets[i-1].TimeWindow) {
			t.Fatalf("buckets not sorted descending at %d", i)
		}
	}
	for _, b := range buckets {
		if b.Endpoint == "/b" && b.ErrorCount != 1 {
			t.Fatalf("expected 4xx to count as error, got %d", b.ErrorCount)
		}
		if b.RequestCount < b.ErrorCount || *b.P95ResponseTimeMS > *b.P99ResponseTimeMS {
			t.Fatalf("bucket invariants violated: %+v", b)
		}
	}
}

func TestAggregateEndpointFilter(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	observations := []domain.TrafficObservation{
		{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 10, Timestamp: base},
		{Endpoint: "/b", StatusCode: 200, ResponseTimeMS: 20, Timestamp: base},
		{Endpoint: "/a", StatusCode: 500, ResponseTimeMS: 30, Timestamp: base.Add(5 * time.Second)},
	}
	buckets := Aggregate(observations, base, base.Add(time.Minute), "/a")
	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}
	if buckets[0].Endpoint != "/a" || buckets[0].RequestCount != 2 || buckets[0].ErrorCount != 1 {
		t.Fatalf("unexpected filtered bucket %+v", buckets[0])
	}
}

func TestAggregateRangeBoundsAreInclusive(t *testing.T) {
	start := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute)
	observations := []domain.TrafficObservation{
		{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 10, Timestamp: start.Add(-time.Nanosecond)},
		{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 20, Timestamp: start},
		{Endpoint: "/a", StatusCode: 500, ResponseTimeMS: 30, Timestamp: end},
		{Endpoint: "/a", StatusCode: 200, ResponseTimeMS: 40, Timestamp: end.Add(time.Nanosecond)},
	}
	buckets := Aggregate(observations, start, end, "")
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %+v", buckets)
	}
	if buckets[0].TimeWindow != end || buckets[0].RequestCount != 1 || buckets[0].ErrorCount != 1 {
		t.Fatalf("expected observation at end included in its own bucket, got %+v", buckets[0])
	}
	if buckets[0].AvgResponseTimeMS != 30 {
		t.Fatalf("expected observation past end excluded, got avg %v", buckets[0].AvgResponseTimeMS)
	}
	if buckets[1].TimeWindow != start || buckets[1].RequestCount != 1 || buckets[1].AvgResponseTimeMS != 20 {
		t.Fatalf("expected only the observation at start in the first bucket, got %+v", buckets[1])
	}
}

func TestAggregateEmpty(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	buckets := Aggregate(nil, base, base.Add(time.Hour), "")
	if buckets == nil || len(buckets) != 0 {
		t.Fatalf("expected empty non-nil result, got %v", buckets)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := make([]float64, 100)
	for i := range sorted {
		sorted[i] = float64(i + 1)
	}
	if got := Percentile(sorted, 0.95); got != 96 {
		t.Fatalf("expected p95 96, got %v", got)
	}
	if got := Percentile(sorted, 0.99); got != 100 {
		t.Fatalf("expected p99 100, got %v", got)
	}
	if got := Percentile([]float64{7}, 0.99); got != 7 {
		t.Fatalf("expected single sample, got %v", got)
	}
	if got := Percentile(nil, 0.5); got != 0 {
		t.Fatalf("expected 0 for empty input, got %v", got)
	}
}

func assertFloatPtrEqual(t *testing.T, value *float64, expected float64, field string) {
	t.Helper()
	if value == nil {
		t.Fatalf("expected %s to be set", field)
	}
	if math.Abs(*value-expected) > 1e-6 {
		t.Fatalf("expected %s %.3f, got %.3f", field, expected, *value)
	}
}
