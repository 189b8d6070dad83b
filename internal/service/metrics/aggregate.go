package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

// BucketSpan is the width of an aggregation window.
const BucketSpan = time.Minute

type aggregateKey struct {
	start    time.Time
	endpoint string
}

type aggregateBucket struct {
	count      int64
	errorCount int64
	latencies  []float64
}

// Aggregate groups observations with timestamps in [start, end] into
// per-minute buckets. Without an endpoint filter there is one bucket series
// per endpoint; with a filter, buckets are keyed by minute alone and carry the
// filter value as their endpoint. Buckets are returned newest first.
func Aggregate(observations []domain.TrafficObservation, start, end time.Time, endpoint string) []domain.MetricBucket {
	buckets := make(map[aggregateKey]*aggregateBucket)
	for _, obs := range observations {
		if obs.Timestamp.Before(start) || obs.Timestamp.After(end) {
			continue
		}
		if endpoint != "" && obs.Endpoint != endpoint {
			continue
		}
		key := aggregateKey{start: obs.Timestamp.Truncate(BucketSpan), endpoint: endpoint}
		if endpoint == "" {
			key.endpoint = obs.Endpoint
		}
		bucket := buckets[key]
		if bucket == nil {
			bucket = &aggregateBucket{}
			buckets[key] = bucket
		}
		bucket.count++
		if obs.IsError() {
			bucket.errorCount++
		}
		bucket.latencies = append(bucket.latencies, float64(obs.ResponseTimeMS))
	}

	out := make([]domain.MetricBucket, 0, len(buckets))
	for key, bucket := range buckets {
		out = append(out, bucket.toMetric(key))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TimeWindow.Equal(out[j].TimeWindow) {
			return out[i].TimeWindow.After(out[j].TimeWindow)
		}
		return out[i].Endpoint < out[j].Endpoint
	})
	return out
}

func (b *aggregateBucket) toMetric(key aggregateKey) domain.MetricBucket {
	m := domain.MetricBucket{
		TimeWindow:   key.start,
		Span:         BucketSpan,
		Endpoint:     key.endpoint,
		RequestCount: b.count,
		ErrorCount:   b.errorCount,
	}
	if len(b.latencies) == 0 {
		return m
	}
	sum := 0.0
	for _, v := range b.latencies {
		sum += v
	}
	m.AvgResponseTimeMS = sum / float64(len(b.latencies))
	sorted := append([]float64(nil), b.latencies...)
	sort.Float64s(sorted)
	p95 := Percentile(sorted, 0.95)
	p99 := Percentile(sorted, 0.99)
	m.P95ResponseTimeMS = &p95
	m.P99ResponseTimeMS = &p99
	return m
}

// Percentile returns the nearest-rank value sorted[floor(len*p)] of an
// ascending slice, without interpolation.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Floor(float64(len(sorted)) * p))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
