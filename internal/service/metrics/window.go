package metrics

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

const defaultWindowSamples = 512

type windowBucket struct {
	count        int64
	errorCount   int64
	latencySum   float64
	latencyCount int64
	latencies    []float64
}

// Window accumulates ingested observations into span-aligned buckets per
// endpoint until they are flushed. Latency samples per bucket are bounded by
// reservoir replacement, so percentiles of very busy buckets are estimates.
type Window struct {
	mu         sync.Mutex
	span       time.Duration
	maxSamples int
	buckets    map[aggregateKey]*windowBucket
	now        func() time.Time
	random     *rand.Rand
}

// NewWindow builds a Window. Non-positive arguments fall back to defaults.
func NewWindow(span time.Duration, maxSamples int, now func() time.Time) *Window {
	if span <= 0 {
		span = BucketSpan
	}
	if maxSamples <= 0 {
		maxSamples = defaultWindowSamples
	}
	if now == nil {
		now = time.Now
	}
	return &Window{
		span:       span,
		maxSamples: maxSamples,
		buckets:    make(map[aggregateKey]*windowBucket),
		now:        now,
		random:     rand.New(rand.NewSource(now().UnixNano())),
	}
}

// Span returns the bucket width.
func (w *Window) Span() time.Duration {
	if w == nil {
		return 0
	}
	return w.span
}

// Add records one observation.
func (w *Window) Add(obs domain.TrafficObservation) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	key := aggregateKey{
		start:    obs.Timestamp.UTC().Truncate(w.span),
		endpoint: strings.TrimSpace(obs.Endpoint),
	}
	bucket := w.buckets[key]
	if bucket == nil {
		bucket = &windowBucket{}
		w.buckets[key] = bucket
	}
	bucket.count++
	if obs.IsError() {
		bucket.errorCount++
	}
	lat := float64(obs.ResponseTimeMS)
	bucket.latencyCount++
	bucket.latencySum += lat
	if len(bucket.latencies) < w.maxSamples {
		bucket.latencies = append(bucket.latencies, lat)
	} else {
		bucket.latencies[w.random.Intn(w.maxSamples)] = lat
	}
}

// FlushBefore removes and returns buckets that closed at or before cutoff.
func (w *Window) FlushBefore(cutoff time.Time) []domain.MetricBucket {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buckets) == 0 {
		return nil
	}
	now := w.now()
	out := make([]domain.MetricBucket, 0)
	for key, bucket := range w.buckets {
		if key.start.Add(w.span).After(cutoff) {
			continue
		}
		out = append(out, bucket.toMetric(key, w.span, now))
		delete(w.buckets, key)
	}
	return out
}

// FlushAll removes and returns every open bucket.
func (w *Window) FlushAll() []domain.MetricBucket {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buckets) == 0 {
		return nil
	}
	now := w.now()
	out := make([]domain.MetricBucket, 0, len(w.buckets))
	for key, bucket := range w.buckets {
		out = append(out, bucket.toMetric(key, w.span, now))
		delete(w.buckets, key)
	}
	return out
}

func (b *windowBucket) toMetric(key aggregateKey, span time.Duration, now time.Time) domain.MetricBucket {
	m := domain.MetricBucket{
		TimeWindow:   key.start,
		Span:         span,
		Endpoint:     key.endpoint,
		RequestCount: b.count,
		ErrorCount:   b.errorCount,
		UpdatedAt:    now,
	}
	if b.latencyCount > 0 {
		m.AvgResponseTimeMS = b.latencySum / float64(b.latencyCount)
	}
	if len(b.latencies) > 0 {
		sorted := append([]float64(nil), b.latencies...)
		sort.Float64s(sorted)
		p95 := Percentile(sorted, 0.95)
		p99 := Percentile(sorted, 0.99)
		m.P95ResponseTimeMS = &p95
		m.P99ResponseTimeMS = &p99
	}
	return m
}
