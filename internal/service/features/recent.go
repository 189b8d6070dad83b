package features

import (
	"sort"
	"sync"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

const (
	defaultRecentWindow    = time.Minute
	defaultRecentCapacity  = 1024
	defaultRecentEndpoints = 4096
)

type recentSample struct {
	at           time.Time
	responseTime float64
	isError      bool
}

// RecentWindow tracks per-endpoint traffic over a trailing window and derives
// the context features fed alongside each observation. Samples per endpoint
// are kept sorted by timestamp; idle endpoints are swept once per window and
// the number of tracked endpoints is capped.
type RecentWindow struct {
	mu           sync.Mutex
	window       time.Duration
	capacity     int
	maxEndpoints int
	samples      map[string][]recentSample
	lastSweep    time.Time
}

// NewRecentWindow builds a tracker. Non-positive arguments fall back to defaults.
func NewRecentWindow(window time.Duration, capacity int) *RecentWindow {
	if window <= 0 {
		window = defaultRecentWindow
	}
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	return &RecentWindow{
		window:       window,
		capacity:     capacity,
		maxEndpoints: defaultRecentEndpoints,
		samples:      make(map[string][]recentSample),
	}
}

// Context summarises traffic seen for endpoint within (now-window, now].
// Samples stamped after now are ignored.
func (w *RecentWindow) Context(endpoint string, now time.Time) domain.FeatureContext {
	if w == nil {
		return domain.FeatureContext{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.maybeSweep(now)
	samples := w.prune(endpoint, now)
	upper := sort.Search(len(samples), func(i int) bool { return samples[i].at.After(now) })
	samples = samples[:upper]
	if len(samples) == 0 {
		return domain.FeatureContext{}
	}
	var (
		sum    float64
		errors int
	)
	for _, s := range samples {
		sum += s.responseTime
		if s.isError {
			errors++
		}
	}
	n := float64(len(samples))
	return domain.FeatureContext{
		RecentAvgResponseTime: sum / n,
		RecentErrorRate:       float64(errors) / n,
		RecentRequestRate:     n / w.window.Seconds(),
	}
}

// Observe records obs under its endpoint, keeping samples in timestamp order.
func (w *RecentWindow) Observe(obs domain.TrafficObservation) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.maybeSweep(obs.Timestamp)
	newest := obs.Timestamp
	if prev := w.samples[obs.Endpoint]; len(prev) > 0 && prev[len(prev)-1].at.After(newest) {
		newest = prev[len(prev)-1].at
	}
	samples := w.prune(obs.Endpoint, newest)
	if !obs.Timestamp.After(w.cutoff(newest)) {
		return
	}
	sample := recentSample{
		at:           obs.Timestamp,
		responseTime: float64(obs.ResponseTimeMS),
		isError:      obs.IsError(),
	}
	idx := sort.Search(len(samples), func(i int) bool { return samples[i].at.After(sample.at) })
	samples = append(samples, recentSample{})
	copy(samples[idx+1:], samples[idx:])
	samples[idx] = sample
	if len(samples) > w.capacity {
		samples = samples[len(samples)-w.capacity:]
	}
	if _, tracked := w.samples[obs.Endpoint]; !tracked && len(w.samples) >= w.maxEndpoints {
		w.evictOldest()
	}
	w.samples[obs.Endpoint] = samples
}

// Endpoints reports how many endpoints currently hold samples.
func (w *RecentWindow) Endpoints() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

func (w *RecentWindow) cutoff(now time.Time) time.Time {
	return now.Add(-w.window)
}

// prune drops samples at or before now-window. Samples are sorted, so the
// expired ones form a prefix.
func (w *RecentWindow) prune(endpoint string, now time.Time) []recentSample {
	samples := w.samples[endpoint]
	cutoff := w.cutoff(now)
	idx := sort.Search(len(samples), func(i int) bool { return samples[i].at.After(cutoff) })
	if idx == 0 {
		return samples
	}
	if idx == len(samples) {
		delete(w.samples, endpoint)
		return nil
	}
	samples = append([]recentSample(nil), samples[idx:]...)
	w.samples[endpoint] = samples
	return samples
}

// maybeSweep removes every endpoint whose newest sample has expired, at most
// once per window of observed time.
func (w *RecentWindow) maybeSweep(now time.Time) {
	if !w.lastSweep.IsZero() && now.Sub(w.lastSweep) < w.window {
		return
	}
	w.lastSweep = now
	cutoff := w.cutoff(now)
	for endpoint, samples := range w.samples {
		if len(samples) == 0 || !samples[len(samples)-1].at.After(cutoff) {
			delete(w.samples, endpoint)
		}
	}
}

// evictOldest drops the endpoint whose newest sample is the oldest.
func (w *RecentWindow) evictOldest() {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for endpoint, samples := range w.samples {
		last := samples[len(samples)-1].at
		if !found || last.Before(oldest) {
			victim, oldest, found = endpoint, last, true
		}
	}
	if found {
		delete(w.samples, victim)
	}
}
