package evaluation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

type stubAnomalyRepo struct {
	records []domain.AnomalyRecord
}

func (r *stubAnomalyRepo) ListAnomalies(context.Context, domain.AnomalyFilter) ([]domain.AnomalyRecord, int64, error) {
	return r.records, int64(len(r.records)), nil
}

func (r *stubAnomalyRepo) ListRecentAnomalies(_ context.Context, limit int) ([]domain.AnomalyRecord, error) {
	if len(r.records) > limit {
		return r.records[:limit], nil
	}
	return r.records, nil
}

func (r *stubAnomalyRepo) ResolveAnomaly(context.Context, int64) error { return nil }

type stubTrafficRepo struct {
	logs  []domain.TrafficObservation
	start time.Time
	limit int
}

func (r *stubTrafficRepo) InsertTraffic(context.Context, *domain.TrafficObservation, *domain.AnomalyRecord) error {
	return nil
}

func (r *stubTrafficRepo) ListTrafficInRange(_ context.Context, start, _ time.Time, _ string, limit int) ([]domain.TrafficObservation, error) {
	r.start = start
	r.limit = limit
	return r.logs, nil
}

func (r *stubTrafficRepo) Stats(context.Context, time.Time) (domain.TrafficStats, error) {
	return domain.TrafficStats{}, nil
}

type stubResultRepo struct {
	stored []domain.ModelPerformance
	limit  int
}

func (r *stubResultRepo) InsertModelPerformance(_ context.Context, perf *domain.ModelPerformance) error {
	perf.ID = int64(len(r.stored) + 1)
	r.stored = append(r.stored, *perf)
	return nil
}

func (r *stubResultRepo) ListModelPerformance(_ context.Context, limit int) ([]domain.ModelPerformance, error) {
	r.limit = limit
	return r.stored, nil
}

func int64Ptr(v int64) *int64 { return &v }

func newTestService(anomalies *stubAnomalyRepo, traffic *stubTrafficRepo, results *stubResultRepo) *Service {
	svc := NewService(anomalies, traffic, results, "v1", 0.6, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestEvaluateConfusionMatrix(t *testing.T) {
	base := time.Date(2025, 3, 4, 11, 0, 0, 0, time.UTC)
	anomalies := &stubAnomalyRepo{records: []domain.AnomalyRecord{
		{ID: 2, TrafficLogID: int64Ptr(2), Score: 0.8, DetectedAt: base.Add(2 * time.Minute)},
		{ID: 1, TrafficLogID: int64Ptr(1), Score: 0.9, DetectedAt: base},
	}}
	traffic := &stubTrafficRepo{logs: []domain.TrafficObservation{
		{ID: 1, StatusCode: 503},
		{ID: 2, StatusCode: 200, ResponseTimeMS: 50},
		{ID: 3, StatusCode: 200, ResponseTimeMS: 2500},
		{ID: 4, StatusCode: 200},
	}}
	results := &stubResultRepo{}
	svc := newTestService(anomalies, traffic, results)

	perf, err := svc.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !traffic.start.Equal(base) {
		t.Fatalf("expected range start at oldest anomaly %v, got %v", base, traffic.start)
	}
	if traffic.limit != 5000 {
		t.Fatalf("expected traffic limit 5000, got %d", traffic.limit)
	}
	if perf.TruePositives != 1 || perf.FalsePositives != 1 || perf.FalseNegatives != 1 || perf.TrueNegatives != 1 {
		t.Fatalf("unexpected confusion matrix %+v", perf)
	}
	if perf.Precision != 0.5 || perf.Recall != 0.5 || perf.F1Score != 0.5 || perf.Accuracy != 0.5 {
		t.Fatalf("expected all ratios 0.5, got %+v", perf)
	}
	if math.Abs(perf.AvgAnomalyScore-0.85) > 1e-9 {
		t.Fatalf("expected avg score 0.85, got %v", perf.AvgAnomalyScore)
	}
	if perf.ThresholdUsed != 0.6 || perf.ModelVersion != "v1" {
		t.Fatalf("unexpected metadata %+v", perf)
	}
	if len(results.stored) != 1 || perf.ID != 1 {
		t.Fatalf("expected evaluation to be stored")
	}
}

func TestEvaluateWithoutAnomalies(t *testing.T) {
	svc := newTestService(&stubAnomalyRepo{}, &stubTrafficRepo{}, &stubResultRepo{})
	if _, err := svc.Evaluate(context.Background()); !errors.Is(err, ErrNoAnomalies) {
		t.Fatalf("expected ErrNoAnomalies, got %v", err)
	}
}

func TestEvaluateWithoutTraffic(t *testing.T) {
	anomalies := &stubAnomalyRepo{records: []domain.AnomalyRecord{{ID: 1, Score: 0.7, DetectedAt: time.Date(2025, 3, 4, 11, 0, 0, 0, time.UTC)}}}
	results := &stubResultRepo{}
	svc := newTestService(anomalies, &stubTrafficRepo{}, results)
	if _, err := svc.Evaluate(context.Background()); !errors.Is(err, ErrNoTraffic) {
		t.Fatalf("expected ErrNoTraffic, got %v", err)
	}
	if len(results.stored) != 0 {
		t.Fatalf("expected nothing stored")
	}
}

func TestScoreZeroDenominators(t *testing.T) {
	perf := Score([]domain.TrafficObservation{{ID: 1, StatusCode: 200}}, nil)
	if perf.TrueNegatives != 1 || perf.Precision != 0 || perf.Recall != 0 || perf.F1Score != 0 {
		t.Fatalf("unexpected result %+v", perf)
	}
	if perf.Accuracy != 1 {
		t.Fatalf("expected accuracy 1, got %v", perf.Accuracy)
	}
}

func TestIsTrueAnomaly(t *testing.T) {
	cases := []struct {
		name string
		obs  domain.TrafficObservation
		want bool
	}{
		{"ok", domain.TrafficObservation{StatusCode: 200, ResponseTimeMS: 2000}, false},
		{"server error", domain.TrafficObservation{StatusCode: 500}, true},
		{"client error", domain.TrafficObservation{StatusCode: 404}, false},
		{"slow", domain.TrafficObservation{StatusCode: 200, ResponseTimeMS: 2001}, true},
		{"large request", domain.TrafficObservation{StatusCode: 200, RequestSizeBytes: int64Ptr(10_000_001)}, true},
		{"large response", domain.TrafficObservation{StatusCode: 200, ResponseSizeBytes: int64Ptr(50_000_001)}, true},
		{"big but under response cap", domain.TrafficObservation{StatusCode: 200, ResponseSizeBytes: int64Ptr(20_000_000)}, false},
	}
	for _, tc := range cases {
		if got := IsTrueAnomaly(tc.obs); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestHistoryClampsLimit(t *testing.T) {
	results := &stubResultRepo{}
	svc := newTestService(&stubAnomalyRepo{}, &stubTrafficRepo{}, results)
	if _, err := svc.History(context.Background(), 0); err != nil {
		t.Fatalf("history: %v", err)
	}
	if results.limit != 10 {
		t.Fatalf("expected default limit 10, got %d", results.limit)
	}
	if _, err := svc.History(context.Background(), 500); err != nil {
		t.Fatalf("history: %v", err)
	}
	if results.limit != 100 {
		t.Fatalf("expected limit capped at 100, got %d", results.limit)
	}
}
