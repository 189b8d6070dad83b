package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
	"github.com/jmccormack1717/SecuraFlow/internal/repository"
)

const (
	recentAnomalyLimit = 1000
	trafficSampleLimit = 5000
	defaultHistory     = 10
	maxHistory         = 100

	slowResponseMS      = 2000
	largeRequestBytes   = 10_000_000
	largeResponseBytes  = 50_000_000
	defaultModelVersion = "v1"
)

var (
	// ErrNoAnomalies is returned when there are no stored anomalies to evaluate.
	ErrNoAnomalies = errors.New("evaluation: no anomalies found")
	// ErrNoTraffic is returned when no traffic falls inside the evaluation range.
	ErrNoTraffic = errors.New("evaluation: no traffic available")
)

// Service scores stored detector output against observed outcomes.
type Service struct {
	anomalies    repository.AnomalyRepository
	traffic      repository.TrafficRepository
	results      repository.EvaluationRepository
	modelVersion string
	threshold    float64
	logger       *slog.Logger
	now          func() time.Time
}

// NewService constructs a Service. threshold is recorded with each evaluation.
func NewService(anomalies repository.AnomalyRepository, traffic repository.TrafficRepository, results repository.EvaluationRepository, modelVersion string, threshold float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if modelVersion == "" {
		modelVersion = defaultModelVersion
	}
	return &Service{
		anomalies:    anomalies,
		traffic:      traffic,
		results:      results,
		modelVersion: modelVersion,
		threshold:    threshold,
		logger:       logger.With("component", "evaluation"),
		now:          time.Now,
	}
}

// Evaluate compares the latest anomalies with a heuristic ground truth over
// traffic since the oldest of them and stores the resulting confusion matrix.
func (s *Service) Evaluate(ctx context.Context) (*domain.ModelPerformance, error) {
	recent, err := s.anomalies.ListRecentAnomalies(ctx, recentAnomalyLimit)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	if len(recent) == 0 {
		return nil, ErrNoAnomalies
	}

	scores := make(map[int64]float64, len(recent))
	oldest := recent[0].DetectedAt
	for _, a := range recent {
		if a.DetectedAt.Before(oldest) {
			oldest = a.DetectedAt
		}
		if a.TrafficLogID == nil {
			continue
		}
		if _, seen := scores[*a.TrafficLogID]; !seen {
			scores[*a.TrafficLogID] = a.Score
		}
	}

	end := s.now().UTC()
	if oldest.After(end) {
		end = oldest
	}
	logs, err := s.traffic.ListTrafficInRange(ctx, oldest, end, "", trafficSampleLimit)
	if err != nil {
		return nil, fmt.Errorf("list traffic: %w", err)
	}

	perf := Score(logs, scores)
	if perf.TotalPredictions == 0 {
		return nil, ErrNoTraffic
	}
	perf.ModelVersion = s.modelVersion
	perf.EvaluationDate = s.now().UTC()
	perf.ThresholdUsed = s.threshold

	if err := s.results.InsertModelPerformance(ctx, &perf); err != nil {
		return nil, fmt.Errorf("store evaluation: %w", err)
	}
	s.logger.Info("model evaluated",
		"total", perf.TotalPredictions,
		"precision", perf.Precision,
		"recall", perf.Recall,
		"f1", perf.F1Score,
	)
	return &perf, nil
}

// History returns the latest evaluations, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]domain.ModelPerformance, error) {
	if limit <= 0 {
		limit = defaultHistory
	}
	if limit > maxHistory {
		limit = maxHistory
	}
	return s.results.ListModelPerformance(ctx, limit)
}

// Score builds a confusion matrix for logs given the anomaly score recorded
// per flagged traffic id.
func Score(logs []domain.TrafficObservation, flagged map[int64]float64) domain.ModelPerformance {
	var (
		perf       domain.ModelPerformance
		totalScore float64
	)
	for _, log := range logs {
		truth := IsTrueAnomaly(log)
		score, predicted := flagged[log.ID]
		switch {
		case predicted && truth:
			perf.TruePositives++
		case predicted:
			perf.FalsePositives++
		case truth:
			perf.FalseNegatives++
		default:
			perf.TrueNegatives++
		}
		if predicted {
			totalScore += score
		}
	}
	tp := float64(perf.TruePositives)
	fp := float64(perf.FalsePositives)
	fn := float64(perf.FalseNegatives)
	tn := float64(perf.TrueNegatives)
	perf.TotalPredictions = int64(len(logs))

	if tp+fp > 0 {
		perf.Precision = tp / (tp + fp)
		perf.AvgAnomalyScore = totalScore / (tp + fp)
	}
	if tp+fn > 0 {
		perf.Recall = tp / (tp + fn)
	}
	if perf.Precision+perf.Recall > 0 {
		perf.F1Score = 2 * perf.Precision * perf.Recall / (perf.Precision + perf.Recall)
	}
	if total := tp + fp + fn + tn; total > 0 {
		perf.Accuracy = (tp + tn) / total
	}
	return perf
}

// IsTrueAnomaly is the ground-truth heuristic used for evaluation.
func IsTrueAnomaly(obs domain.TrafficObservation) bool {
	return obs.StatusCode >= 500 ||
		obs.ResponseTimeMS > slowResponseMS ||
		obs.RequestSize() > largeRequestBytes ||
		obs.ResponseSize() > largeResponseBytes
}
