package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
	"github.com/jmccormack1717/SecuraFlow/internal/repository"
	"github.com/jmccormack1717/SecuraFlow/internal/service/features"
	"github.com/jmccormack1717/SecuraFlow/internal/ws"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// ErrInvalidObservation is returned when an observation fails validation.
var ErrInvalidObservation = errors.New("traffic: invalid observation")

// Predictor scores feature vectors.
type Predictor interface {
	Predict(vec domain.FeatureVector) domain.AnomalyVerdict
}

// Observer receives every stored observation.
type Observer interface {
	Observe(obs domain.TrafficObservation)
}

// Broadcaster fans anomaly payloads out to live subscribers.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// IngestResult describes the outcome of one ingestion.
type IngestResult struct {
	TrafficID int64
	AnomalyID int64
	Verdict   domain.AnomalyVerdict
}

// Service ingests traffic observations, scores them and stores any anomalies.
type Service struct {
	traffic   repository.TrafficRepository
	anomalies repository.AnomalyRepository
	detector  Predictor
	recent    *features.RecentWindow
	metrics   Observer
	hub       Broadcaster
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a Service. metrics and hub may be nil.
func NewService(traffic repository.TrafficRepository, anomalies repository.AnomalyRepository, detector Predictor, metrics Observer, hub Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		traffic:   traffic,
		anomalies: anomalies,
		detector:  detector,
		recent:    features.NewRecentWindow(time.Minute, 0),
		metrics:   metrics,
		hub:       hub,
		logger:    logger.With("component", "traffic"),
		now:       time.Now,
	}
}

// Ingest validates, scores and persists obs. The observation and its anomaly
// record, if any, are stored together.
func (s *Service) Ingest(ctx context.Context, obs domain.TrafficObservation) (IngestResult, error) {
	if err := normalise(&obs); err != nil {
		return IngestResult{}, err
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = s.now().UTC()
	} else {
		obs.Timestamp = obs.Timestamp.UTC()
	}

	recent := s.recent.Context(obs.Endpoint, obs.Timestamp)
	vec := features.Extract(obs, &recent, obs.Timestamp)
	verdict := s.detector.Predict(vec)

	var anomaly *domain.AnomalyRecord
	if verdict.IsAnomaly {
		anomaly = &domain.AnomalyRecord{
			DetectedAt: obs.Timestamp,
			Score:      verdict.Score,
			Type:       verdict.Type,
			Features:   vec.Map(),
		}
	}
	if err := s.traffic.InsertTraffic(ctx, &obs, anomaly); err != nil {
		return IngestResult{}, fmt.Errorf("store traffic: %w", err)
	}
	s.recent.Observe(obs)
	if s.metrics != nil {
		s.metrics.Observe(obs)
	}

	result := IngestResult{TrafficID: obs.ID, Verdict: verdict}
	if anomaly != nil {
		result.AnomalyID = anomaly.ID
		anomaly.Traffic = &obs
		s.logger.Info("anomaly detected",
			"anomaly_id", anomaly.ID,
			"endpoint", obs.Endpoint,
			"type", verdict.Type,
			"score", verdict.Score,
			"path", verdict.Path,
		)
		s.broadcast(*anomaly)
	}
	return result, nil
}

// ListAnomalies returns anomalies newest first together with the total match count.
func (s *Service) ListAnomalies(ctx context.Context, filter domain.AnomalyFilter) ([]domain.AnomalyRecord, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.anomalies.ListAnomalies(ctx, filter)
}

// ResolveAnomaly marks an anomaly resolved.
func (s *Service) ResolveAnomaly(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: anomaly id must be positive", repository.ErrInvalidArgument)
	}
	if err := s.anomalies.ResolveAnomaly(ctx, id); err != nil {
		return err
	}
	s.logger.Info("anomaly resolved", "anomaly_id", id)
	return nil
}

func normalise(obs *domain.TrafficObservation) error {
	obs.Endpoint = strings.TrimSpace(obs.Endpoint)
	obs.Method = strings.ToUpper(strings.TrimSpace(obs.Method))
	obs.ClientIP = strings.TrimSpace(obs.ClientIP)
	switch {
	case obs.Endpoint == "":
		return fmt.Errorf("%w: endpoint required", ErrInvalidObservation)
	case obs.Method == "":
		return fmt.Errorf("%w: method required", ErrInvalidObservation)
	case obs.StatusCode < 100 || obs.StatusCode > 599:
		return fmt.Errorf("%w: status_code must be between 100 and 599", ErrInvalidObservation)
	case obs.ResponseTimeMS < 0:
		return fmt.Errorf("%w: response_time_ms must be non-negative", ErrInvalidObservation)
	case obs.RequestSizeBytes != nil && *obs.RequestSizeBytes < 0:
		return fmt.Errorf("%w: request_size_bytes must be non-negative", ErrInvalidObservation)
	case obs.ResponseSizeBytes != nil && *obs.ResponseSizeBytes < 0:
		return fmt.Errorf("%w: response_size_bytes must be non-negative", ErrInvalidObservation)
	}
	return nil
}

func (s *Service) broadcast(record domain.AnomalyRecord) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalAnomaly(record)
	if err != nil {
		s.logger.Warn("failed to marshal anomaly", "error", err)
		return
	}
	s.hub.Broadcast(ws.TopicAnomalies, payload)
}

// MarshalAnomaly encodes an anomaly for SSE/WebSocket clients.
func MarshalAnomaly(record domain.AnomalyRecord) ([]byte, error) {
	payload := map[string]any{
		"id":             record.ID,
		"traffic_log_id": record.TrafficLogID,
		"detected_at":    record.DetectedAt.UTC().Format(time.RFC3339Nano),
		"anomaly_score":  record.Score,
		"anomaly_type":   record.Type,
		"is_resolved":    record.IsResolved,
		"features":       record.Features,
	}
	if t := record.Traffic; t != nil {
		payload["traffic_log"] = map[string]any{
			"id":                  t.ID,
			"endpoint":            t.Endpoint,
			"method":              t.Method,
			"status_code":         t.StatusCode,
			"response_time_ms":    t.ResponseTimeMS,
			"request_size_bytes":  t.RequestSizeBytes,
			"response_size_bytes": t.ResponseSizeBytes,
			"ip_address":          t.ClientIP,
			"timestamp":           t.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return json.Marshal(payload)
}
