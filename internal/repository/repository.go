package repository

import (
	"context"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// TrafficRepository stores traffic observations and the anomalies raised for them.
type TrafficRepository interface {
	// InsertTraffic stores obs and, when anomaly is non-nil, the linked anomaly
	// record in a single transaction. IDs are written back into both.
	InsertTraffic(ctx context.Context, obs *domain.TrafficObservation, anomaly *domain.AnomalyRecord) error
	ListTrafficInRange(ctx context.Context, start, end time.Time, endpoint string, limit int) ([]domain.TrafficObservation, error)
	Stats(ctx context.Context, since time.Time) (domain.TrafficStats, error)
}

// AnomalyRepository lists and updates detected anomalies.
type AnomalyRepository interface {
	ListAnomalies(ctx context.Context, filter domain.AnomalyFilter) ([]domain.AnomalyRecord, int64, error)
	ListRecentAnomalies(ctx context.Context, limit int) ([]domain.AnomalyRecord, error)
	ResolveAnomaly(ctx context.Context, id int64) error
}

// MetricRepository persists streaming metric rollups.
type MetricRepository interface {
	UpsertMetricBuckets(ctx context.Context, buckets []domain.MetricBucket) error
	ListMetricBuckets(ctx context.Context, start, end time.Time, endpoint string, limit int) ([]domain.MetricBucket, error)
}

// EvaluationRepository stores model performance evaluations.
type EvaluationRepository interface {
	InsertModelPerformance(ctx context.Context, perf *domain.ModelPerformance) error
	ListModelPerformance(ctx context.Context, limit int) ([]domain.ModelPerformance, error)
}
