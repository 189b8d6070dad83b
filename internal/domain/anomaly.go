package domain

import "time"

// AnomalyType labels the kind of anomaly a verdict describes.
type AnomalyType string

const (
	AnomalyNormal            AnomalyType = "normal"
	AnomalyServerError       AnomalyType = "server_error"
	AnomalyClientError       AnomalyType = "client_error"
	AnomalyResponseTimeSpike AnomalyType = "response_time_spike"
	AnomalyLargeRequest      AnomalyType = "large_request"
	AnomalyLargeResponse     AnomalyType = "large_response"
	AnomalyPattern           AnomalyType = "pattern_anomaly"
)

// ScorePath records which scoring strategy produced a verdict.
type ScorePath string

const (
	ScorePathModel    ScorePath = "model"
	ScorePathFallback ScorePath = "fallback"
)

// AnomalyVerdict is the detector output for one feature vector.
type AnomalyVerdict struct {
	Score     float64
	IsAnomaly bool
	Type      AnomalyType
	Path      ScorePath
}

// AnomalyRecord is a persisted anomaly attached to a traffic observation.
type AnomalyRecord struct {
	ID           int64
	TrafficLogID *int64
	DetectedAt   time.Time
	Score        float64
	Type         AnomalyType
	Features     map[string]float64
	IsResolved   bool
	CreatedAt    time.Time
	Traffic      *TrafficObservation
}

// AnomalyFilter narrows anomaly listings.
type AnomalyFilter struct {
	Resolved *bool
	Limit    int
	Offset   int
}
