package domain

import "time"

// MetricBucket aggregates traffic observed in one time window.
type MetricBucket struct {
	TimeWindow        time.Time
	Span              time.Duration
	Endpoint          string
	RequestCount      int64
	AvgResponseTimeMS float64
	ErrorCount        int64
	P95ResponseTimeMS *float64
	P99ResponseTimeMS *float64
	UpdatedAt         time.Time
}

// ModelPerformance is one evaluation of detector output against observed outcomes.
type ModelPerformance struct {
	ID               int64
	ModelVersion     string
	EvaluationDate   time.Time
	TotalPredictions int64
	TruePositives    int64
	FalsePositives   int64
	TrueNegatives    int64
	FalseNegatives   int64
	Precision        float64
	Recall           float64
	F1Score          float64
	Accuracy         float64
	AUCROC           *float64
	AvgAnomalyScore  float64
	ThresholdUsed    float64
}
