package httpx

import (
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

func marshalUser(user *domain.User) map[string]any {
	return map[string]any{
		"id":         user.ID,
		"email":      user.Email,
		"username":   user.Username,
		"is_active":  user.IsActive,
		"created_at": user.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func marshalAnomaly(record domain.AnomalyRecord) map[string]any {
	item := map[string]any{
		"id":             record.ID,
		"traffic_log_id": record.TrafficLogID,
		"detected_at":    record.DetectedAt.UTC().Format(time.RFC3339Nano),
		"anomaly_score":  record.Score,
		"anomaly_type":   record.Type,
		"features":       record.Features,
		"is_resolved":    record.IsResolved,
		"traffic_log":    nil,
	}
	if t := record.Traffic; t != nil {
		item["traffic_log"] = map[string]any{
			"id":               t.ID,
			"endpoint":         t.Endpoint,
			"method":           t.Method,
			"status_code":      t.StatusCode,
			"response_time_ms": t.ResponseTimeMS,
			"timestamp":        t.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return item
}

func marshalBuckets(buckets []domain.MetricBucket) []map[string]any {
	out := make([]map[string]any, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, map[string]any{
			"time_window":          b.TimeWindow.UTC().Format(time.RFC3339Nano),
			"span_seconds":         int(b.Span / time.Second),
			"endpoint":             b.Endpoint,
			"request_count":        b.RequestCount,
			"avg_response_time_ms": b.AvgResponseTimeMS,
			"error_count":          b.ErrorCount,
			"p95_response_time_ms": b.P95ResponseTimeMS,
			"p99_response_time_ms": b.P99ResponseTimeMS,
		})
	}
	return out
}

func marshalPerformance(perf domain.ModelPerformance) map[string]any {
	return map[string]any{
		"id":                perf.ID,
		"model_version":     perf.ModelVersion,
		"evaluation_date":   perf.EvaluationDate.UTC().Format(time.RFC3339Nano),
		"total_predictions": perf.TotalPredictions,
		"true_positives":    perf.TruePositives,
		"false_positives":   perf.FalsePositives,
		"true_negatives":    perf.TrueNegatives,
		"false_negatives":   perf.FalseNegatives,
		"precision":         perf.Precision,
		"recall":            perf.Recall,
		"f1_score":          perf.F1Score,
		"accuracy":          perf.Accuracy,
		"auc_roc":           perf.AUCROC,
		"avg_anomaly_score": perf.AvgAnomalyScore,
		"threshold_used":    perf.ThresholdUsed,
	}
}
