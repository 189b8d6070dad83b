package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

// InsertModelPerformance records one model evaluation.
func (r *Repository) InsertModelPerformance(ctx context.Context, perf *domain.ModelPerformance) error {
	if perf == nil {
		return fmt.Errorf("model performance required")
	}
	const query = `INSERT INTO model_performance (
		model_version,
		evaluation_date,
		total_predictions,
		true_positives,
		false_positives,
		true_negatives,
		false_negatives,
		precision_score,
		recall_score,
		f1_score,
		accuracy,
		auc_roc,
		avg_anomaly_score,
		threshold_used
	) VALUES (
		$1,COALESCE($2, NOW()),$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	) RETURNING id, evaluation_date`
	err := r.pool.QueryRow(ctx, query,
		perf.ModelVersion,
		nilTime(perf.EvaluationDate),
		perf.TotalPredictions,
		perf.TruePositives,
		perf.FalsePositives,
		perf.TrueNegatives,
		perf.FalseNegatives,
		perf.Precision,
		perf.Recall,
		perf.F1Score,
		perf.Accuracy,
		floatPtrToNil(perf.AUCROC),
		perf.AvgAnomalyScore,
		perf.ThresholdUsed,
	).Scan(&perf.ID, &perf.EvaluationDate)
	return mapPgError(err)
}

// ListModelPerformance returns evaluations, newest first.
func (r *Repository) ListModelPerformance(ctx context.Context, limit int) ([]domain.ModelPerformance, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `SELECT
		id,
		model_version,
		evaluation_date,
		total_predictions,
		true_positives,
		false_positives,
		true_negatives,
		false_negatives,
		precision_score,
		recall_score,
		f1_score,
		accuracy,
		auc_roc,
		avg_anomaly_score,
		threshold_used
	FROM model_performance
	ORDER BY evaluation_date DESC, id DESC
	LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.ModelPerformance, 0)
	for rows.Next() {
		var (
			p      domain.ModelPerformance
			aucROC sql.NullFloat64
		)
		if err := rows.Scan(
			&p.ID,
			&p.ModelVersion,
			&p.EvaluationDate,
			&p.TotalPredictions,
			&p.TruePositives,
			&p.FalsePositives,
			&p.TrueNegatives,
			&p.FalseNegatives,
			&p.Precision,
			&p.Recall,
			&p.F1Score,
			&p.Accuracy,
			&aucROC,
			&p.AvgAnomalyScore,
			&p.ThresholdUsed,
		); err != nil {
			return nil, err
		}
		if aucROC.Valid {
			value := aucROC.Float64
			p.AUCROC = &value
		}
		results = append(results, p)
	}
	return results, rows.Err()
}
