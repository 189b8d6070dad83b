package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

// UpsertMetricBuckets writes streaming rollups. A bucket flushed more than
// once is merged into the stored row: counts add up, the average is
// re-weighted and percentiles keep the larger value.
func (r *Repository) UpsertMetricBuckets(ctx context.Context, buckets []domain.MetricBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	const query = `INSERT INTO metric_buckets (
		time_window,
		span_seconds,
		endpoint,
		request_count,
		avg_response_time_ms,
		error_count,
		p95_response_time_ms,
		p99_response_time_ms,
		updated_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,NOW()
	) ON CONFLICT (time_window, span_seconds, endpoint)
	DO UPDATE SET
		avg_response_time_ms = (metric_buckets.avg_response_time_ms * metric_buckets.request_count
			+ EXCLUDED.avg_response_time_ms * EXCLUDED.request_count)
			/ NULLIF(metric_buckets.request_count + EXCLUDED.request_count, 0),
		request_count = metric_buckets.request_count + EXCLUDED.request_count,
		error_count = metric_buckets.error_count + EXCLUDED.error_count,
		p95_response_time_ms = GREATEST(metric_buckets.p95_response_time_ms, EXCLUDED.p95_response_time_ms),
		p99_response_time_ms = GREATEST(metric_buckets.p99_response_time_ms, EXCLUDED.p99_response_time_ms),
		updated_at = NOW()`
	batch := &pgx.Batch{}
	for _, bucket := range buckets {
		spanSeconds := int(bucket.Span.Seconds())
		if spanSeconds <= 0 {
			spanSeconds = 60
		}
		batch.Queue(query,
			bucket.TimeWindow.UTC(),
			spanSeconds,
			bucket.Endpoint,
			bucket.RequestCount,
			bucket.AvgResponseTimeMS,
			bucket.ErrorCount,
			floatPtrToNil(bucket.P95ResponseTimeMS),
			floatPtrToNil(bucket.P99ResponseTimeMS),
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range buckets {
		if _, err := br.Exec(); err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

// ListMetricBuckets returns persisted rollups in [start, end], newest first.
func (r *Repository) ListMetricBuckets(ctx context.Context, start, end time.Time, endpoint string, limit int) ([]domain.MetricBucket, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT
		time_window,
		span_seconds,
		endpoint,
		request_count,
		avg_response_time_ms,
		error_count,
		p95_response_time_ms,
		p99_response_time_ms,
		updated_at
	FROM metric_buckets
	WHERE time_window >= $1 AND time_window <= $2 AND ($3 = '' OR endpoint = $3)
	ORDER BY time_window DESC, endpoint
	LIMIT $4`
	rows, err := r.pool.Query(ctx, query, start.UTC(), end.UTC(), strings.TrimSpace(endpoint), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make([]domain.MetricBucket, 0)
	for rows.Next() {
		var (
			b           domain.MetricBucket
			spanSeconds int
			p95, p99    sql.NullFloat64
		)
		if err := rows.Scan(
			&b.TimeWindow,
			&spanSeconds,
			&b.Endpoint,
			&b.RequestCount,
			&b.AvgResponseTimeMS,
			&b.ErrorCount,
			&p95,
			&p99,
			&b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if spanSeconds > 0 {
			b.Span = time.Duration(spanSeconds) * time.Second
		}
		if p95.Valid {
			value := p95.Float64
			b.P95ResponseTimeMS = &value
		}
		if p99.Valid {
			value := p99.Float64
			b.P99ResponseTimeMS = &value
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
