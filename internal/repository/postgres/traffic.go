package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

// InsertTraffic stores a traffic observation and, when present, its anomaly
// record atomically.
func (r *Repository) InsertTraffic(ctx context.Context, obs *domain.TrafficObservation, anomaly *domain.AnomalyRecord) error {
	if obs == nil {
		return fmt.Errorf("traffic observation required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const trafficInsert = `INSERT INTO traffic_logs (
		timestamp,
		endpoint,
		method,
		status_code,
		response_time_ms,
		request_size_bytes,
		response_size_bytes,
		ip_address,
		user_agent
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	) RETURNING id, created_at`
	if err := tx.QueryRow(ctx, trafficInsert,
		obs.Timestamp.UTC(),
		obs.Endpoint,
		obs.Method,
		obs.StatusCode,
		obs.ResponseTimeMS,
		int64PtrToNil(obs.RequestSizeBytes),
		int64PtrToNil(obs.ResponseSizeBytes),
		nilIfEmpty(obs.ClientIP),
		nilIfEmpty(obs.UserAgent),
	).Scan(&obs.ID, &obs.CreatedAt); err != nil {
		return mapPgError(err)
	}

	if anomaly != nil {
		var features []byte
		if len(anomaly.Features) > 0 {
			features, err = json.Marshal(anomaly.Features)
			if err != nil {
				return fmt.Errorf("encode feature snapshot: %w", err)
			}
		}
		trafficID := obs.ID
		anomaly.TrafficLogID = &trafficID
		detectedAt := anomaly.DetectedAt
		if detectedAt.IsZero() {
			detectedAt = obs.Timestamp
		}
		const anomalyInsert = `INSERT INTO anomalies (
			traffic_log_id,
			detected_at,
			anomaly_score,
			anomaly_type,
			features,
			is_resolved
		) VALUES (
			$1,$2,$3,$4,$5,$6
		) RETURNING id, detected_at, created_at`
		if err := tx.QueryRow(ctx, anomalyInsert,
			trafficID,
			detectedAt.UTC(),
			anomaly.Score,
			string(anomaly.Type),
			features,
			anomaly.IsResolved,
		).Scan(&anomaly.ID, &anomaly.DetectedAt, &anomaly.CreatedAt); err != nil {
			return mapPgError(err)
		}
	}

	return tx.Commit(ctx)
}

// ListTrafficInRange returns observations with timestamps in [start, end], newest first.
func (r *Repository) ListTrafficInRange(ctx context.Context, start, end time.Time, endpoint string, limit int) ([]domain.TrafficObservation, error) {
	if limit <= 0 {
		limit = 10000
	}
	const query = `SELECT
		id,
		timestamp,
		endpoint,
		method,
		status_code,
		response_time_ms,
		request_size_bytes,
		response_size_bytes,
		ip_address,
		user_agent,
		created_at
	FROM traffic_logs
	WHERE timestamp >= $1 AND timestamp <= $2 AND ($3 = '' OR endpoint = $3)
	ORDER BY timestamp DESC, id DESC
	LIMIT $4`
	rows, err := r.pool.Query(ctx, query, start.UTC(), end.UTC(), strings.TrimSpace(endpoint), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	observations := make([]domain.TrafficObservation, 0)
	for rows.Next() {
		obs, err := scanTraffic(rows)
		if err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// Stats summarises traffic recorded since the given time.
func (r *Repository) Stats(ctx context.Context, since time.Time) (domain.TrafficStats, error) {
	const query = `SELECT
		COUNT(1),
		COUNT(1) FILTER (WHERE status_code >= 400),
		COALESCE(AVG(response_time_ms), 0),
		(SELECT COUNT(1) FROM anomalies WHERE detected_at >= $1)
	FROM traffic_logs
	WHERE timestamp >= $1`
	stats := domain.TrafficStats{WindowStart: since.UTC(), WindowEnd: time.Now().UTC()}
	if err := r.pool.QueryRow(ctx, query, since.UTC()).Scan(
		&stats.TotalRequests,
		&stats.ErrorCount,
		&stats.AvgResponseTimeMS,
		&stats.TotalAnomalies,
	); err != nil {
		return domain.TrafficStats{}, err
	}
	return stats, nil
}

func scanTraffic(row pgx.Row) (domain.TrafficObservation, error) {
	var (
		obs       domain.TrafficObservation
		reqSize   sql.NullInt64
		respSize  sql.NullInt64
		ip        sql.NullString
		userAgent sql.NullString
	)
	if err := row.Scan(
		&obs.ID,
		&obs.Timestamp,
		&obs.Endpoint,
		&obs.Method,
		&obs.StatusCode,
		&obs.ResponseTimeMS,
		&reqSize,
		&respSize,
		&ip,
		&userAgent,
		&obs.CreatedAt,
	); err != nil {
		return domain.TrafficObservation{}, err
	}
	if reqSize.Valid {
		value := reqSize.Int64
		obs.RequestSizeBytes = &value
	}
	if respSize.Valid {
		value := respSize.Int64
		obs.ResponseSizeBytes = &value
	}
	obs.ClientIP = ip.String
	obs.UserAgent = userAgent.String
	return obs, nil
}
