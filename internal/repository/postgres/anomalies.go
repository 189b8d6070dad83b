package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
	"github.com/jmccormack1717/SecuraFlow/internal/repository"
)

const anomalyColumns = `a.id,
		a.traffic_log_id,
		a.detected_at,
		a.anomaly_score,
		a.anomaly_type,
		a.features,
		a.is_resolved,
		a.created_at,
		t.id,
		t.timestamp,
		t.endpoint,
		t.method,
		t.status_code,
		t.response_time_ms,
		t.request_size_bytes,
		t.response_size_bytes,
		t.ip_address,
		t.user_agent,
		t.created_at`

// ListAnomalies returns anomalies matching the filter, newest first, with the
// total number of matching rows.
func (r *Repository) ListAnomalies(ctx context.Context, filter domain.AnomalyFilter) ([]domain.AnomalyRecord, int64, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	var resolved any
	if filter.Resolved != nil {
		resolved = *filter.Resolved
	}

	var total int64
	const countQuery = `SELECT COUNT(1) FROM anomalies WHERE ($1::boolean IS NULL OR is_resolved = $1::boolean)`
	if err := r.pool.QueryRow(ctx, countQuery, resolved).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + anomalyColumns + `
	FROM anomalies a
	LEFT JOIN traffic_logs t ON t.id = a.traffic_log_id
	WHERE ($1::boolean IS NULL OR a.is_resolved = $1::boolean)
	ORDER BY a.detected_at DESC, a.id DESC
	LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, resolved, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records, err := collectAnomalies(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListRecentAnomalies returns the most recently detected anomalies.
func (r *Repository) ListRecentAnomalies(ctx context.Context, limit int) ([]domain.AnomalyRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + anomalyColumns + `
	FROM anomalies a
	LEFT JOIN traffic_logs t ON t.id = a.traffic_log_id
	ORDER BY a.detected_at DESC, a.id DESC
	LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAnomalies(rows)
}

// ResolveAnomaly marks an anomaly as resolved.
func (r *Repository) ResolveAnomaly(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE anomalies SET is_resolved = TRUE WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func collectAnomalies(rows pgx.Rows) ([]domain.AnomalyRecord, error) {
	records := make([]domain.AnomalyRecord, 0)
	for rows.Next() {
		var (
			rec       domain.AnomalyRecord
			trafficID sql.NullInt64
			features  []byte

			tID        sql.NullInt64
			tTimestamp sql.NullTime
			tEndpoint  sql.NullString
			tMethod    sql.NullString
			tStatus    sql.NullInt32
			tLatency   sql.NullInt32
			tReqSize   sql.NullInt64
			tRespSize  sql.NullInt64
			tIP        sql.NullString
			tAgent     sql.NullString
			tCreated   sql.NullTime
			anomalyTyp string
		)
		if err := rows.Scan(
			&rec.ID,
			&trafficID,
			&rec.DetectedAt,
			&rec.Score,
			&anomalyTyp,
			&features,
			&rec.IsResolved,
			&rec.CreatedAt,
			&tID,
			&tTimestamp,
			&tEndpoint,
			&tMethod,
			&tStatus,
			&tLatency,
			&tReqSize,
			&tRespSize,
			&tIP,
			&tAgent,
			&tCreated,
		); err != nil {
			return nil, err
		}
		rec.Type = domain.AnomalyType(anomalyTyp)
		if trafficID.Valid {
			value := trafficID.Int64
			rec.TrafficLogID = &value
		}
		if len(features) > 0 {
			if err := json.Unmarshal(features, &rec.Features); err != nil {
				return nil, fmt.Errorf("decode feature snapshot for anomaly %d: %w", rec.ID, err)
			}
		}
		if tID.Valid {
			obs := &domain.TrafficObservation{
				ID:             tID.Int64,
				Timestamp:      tTimestamp.Time,
				Endpoint:       tEndpoint.String,
				Method:         tMethod.String,
				StatusCode:     int(tStatus.Int32),
				ResponseTimeMS: int(tLatency.Int32),
				ClientIP:       tIP.String,
				UserAgent:      tAgent.String,
				CreatedAt:      tCreated.Time,
			}
			if tReqSize.Valid {
				value := tReqSize.Int64
				obs.RequestSizeBytes = &value
			}
			if tRespSize.Valid {
				value := tRespSize.Int64
				obs.ResponseSizeBytes = &value
			}
			rec.Traffic = obs
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
