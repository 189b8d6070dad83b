package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
	"github.com/jmccormack1717/SecuraFlow/internal/service/traffic"
)

// Ingester accepts decoded observations.
type Ingester interface {
	Ingest(ctx context.Context, obs domain.TrafficObservation) (traffic.IngestResult, error)
}

// ReplayStats counts replayed lines.
type ReplayStats struct {
	Ingested  int64
	Anomalies int64
	Rejected  int64
}

// Replayer feeds a JSON-lines traffic file through the ingestion pipeline.
type Replayer struct {
	tailer   *Tailer
	ingester Ingester
	logger   *slog.Logger

	ingested  atomic.Int64
	anomalies atomic.Int64
	rejected  atomic.Int64
}

// NewReplayer builds a replayer over path.
func NewReplayer(path string, fromStart bool, ingester Ingester, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "replay")
	return &Replayer{
		tailer:   NewTailer(path, fromStart, logger),
		ingester: ingester,
		logger:   logger,
	}
}

// Run tails the file until ctx is cancelled.
func (r *Replayer) Run(ctx context.Context) error {
	lines, err := r.tailer.Lines(ctx)
	if err != nil {
		return err
	}
	r.logger.Info("traffic replay started", "path", r.tailer.path)
	for line := range lines {
		obs, err := DecodeLine(line)
		if err != nil {
			r.rejected.Add(1)
			r.logger.Warn("skipping malformed traffic line", "error", err)
			continue
		}
		result, err := r.ingester.Ingest(ctx, obs)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.rejected.Add(1)
			r.logger.Warn("replayed observation rejected", "endpoint", obs.Endpoint, "error", err)
			continue
		}
		r.ingested.Add(1)
		if result.Verdict.IsAnomaly {
			r.anomalies.Add(1)
		}
	}
	stats := r.Stats()
	r.logger.Info("traffic replay stopped", "ingested", stats.Ingested, "anomalies", stats.Anomalies, "rejected", stats.Rejected)
	return nil
}

// Stats returns counters accumulated so far.
func (r *Replayer) Stats() ReplayStats {
	return ReplayStats{
		Ingested:  r.ingested.Load(),
		Anomalies: r.anomalies.Load(),
		Rejected:  r.rejected.Load(),
	}
}

type replayLine struct {
	Endpoint          string  `json:"endpoint"`
	Method            string  `json:"method"`
	StatusCode        int     `json:"status_code"`
	ResponseTimeMS    float64 `json:"response_time_ms"`
	RequestSizeBytes  *int64  `json:"request_size_bytes"`
	ResponseSizeBytes *int64  `json:"response_size_bytes"`
	IPAddress         string  `json:"ip_address"`
	UserAgent         string  `json:"user_agent"`
	Timestamp         string  `json:"timestamp"`
}

// DecodeLine parses one JSON-encoded observation.
func DecodeLine(line string) (domain.TrafficObservation, error) {
	var raw replayLine
	dec := json.NewDecoder(strings.NewReader(line))
	if err := dec.Decode(&raw); err != nil {
		return domain.TrafficObservation{}, fmt.Errorf("decode line: %w", err)
	}
	if raw.Endpoint == "" {
		return domain.TrafficObservation{}, errors.New("endpoint missing")
	}
	obs := domain.TrafficObservation{
		Endpoint:          raw.Endpoint,
		Method:            raw.Method,
		StatusCode:        raw.StatusCode,
		ResponseTimeMS:    int(raw.ResponseTimeMS),
		RequestSizeBytes:  raw.RequestSizeBytes,
		ResponseSizeBytes: raw.ResponseSizeBytes,
		ClientIP:          raw.IPAddress,
		UserAgent:         raw.UserAgent,
	}
	if raw.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
		if err != nil {
			return domain.TrafficObservation{}, fmt.Errorf("parse timestamp: %w", err)
		}
		obs.Timestamp = ts
	}
	return obs, nil
}
