package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
	"github.com/jmccormack1717/SecuraFlow/internal/repository"
	"github.com/jmccormack1717/SecuraFlow/internal/service/detector"
	"github.com/jmccormack1717/SecuraFlow/internal/ws"
)

type stubTrafficRepo struct {
	mu        sync.Mutex
	nextID    int64
	stored    []domain.TrafficObservation
	anomalies []domain.AnomalyRecord
	err       error
}

func (r *stubTrafficRepo) InsertTraffic(_ context.Context, obs *domain.TrafficObservation, anomaly *domain.AnomalyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.nextID++
	obs.ID = r.nextID
	r.stored = append(r.stored, *obs)
	if anomaly != nil {
		id := obs.ID
		anomaly.ID = int64(len(r.anomalies) + 1)
		anomaly.TrafficLogID = &id
		r.anomalies = append(r.anomalies, *anomaly)
	}
	return nil
}

func (r *stubTrafficRepo) ListTrafficInRange(context.Context, time.Time, time.Time, string, int) ([]domain.TrafficObservation, error) {
	return nil, nil
}

func (r *stubTrafficRepo) Stats(context.Context, time.Time) (domain.TrafficStats, error) {
	return domain.TrafficStats{}, nil
}

type stubAnomalyRepo struct {
	mu       sync.Mutex
	filter   domain.AnomalyFilter
	resolved []int64
}

func (r *stubAnomalyRepo) ListAnomalies(_ context.Context, filter domain.AnomalyFilter) ([]domain.AnomalyRecord, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter = filter
	return nil, 0, nil
}

func (r *stubAnomalyRepo) ListRecentAnomalies(context.Context, int) ([]domain.AnomalyRecord, error) {
	return nil, nil
}

func (r *stubAnomalyRepo) ResolveAnomaly(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 404 {
		return repository.ErrNotFound
	}
	r.resolved = append(r.resolved, id)
	return nil
}

type stubObserver struct {
	mu  sync.Mutex
	obs []domain.TrafficObservation
}

func (o *stubObserver) Observe(obs domain.TrafficObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.obs = append(o.obs, obs)
}

type stubBroadcaster struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (b *stubBroadcaster) Broadcast(topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, payload)
}

type fixture struct {
	svc       *Service
	traffic   *stubTrafficRepo
	anomalies *stubAnomalyRepo
	observer  *stubObserver
	hub       *stubBroadcaster
}

func newFixture() fixture {
	f := fixture{
		traffic:   &stubTrafficRepo{},
		anomalies: &stubAnomalyRepo{},
		observer:  &stubObserver{},
		hub:       &stubBroadcaster{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	det := detector.New(detector.Options{Logger: logger})
	f.svc = NewService(f.traffic, f.anomalies, det, f.observer, f.hub, logger)
	f.svc.now = func() time.Time { return time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC) }
	return f
}

func TestIngestStoresAnomaly(t *testing.T) {
	f := newFixture()
	result, err := f.svc.Ingest(context.Background(), domain.TrafficObservation{
		Endpoint:       "/api/orders",
		Method:         "post",
		StatusCode:     503,
		ResponseTimeMS: 120,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.TrafficID != 1 || result.AnomalyID != 1 {
		t.Fatalf("expected ids 1/1, got %d/%d", result.TrafficID, result.AnomalyID)
	}
	if !result.Verdict.IsAnomaly || result.Verdict.Type != domain.AnomalyServerError || result.Verdict.Score != 0.9 {
		t.Fatalf("unexpected verdict %+v", result.Verdict)
	}

	stored := f.traffic.stored[0]
	if stored.Method != "POST" {
		t.Fatalf("expected method upper-cased, got %q", stored.Method)
	}
	if !stored.Timestamp.Equal(time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected timestamp defaulted to now, got %v", stored.Timestamp)
	}
	record := f.traffic.anomalies[0]
	if record.Features[domain.FeatureIsServerError.String()] != 1 {
		t.Fatalf("expected feature snapshot to carry is_server_error=1, got %v", record.Features)
	}
	if _, ok := record.Features[domain.ContextRecentErrorRate]; !ok {
		t.Fatalf("expected context features in snapshot")
	}

	if len(f.hub.topics) != 1 || f.hub.topics[0] != ws.TopicAnomalies {
		t.Fatalf("expected one broadcast on %s, got %v", ws.TopicAnomalies, f.hub.topics)
	}
	var payload map[string]any
	if err := json.Unmarshal(f.hub.payloads[0], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["anomaly_type"] != string(domain.AnomalyServerError) {
		t.Fatalf("expected server_error payload, got %v", payload["anomaly_type"])
	}
	if len(f.observer.obs) != 1 {
		t.Fatalf("expected observation forwarded to metrics, got %d", len(f.observer.obs))
	}
}

func TestIngestNormalTrafficSkipsAnomaly(t *testing.T) {
	f := newFixture()
	result, err := f.svc.Ingest(context.Background(), domain.TrafficObservation{
		Endpoint:       "/api/users",
		Method:         "GET",
		StatusCode:     200,
		ResponseTimeMS: 80,
		Timestamp:      time.Date(2025, 3, 4, 9, 0, 0, 0, time.FixedZone("X", 3600)),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Verdict.IsAnomaly || result.AnomalyID != 0 {
		t.Fatalf("expected normal traffic, got %+v", result)
	}
	if len(f.traffic.anomalies) != 0 || len(f.hub.topics) != 0 {
		t.Fatalf("expected no anomaly stored or broadcast")
	}
	if f.traffic.stored[0].Timestamp.Location() != time.UTC {
		t.Fatalf("expected timestamp converted to UTC")
	}
}

func TestIngestValidation(t *testing.T) {
	negative := int64(-1)
	cases := []struct {
		name string
		obs  domain.TrafficObservation
	}{
		{"missing endpoint", domain.TrafficObservation{Method: "GET", StatusCode: 200}},
		{"missing method", domain.TrafficObservation{Endpoint: "/", StatusCode: 200}},
		{"status too low", domain.TrafficObservation{Endpoint: "/", Method: "GET", StatusCode: 99}},
		{"status too high", domain.TrafficObservation{Endpoint: "/", Method: "GET", StatusCode: 600}},
		{"negative latency", domain.TrafficObservation{Endpoint: "/", Method: "GET", StatusCode: 200, ResponseTimeMS: -1}},
		{"negative request size", domain.TrafficObservation{Endpoint: "/", Method: "GET", StatusCode: 200, RequestSizeBytes: &negative}},
		{"negative response size", domain.TrafficObservation{Endpoint: "/", Method: "GET", StatusCode: 200, ResponseSizeBytes: &negative}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			if _, err := f.svc.Ingest(context.Background(), tc.obs); !errors.Is(err, ErrInvalidObservation) {
				t.Fatalf("expected ErrInvalidObservation, got %v", err)
			}
			if len(f.traffic.stored) != 0 {
				t.Fatalf("expected nothing stored")
			}
		})
	}
}

func TestIngestStoreFailure(t *testing.T) {
	f := newFixture()
	f.traffic.err = errors.New("db down")
	_, err := f.svc.Ingest(context.Background(), domain.TrafficObservation{Endpoint: "/", Method: "GET", StatusCode: 500})
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(f.hub.topics) != 0 || len(f.observer.obs) != 0 {
		t.Fatalf("expected no side effects after a failed store")
	}
}

func TestIngestFeedsRecentContext(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	base := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if _, err := f.svc.Ingest(ctx, domain.TrafficObservation{
			Endpoint: "/api/slow", Method: "GET", StatusCode: 503, ResponseTimeMS: 100,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	second := f.traffic.anomalies[1].Features
	if second[domain.ContextRecentErrorRate] != 1 {
		t.Fatalf("expected recent error rate 1, got %v", second[domain.ContextRecentErrorRate])
	}
	if second[domain.ContextRecentAvgResponseTime] != 100 {
		t.Fatalf("expected recent avg 100, got %v", second[domain.ContextRecentAvgResponseTime])
	}
	first := f.traffic.anomalies[0].Features
	if first[domain.ContextRecentErrorRate] != 0 {
		t.Fatalf("expected empty context for the first observation, got %v", first[domain.ContextRecentErrorRate])
	}
}

func TestListAnomaliesClampsFilter(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, _, err := f.svc.ListAnomalies(ctx, domain.AnomalyFilter{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if f.anomalies.filter.Limit != 50 {
		t.Fatalf("expected default limit 50, got %d", f.anomalies.filter.Limit)
	}
	if _, _, err := f.svc.ListAnomalies(ctx, domain.AnomalyFilter{Limit: 5000, Offset: -3}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if f.anomalies.filter.Limit != 1000 || f.anomalies.filter.Offset != 0 {
		t.Fatalf("expected limit 1000 offset 0, got %+v", f.anomalies.filter)
	}
}

func TestResolveAnomaly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.ResolveAnomaly(ctx, 7); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := f.svc.ResolveAnomaly(ctx, 404); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.svc.ResolveAnomaly(ctx, 0); !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
