package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
	"github.com/jmccormack1717/SecuraFlow/internal/repository"
	"github.com/jmccormack1717/SecuraFlow/internal/service/auth"
	"github.com/jmccormack1717/SecuraFlow/internal/service/evaluation"
	"github.com/jmccormack1717/SecuraFlow/internal/service/metrics"
	"github.com/jmccormack1717/SecuraFlow/internal/service/traffic"
	"github.com/jmccormack1717/SecuraFlow/internal/ws"
)

// TrafficService ingests observations and manages anomalies.
type TrafficService interface {
	Ingest(ctx context.Context, obs domain.TrafficObservation) (traffic.IngestResult, error)
	ListAnomalies(ctx context.Context, filter domain.AnomalyFilter) ([]domain.AnomalyRecord, int64, error)
	ResolveAnomaly(ctx context.Context, id int64) error
}

// MetricsService answers aggregate traffic queries.
type MetricsService interface {
	Query(ctx context.Context, start, end time.Time, endpoint string) ([]domain.MetricBucket, error)
	ListRollups(ctx context.Context, start, end time.Time, endpoint string, limit int) ([]domain.MetricBucket, error)
	Stats(ctx context.Context, window time.Duration) (metrics.Summary, error)
}

// EvaluationService scores detector output.
type EvaluationService interface {
	Evaluate(ctx context.Context) (*domain.ModelPerformance, error)
	History(ctx context.Context, limit int) ([]domain.ModelPerformance, error)
}

// Options carries Router dependencies. RateLimitPerMinute scales every route
// class; zero disables rate limiting.
type Options struct {
	Logger             *slog.Logger
	Auth               auth.Service
	Traffic            TrafficService
	Metrics            MetricsService
	Evaluation         EvaluationService
	Hub                *ws.Hub
	Limiter            RateLimiter
	RateLimitPerMinute int
	IngestToken        string
	CORSOrigins        []string
	TrustedProxies     []string
	DBHealth           func(context.Context) error
	ModelLoaded        func() bool
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	auth           auth.Service
	traffic        TrafficService
	metrics        MetricsService
	evaluation     EvaluationService
	hub            *ws.Hub
	upgrader       websocket.Upgrader
	limiter        RateLimiter
	rateBase       int
	ingestToken    string
	corsOrigins    []string
	trustedProxies []netip.Prefix
	dbHealth       func(context.Context) error
	modelLoaded    func() bool
	started        time.Time
	heartbeat      time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	streamClients      *prometheus.GaugeVec
}

const (
	healthCheckTimeout = 2 * time.Second
	streamHeartbeat    = 15 * time.Second
	maxIngestBodyBytes = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:            http.NewServeMux(),
		logger:         logger.With("component", "http"),
		auth:           opts.Auth,
		traffic:        opts.Traffic,
		metrics:        opts.Metrics,
		evaluation:     opts.Evaluation,
		hub:            opts.Hub,
		limiter:        opts.Limiter,
		rateBase:       opts.RateLimitPerMinute,
		ingestToken:    strings.TrimSpace(opts.IngestToken),
		corsOrigins:    opts.CORSOrigins,
		trustedProxies: parseTrustedProxies(opts.TrustedProxies, logger),
		dbHealth:       opts.DBHealth,
		modelLoaded:    opts.ModelLoaded,
		started:        time.Now(),
		heartbeat:      streamHeartbeat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if r.limiter == nil && r.rateBase > 0 {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Handler returns the router wrapped with request ids and CORS.
func (r *Router) Handler() http.Handler {
	return withRequestID(newCORS(r.corsOrigins).Handler(r))
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.handle("GET /api/health", r.handleHealth)
	r.handle("POST /api/auth/signup", r.limitByIP("auth_signup", rateSignup, r.handleSignup))
	r.handle("POST /api/auth/login", r.limitByIP("auth_login", rateLogin, r.handleLogin))
	r.handle("GET /api/auth/me", r.limitByUser("auth_me", rateRead, r.handleMe))
	r.handle("POST /api/traffic", r.limitByIP("traffic", rateIngest, r.handleIngest))
	r.handle("GET /api/anomalies", r.limitByUser("anomalies", rateRead, r.handleListAnomalies))
	r.handle("POST /api/anomalies/{id}/resolve", r.limitByUser("anomalies_resolve", rateWrite, r.handleResolveAnomaly))
	r.handle("GET /api/anomalies/stream", r.limitByUser("anomalies_stream", rateStream, r.handleAnomalyStream))
	r.handle("GET /api/anomalies/ws", r.limitByUser("anomalies_ws", rateStream, r.handleAnomalyWS))
	r.handle("GET /api/metrics", r.limitByUser("metrics", rateRead, r.handleMetrics))
	r.handle("GET /api/metrics/rollups", r.limitByUser("metrics_rollups", rateRead, r.handleRollups))
	r.handle("GET /api/stats", r.limitByUser("stats", rateRead, r.handleStats))
	r.handle("GET /api/model-metrics", r.limitByUser("model_metrics", rateRead, r.handleModelMetrics))
	r.handle("POST /api/model-metrics/evaluate", r.limitByUser("model_evaluate", rateWrite, r.handleEvaluate))
	r.mux.Handle("GET /metrics", promhttp.Handler())
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	route := pattern
	if idx := strings.IndexByte(pattern, ' '); idx >= 0 {
		route = pattern[idx+1:]
	}
	r.mux.HandleFunc(pattern, r.audit(route, h))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := r.auth.Signup(req.Context(), payload.Email, payload.Username, payload.Password)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			writeError(w, http.StatusConflict, "username or email already registered")
		case errors.Is(err, auth.ErrInvalidSignup):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			r.logger.Error("signup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "could not create user")
		}
		return
	}
	writeJSON(w, http.StatusCreated, marshalUser(user))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := r.auth.Login(req.Context(), payload.Username, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "incorrect username or password")
			return
		}
		r.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not log in")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token.AccessToken,
		"token_type":   token.TokenType,
		"expires_in":   int64(token.ExpiresIn / time.Second),
		"user":         marshalUser(user),
	})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       info.UserID,
		"username": info.Username,
	})
}

type trafficPayload struct {
	Endpoint          string `json:"endpoint"`
	Method            string `json:"method"`
	StatusCode        int    `json:"status_code"`
	ResponseTimeMS    int    `json:"response_time_ms"`
	RequestSizeBytes  *int64 `json:"request_size_bytes"`
	ResponseSizeBytes *int64 `json:"response_size_bytes"`
	IPAddress         string `json:"ip_address"`
	UserAgent         string `json:"user_agent"`
	Timestamp         string `json:"timestamp"`
}

func (p trafficPayload) observation() (domain.TrafficObservation, error) {
	obs := domain.TrafficObservation{
		Endpoint:          p.Endpoint,
		Method:            p.Method,
		StatusCode:        p.StatusCode,
		ResponseTimeMS:    p.ResponseTimeMS,
		RequestSizeBytes:  p.RequestSizeBytes,
		ResponseSizeBytes: p.ResponseSizeBytes,
		ClientIP:          p.IPAddress,
		UserAgent:         p.UserAgent,
	}
	if ts := strings.TrimSpace(p.Timestamp); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return obs, errors.New("invalid timestamp format")
		}
		obs.Timestamp = parsed
	}
	return obs, nil
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if !r.verifyIngestToken(w, req) {
		return
	}
	var payload trafficPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxIngestBodyBytes)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	obs, err := payload.observation()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := r.traffic.Ingest(req.Context(), obs)
	if err != nil {
		if errors.Is(err, traffic.ErrInvalidObservation) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		r.logger.Error("traffic ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "error processing traffic data")
		return
	}
	response := map[string]any{
		"success":          true,
		"traffic_id":       result.TrafficID,
		"anomaly_detected": result.Verdict.IsAnomaly,
		"anomaly_score":    result.Verdict.Score,
		"anomaly_type":     result.Verdict.Type,
		"message":          "Traffic data ingested successfully",
	}
	if result.AnomalyID != 0 {
		response["anomaly_id"] = result.AnomalyID
	}
	writeJSON(w, http.StatusOK, response)
}

func (r *Router) handleListAnomalies(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	filter := domain.AnomalyFilter{}
	filter.Limit, _ = strconv.Atoi(query.Get("limit"))
	filter.Offset, _ = strconv.Atoi(query.Get("offset"))
	if raw := strings.TrimSpace(query.Get("resolved")); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "resolved must be true or false")
			return
		}
		filter.Resolved = &resolved
	}
	records, total, err := r.traffic.ListAnomalies(req.Context(), filter)
	if err != nil {
		r.logger.Error("list anomalies failed", "error", err)
		writeError(w, http.StatusInternalServerError, "error fetching anomalies")
		return
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, marshalAnomaly(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": items,
		"total":     total,
		"limit":     filter.Limit,
		"offset":    filter.Offset,
	})
}

func (r *Router) handleResolveAnomaly(w http.ResponseWriter, req *http.Request) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid anomaly id")
		return
	}
	if err := r.traffic.ResolveAnomaly(req.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "anomaly not found")
			return
		}
		r.logger.Error("resolve anomaly failed", "error", err, "anomaly_id", id)
		writeError(w, http.StatusInternalServerError, "error resolving anomaly")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_resolved": true})
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	start, end, ok := parseRange(w, req)
	if !ok {
		return
	}
	buckets, err := r.metrics.Query(req.Context(), start, end, req.URL.Query().Get("endpoint"))
	if err != nil {
		r.writeMetricsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": marshalBuckets(buckets),
		"total":   len(buckets),
	})
}

func (r *Router) handleRollups(w http.ResponseWriter, req *http.Request) {
	start, end, ok := parseRange(w, req)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	buckets, err := r.metrics.ListRollups(req.Context(), start, end, req.URL.Query().Get("endpoint"), limit)
	if err != nil {
		r.writeMetricsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rollups": marshalBuckets(buckets),
		"total":   len(buckets),
	})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	var window time.Duration
	if raw := strings.TrimSpace(req.URL.Query().Get("window_minutes")); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			writeError(w, http.StatusBadRequest, "window_minutes must be a positive integer")
			return
		}
		window = time.Duration(minutes) * time.Minute
	}
	summary, err := r.metrics.Stats(req.Context(), window)
	if err != nil {
		r.writeMetricsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window_start":         summary.WindowStart.UTC().Format(time.RFC3339Nano),
		"window_end":           summary.WindowEnd.UTC().Format(time.RFC3339Nano),
		"total_requests":       summary.TotalRequests,
		"total_anomalies":      summary.TotalAnomalies,
		"avg_response_time_ms": summary.AvgResponseTimeMS,
		"error_rate":           summary.ErrorRate,
		"requests_per_second":  summary.RequestsPerSecond,
	})
}

func (r *Router) writeMetricsError(w http.ResponseWriter, err error) {
	if errors.Is(err, metrics.ErrInvalidRange) || errors.Is(err, metrics.ErrRangeTooLarge) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.logger.Error("metrics query failed", "error", err)
	writeError(w, http.StatusInternalServerError, "error fetching metrics")
}

func (r *Router) handleModelMetrics(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	history, err := r.evaluation.History(req.Context(), limit)
	if err != nil {
		r.logger.Error("model metrics failed", "error", err)
		writeError(w, http.StatusInternalServerError, "error fetching model metrics")
		return
	}
	items := make([]map[string]any, 0, len(history))
	for _, perf := range history {
		items = append(items, marshalPerformance(perf))
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": items, "total": len(items)})
}

func (r *Router) handleEvaluate(w http.ResponseWriter, req *http.Request) {
	perf, err := r.evaluation.Evaluate(req.Context())
	if err != nil {
		switch {
		case errors.Is(err, evaluation.ErrNoAnomalies):
			writeError(w, http.StatusNotFound, "no anomalies found for evaluation")
		case errors.Is(err, evaluation.ErrNoTraffic):
			writeError(w, http.StatusBadRequest, "no data available for evaluation")
		default:
			r.logger.Error("model evaluation failed", "error", err)
			writeError(w, http.StatusInternalServerError, "error evaluating model")
		}
		return
	}
	writeJSON(w, http.StatusOK, marshalPerformance(*perf))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	database := "connected"
	dbUp := true
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			dbUp = false
			database = "disconnected: " + err.Error()
			r.logger.Error("database health check failed", "error", err)
		}
	}
	modelLoaded := r.modelLoaded != nil && r.modelLoaded()

	status, code := "healthy", http.StatusOK
	switch {
	case !dbUp:
		status, code = "unhealthy", http.StatusServiceUnavailable
	case !modelLoaded:
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"database":       database,
		"model_loaded":   modelLoaded,
		"uptime_seconds": time.Since(r.started).Seconds(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func parseRange(w http.ResponseWriter, req *http.Request) (time.Time, time.Time, bool) {
	query := req.URL.Query()
	var start, end time.Time
	for _, field := range []struct {
		name string
		dst  *time.Time
	}{{"start_time", &start}, {"end_time", &end}} {
		raw := strings.TrimSpace(query.Get(field.name))
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, field.name+" must be RFC3339")
			return time.Time{}, time.Time{}, false
		}
		*field.dst = parsed
	}
	return start, end, true
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := r.clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get(requestIDHeader)); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if route == "/api/traffic" {
			actor = "ingest"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// verifyIngestToken checks X-Ingest-Token when an ingest token is configured.
func (r *Router) verifyIngestToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.ingestToken
	if expected == "" {
		return true
	}
	token := strings.TrimSpace(req.Header.Get("X-Ingest-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("ingest token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid ingest token")
		return false
	}
	return true
}
