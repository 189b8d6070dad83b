package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the SecuraFlow API for operator tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	resp, err := c.send(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	return decodeBody(resp.Body, v)
}

func (c *Client) send(ctx context.Context, method, path string, body any, token string) (*http.Response, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	return resp, nil
}

func decodeBody(body io.Reader, v any) error {
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// User reflects API user payloads.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// LoginResponse captures the bearer token issued by the API.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	User        User   `json:"user"`
}

// Signup registers a new account.
func (c *Client) Signup(ctx context.Context, email, username, password string) (User, error) {
	body := map[string]string{
		"email":    email,
		"username": username,
		"password": password,
	}
	var user User
	if err := c.do(ctx, http.MethodPost, "/api/auth/signup", body, "", &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	body := map[string]string{
		"username": username,
		"password": password,
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// Health mirrors GET /api/health.
type Health struct {
	Status        string    `json:"status"`
	Database      string    `json:"database"`
	ModelLoaded   bool      `json:"model_loaded"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// Health reports service readiness. A 503 still carries a health body and is
// returned without error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/health", nil, "")
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusServiceUnavailable {
		return Health{}, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	var health Health
	if err := decodeBody(resp.Body, &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

// Anomaly is a flagged observation with its originating request.
type Anomaly struct {
	ID           int64              `json:"id"`
	TrafficLogID int64              `json:"traffic_log_id"`
	DetectedAt   time.Time          `json:"detected_at"`
	Score        float64            `json:"anomaly_score"`
	Type         string             `json:"anomaly_type"`
	Features     map[string]float64 `json:"features"`
	IsResolved   bool               `json:"is_resolved"`
	TrafficLog   *TrafficLog        `json:"traffic_log"`
}

// TrafficLog is the request summary embedded in an anomaly.
type TrafficLog struct {
	ID             int64     `json:"id"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMS int       `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// AnomalyPage is one page of anomalies plus the unpaginated total.
type AnomalyPage struct {
	Anomalies []Anomaly `json:"anomalies"`
	Total     int64     `json:"total"`
	Limit     int       `json:"limit"`
	Offset    int       `json:"offset"`
}

// ListAnomaliesInput filters the anomaly listing. Nil Resolved returns both states.
type ListAnomaliesInput struct {
	Limit    int
	Offset   int
	Resolved *bool
}

// ListAnomalies returns anomalies newest first.
func (c *Client) ListAnomalies(ctx context.Context, token string, input ListAnomaliesInput) (AnomalyPage, error) {
	query := url.Values{}
	if input.Limit > 0 {
		query.Set("limit", strconv.Itoa(input.Limit))
	}
	if input.Offset > 0 {
		query.Set("offset", strconv.Itoa(input.Offset))
	}
	if input.Resolved != nil {
		query.Set("resolved", strconv.FormatBool(*input.Resolved))
	}
	path := "/api/anomalies"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var page AnomalyPage
	if err := c.do(ctx, http.MethodGet, path, nil, token, &page); err != nil {
		return AnomalyPage{}, err
	}
	return page, nil
}

// ResolveAnomaly marks an anomaly as handled.
func (c *Client) ResolveAnomaly(ctx context.Context, token string, id int64) error {
	path := fmt.Sprintf("/api/anomalies/%d/resolve", id)
	return c.do(ctx, http.MethodPost, path, nil, token, nil)
}

// Performance is one stored model evaluation.
type Performance struct {
	ID               int64     `json:"id"`
	ModelVersion     string    `json:"model_version"`
	EvaluationDate   time.Time `json:"evaluation_date"`
	TotalPredictions int       `json:"total_predictions"`
	TruePositives    int       `json:"true_positives"`
	FalsePositives   int       `json:"false_positives"`
	TrueNegatives    int       `json:"true_negatives"`
	FalseNegatives   int       `json:"false_negatives"`
	Precision        float64   `json:"precision"`
	Recall           float64   `json:"recall"`
	F1Score          float64   `json:"f1_score"`
	Accuracy         float64   `json:"accuracy"`
	AvgAnomalyScore  float64   `json:"avg_anomaly_score"`
	ThresholdUsed    float64   `json:"threshold_used"`
}

// Evaluate scores the detector against recent traffic and stores the result.
func (c *Client) Evaluate(ctx context.Context, token string) (Performance, error) {
	var perf Performance
	if err := c.do(ctx, http.MethodPost, "/api/model-metrics/evaluate", nil, token, &perf); err != nil {
		return Performance{}, err
	}
	return perf, nil
}

// ModelMetrics returns recent evaluations, newest first.
func (c *Client) ModelMetrics(ctx context.Context, token string, limit int) ([]Performance, error) {
	path := "/api/model-metrics"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Metrics []Performance `json:"metrics"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Metrics, nil
}
