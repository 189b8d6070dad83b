package traffic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the API rejected the ingest token.
var ErrUnauthorized = errors.New("traffic ingest unauthorized")

// ErrInvalidArgument indicates the API rejected the observation.
var ErrInvalidArgument = errors.New("traffic ingest invalid argument")

// ErrRateLimited indicates the API throttled the sender.
var ErrRateLimited = errors.New("traffic ingest rate limited")

// Client posts traffic observations to the SecuraFlow API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Observation is one request/response pair sent for scoring.
type Observation struct {
	Endpoint          string
	Method            string
	StatusCode        int
	ResponseTimeMS    int
	RequestSizeBytes  *int64
	ResponseSizeBytes *int64
	IPAddress         string
	UserAgent         string
	Timestamp         time.Time
}

// Result is the API verdict for one observation.
type Result struct {
	TrafficID       int64   `json:"traffic_id"`
	AnomalyDetected bool    `json:"anomaly_detected"`
	AnomalyScore    float64 `json:"anomaly_score"`
	AnomalyType     string  `json:"anomaly_type"`
	AnomalyID       int64   `json:"anomaly_id"`
}

// NewClient creates a client for the API at baseURL. ingestToken may be empty.
func NewClient(baseURL, ingestToken string, client *http.Client) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("traffic api base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Client{
		baseURL: trimmed,
		token:   strings.TrimSpace(ingestToken),
		client:  client,
		now:     time.Now,
	}, nil
}

// Send submits obs to the ingestion endpoint.
func (c *Client) Send(ctx context.Context, obs Observation) (Result, error) {
	if c == nil {
		return Result{}, errors.New("traffic client not initialised")
	}
	if strings.TrimSpace(obs.Endpoint) == "" {
		return Result{}, errors.New("traffic observation requires endpoint")
	}
	body, err := json.Marshal(buildPayload(obs, c.now))
	if err != nil {
		return Result{}, fmt.Errorf("marshal observation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/traffic", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build traffic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("X-Ingest-Token", c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send traffic request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, errorForStatus(resp)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode traffic response: %w", err)
	}
	return result, nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	default:
		return fmt.Errorf("traffic request failed: %s", summary)
	}
}

func buildPayload(obs Observation, nowFn func() time.Time) map[string]any {
	ts := obs.Timestamp
	if ts.IsZero() {
		ts = nowFn()
	}
	method := strings.ToUpper(strings.TrimSpace(obs.Method))
	if method == "" {
		method = http.MethodGet
	}
	payload := map[string]any{
		"endpoint":         strings.TrimSpace(obs.Endpoint),
		"method":           method,
		"status_code":      obs.StatusCode,
		"response_time_ms": obs.ResponseTimeMS,
		"timestamp":        ts.UTC().Format(time.RFC3339Nano),
	}
	if obs.RequestSizeBytes != nil {
		payload["request_size_bytes"] = *obs.RequestSizeBytes
	}
	if obs.ResponseSizeBytes != nil {
		payload["response_size_bytes"] = *obs.ResponseSizeBytes
	}
	if ip := strings.TrimSpace(obs.IPAddress); ip != "" {
		payload["ip_address"] = ip
	}
	if ua := strings.TrimSpace(obs.UserAgent); ua != "" {
		payload["user_agent"] = ua
	}
	return payload
}

// EncodeLine renders obs as one JSON object in the ingestion payload shape.
func EncodeLine(obs Observation) ([]byte, error) {
	return json.Marshal(buildPayload(obs, time.Now))
}
