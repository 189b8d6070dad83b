package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoginAndListAnomalies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode login: %v", err)
			}
			if body["username"] != "analyst" {
				t.Fatalf("unexpected username %q", body["username"])
			}
			_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":604800,"user":{"id":"u1","username":"analyst"}}`))
		case "/api/anomalies":
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Fatalf("unexpected authorization %q", got)
			}
			if r.URL.Query().Get("resolved") != "false" || r.URL.Query().Get("limit") != "5" {
				t.Fatalf("unexpected query %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"anomalies":[{"id":3,"traffic_log_id":9,"anomaly_score":0.9,"anomaly_type":"server_error","traffic_log":{"id":9,"endpoint":"/api/orders","status_code":503}}],"total":1,"limit":5,"offset":0}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	login, err := cli.Login(context.Background(), "analyst", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if login.AccessToken != "tok" || login.ExpiresIn != 604800 || login.User.Username != "analyst" {
		t.Fatalf("unexpected login response %+v", login)
	}
	resolved := false
	page, err := cli.ListAnomalies(context.Background(), login.AccessToken, ListAnomaliesInput{Limit: 5, Resolved: &resolved})
	if err != nil {
		t.Fatalf("list anomalies: %v", err)
	}
	if page.Total != 1 || len(page.Anomalies) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	if got := page.Anomalies[0]; got.Type != "server_error" || got.TrafficLog == nil || got.TrafficLog.StatusCode != 503 {
		t.Fatalf("unexpected anomaly %+v", got)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no anomalies found for evaluation"}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = cli.Evaluate(context.Background(), "tok")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "no anomalies found for evaluation" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestHealthAcceptsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy","database":"disconnected: refused","model_loaded":true}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	health, err := cli.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "unhealthy" || !health.ModelLoaded {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New(" localhost:8000/ ")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli.baseURL != "http://localhost:8000" {
		t.Fatalf("expected normalised base url, got %q", cli.baseURL)
	}
}
