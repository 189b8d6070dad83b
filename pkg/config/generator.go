package config

import "time"

// GeneratorConfig holds defaults for the synthetic traffic generator.
type GeneratorConfig struct {
	APIURL         string
	IngestToken    string
	Username       string
	Password       string
	Rate           float64
	AnomalyRatio   float64
	Duration       time.Duration
	RequestTimeout time.Duration
}

// LoadGeneratorConfig constructs a GeneratorConfig from environment variables.
func LoadGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		APIURL:         GetString("TRAFFIC_API_URL", "http://localhost:8000"),
		IngestToken:    GetString("INGEST_TOKEN", ""),
		Username:       GetString("TRAFFIC_USERNAME", ""),
		Password:       GetString("TRAFFIC_PASSWORD", ""),
		Rate:           GetFloat("TRAFFIC_RATE", 5),
		AnomalyRatio:   GetFloat("TRAFFIC_ANOMALY_RATIO", 0.1),
		Duration:       time.Duration(GetInt("TRAFFIC_DURATION_SECONDS", 0)) * time.Second,
		RequestTimeout: time.Duration(GetInt("TRAFFIC_REQUEST_TIMEOUT_SECONDS", 5)) * time.Second,
	}
}
