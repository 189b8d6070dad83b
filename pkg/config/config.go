package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source resolves configuration keys from the environment first and then
// from an optional YAML overlay.
type Source struct {
	overlay map[string]string
}

// NewSource builds a Source. When path is empty only the environment is consulted.
// Overlay keys are matched case-insensitively against environment variable names.
func NewSource(path string) (Source, error) {
	if strings.TrimSpace(path) == "" {
		return Source{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("read config file: %w", err)
	}
	values := make(map[string]any)
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return Source{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	overlay := make(map[string]string, len(values))
	for key, value := range values {
		if value == nil {
			continue
		}
		switch v := value.(type) {
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			overlay[strings.ToUpper(key)] = strings.Join(parts, ",")
		default:
			overlay[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	return Source{overlay: overlay}, nil
}

func (s Source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	value, ok := s.overlay[strings.ToUpper(key)]
	return value, ok
}

// String returns the value for key or fallback when unset.
func (s Source) String(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

// Int returns the value for key as an integer or fallback.
func (s Source) Int(key string, fallback int) int {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// Float returns the value for key as a float64 or fallback.
func (s Source) Float(key string, fallback float64) float64 {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// Bool returns the value for key as a bool or fallback.
func (s Source) Bool(key string, fallback bool) bool {
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// List returns a comma separated value as a trimmed slice, or fallback.
func (s Source) List(key string, fallback []string) []string {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	return Source{}.String(key, fallback)
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	return Source{}.Int(key, fallback)
}

// GetFloat retrieves an environment variable as float64 or returns fallback.
func GetFloat(key string, fallback float64) float64 {
	return Source{}.Float(key, fallback)
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	return Source{}.Bool(key, fallback)
}
