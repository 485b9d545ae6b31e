/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExportBackend selects where engine events are exported.
type ExportBackend string

const (
	ExportNone  ExportBackend = "none"
	ExportRedis ExportBackend = "redis"
	ExportNATS  ExportBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int

	// Simulation
	ScenarioPath  string
	WatchScenario bool
	TimeScale     float64       // virtual seconds per wall clock second
	Resolution    time.Duration // wall clock pacing granularity
	LogBufferSize int

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Event export
	ExportBackend ExportBackend
	ExportSubject string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string
	InstanceID    string

	// Leader election among replicas exporting to the same Redis
	ExportLeaderElection bool
	ElectionKey          string
	LeaseDuration        time.Duration

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"TSNGATE_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"TSNGATE_HTTP_BIND"}, "127.0.0.1"),
		HTTPPort:    getEnvIntAny([]string{"TSNGATE_HTTP_PORT"}, 8080),

		ScenarioPath:  getEnvAny([]string{"TSNGATE_SCENARIO"}, ""),
		WatchScenario: getEnvBoolAny([]string{"TSNGATE_WATCH_SCENARIO"}, true),
		TimeScale:     getEnvFloatAny([]string{"TSNGATE_TIME_SCALE"}, 1e-6),
		Resolution:    getEnvDurationAny([]string{"TSNGATE_RESOLUTION"}, 10*time.Millisecond),
		LogBufferSize: getEnvIntAny([]string{"TSNGATE_LOG_BUFFER_SIZE"}, 5000),

		TracingEnabled:    getEnvBoolAny([]string{"TSNGATE_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"TSNGATE_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"TSNGATE_TRACING_SAMPLE_RATE"}, 1.0),

		ExportBackend: ExportBackend(strings.ToLower(getEnvAny([]string{"TSNGATE_EXPORT_BACKEND"}, string(ExportNone)))),
		ExportSubject: getEnvAny([]string{"TSNGATE_EXPORT_SUBJECT"}, "tsngate.events"),
		RedisAddr:     getEnvAny([]string{"TSNGATE_REDIS_ADDR", "REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"TSNGATE_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"TSNGATE_REDIS_DB"}, 0),
		NATSURL:       getEnvAny([]string{"TSNGATE_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),
		InstanceID:    getEnvAny([]string{"TSNGATE_INSTANCE_ID"}, ""),

		ExportLeaderElection: getEnvBoolAny([]string{"TSNGATE_EXPORT_LEADER_ELECTION"}, false),
		ElectionKey:          getEnvAny([]string{"TSNGATE_ELECTION_KEY"}, "tsngate:leader:export"),
		LeaseDuration:        getEnvDurationAny([]string{"TSNGATE_LEASE_DURATION"}, 15*time.Second),
	}

	if cfg.ScenarioPath == "" {
		return nil, fmt.Errorf("TSNGATE_SCENARIO must be provided")
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("TSNGATE_HTTP_PORT %d out of range", cfg.HTTPPort)
	}

	if cfg.TimeScale <= 0 {
		return nil, fmt.Errorf("TSNGATE_TIME_SCALE must be positive, got %v", cfg.TimeScale)
	}

	if cfg.Resolution <= 0 {
		return nil, fmt.Errorf("TSNGATE_RESOLUTION must be positive, got %v", cfg.Resolution)
	}

	if cfg.TracingSampleRate < 0 || cfg.TracingSampleRate > 1 {
		return nil, fmt.Errorf("TSNGATE_TRACING_SAMPLE_RATE must be within [0, 1], got %v", cfg.TracingSampleRate)
	}

	switch cfg.ExportBackend {
	case ExportNone, ExportRedis, ExportNATS:
	default:
		return nil, fmt.Errorf("unsupported export backend %q", cfg.ExportBackend)
	}

	if cfg.ExportLeaderElection && cfg.ExportBackend != ExportRedis {
		return nil, fmt.Errorf("TSNGATE_EXPORT_LEADER_ELECTION requires the redis export backend")
	}

	if cfg.LeaseDuration <= 0 {
		return nil, fmt.Errorf("TSNGATE_LEASE_DURATION must be positive, got %v", cfg.LeaseDuration)
	}

	if cfg.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.InstanceID = host
		}
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"TSNGATE_ENVIRONMENT":   "use TSNGATE_ENV",
		"TSNGATE_PORT":          "use TSNGATE_HTTP_PORT",
		"TSNGATE_SCENARIO_FILE": "use TSNGATE_SCENARIO",
		"TSNGATE_REDIS_URL":     "use TSNGATE_REDIS_ADDR",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny returns the first set Go duration from keys, or def.
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed
			}
		}
	}
	return def
}
