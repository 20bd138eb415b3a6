// Package config provides the environment-backed runtime configuration used
// by cmd/ringway and the YAML policy bundle (rings, risk model, evidence
// schema, connectors) consumed by the orchestration core.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the runtime config values wired in main. It is constructed
// once at process start and injected; there is no package-level singleton.
type Config struct {
	ListenAddr  string // RINGWAY_ADDR (default :8070)
	DatabaseURL string // RINGWAY_DATABASE_URL or DATABASE_URL (optional; memory store when unset)
	PolicyPath  string // RINGWAY_POLICY_PATH (required)
	AuthSecret  string // RINGWAY_AUTH_SECRET (required; HMAC key for bearer tokens)
	Actor       string // RINGWAY_ACTOR (audit actor identity)

	// Governance streamer (optional; requires Postgres).
	KafkaBrokers string // RINGWAY_KAFKA_BROKERS (comma-separated)
	KafkaTopic   string // RINGWAY_KAFKA_TOPIC
	S3Bucket     string // RINGWAY_S3_BUCKET
	S3Prefix     string // RINGWAY_S3_PREFIX (optional)

	StreamBatchSize      int // RINGWAY_STREAM_BATCH_SIZE
	StreamMaxConcurrency int // RINGWAY_STREAM_MAX_CONCURRENCY
	StreamPollSeconds    int // RINGWAY_STREAM_POLL_INTERVAL_SECONDS
}

const (
	defaultAddr  = ":8070"
	defaultActor = "service:ringway"
)

// Load reads config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:           getEnv("RINGWAY_ADDR", defaultAddr),
		DatabaseURL:          firstNonEmpty(os.Getenv("RINGWAY_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		PolicyPath:           os.Getenv("RINGWAY_POLICY_PATH"),
		AuthSecret:           os.Getenv("RINGWAY_AUTH_SECRET"),
		Actor:                getEnv("RINGWAY_ACTOR", defaultActor),
		KafkaBrokers:         os.Getenv("RINGWAY_KAFKA_BROKERS"),
		KafkaTopic:           os.Getenv("RINGWAY_KAFKA_TOPIC"),
		S3Bucket:             os.Getenv("RINGWAY_S3_BUCKET"),
		S3Prefix:             os.Getenv("RINGWAY_S3_PREFIX"),
		StreamBatchSize:      getInt("RINGWAY_STREAM_BATCH_SIZE", 10),
		StreamMaxConcurrency: getInt("RINGWAY_STREAM_MAX_CONCURRENCY", 5),
		StreamPollSeconds:    getInt("RINGWAY_STREAM_POLL_INTERVAL_SECONDS", 3),
	}
	if cfg.PolicyPath == "" {
		return nil, fmt.Errorf("RINGWAY_POLICY_PATH required")
	}
	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("RINGWAY_AUTH_SECRET required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
