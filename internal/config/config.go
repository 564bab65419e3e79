package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	DatabaseURL string

	ListenAddr string

	// RetentionDays controls how long hourly aggregates (and the
	// event-id dedup rows that protect them) are kept. Expiry is
	// computed from the end of the owning hour.
	RetentionDays int

	// ConfidenceThreshold is the cutoff below which a trigger counts
	// toward lowConfidenceCount, the false-positive proxy signal.
	ConfidenceThreshold float64

	// BatchSize and BatchMaxWait control ingestion batching: a worker
	// flushes when it has BatchSize events or when BatchMaxWait has
	// elapsed since the first buffered event, whichever comes first.
	BatchSize    int
	BatchMaxWait time.Duration

	// IngestWorkers is the number of concurrent batch workers.
	IngestWorkers int

	// QueueCapacity bounds the in-process event queue; ingestion
	// returns 503 when full so the source redelivers.
	QueueCapacity int

	// UniqueUserCap is the maximum exact unique-user set size per
	// aggregate; beyond it the count degrades to an estimate.
	UniqueUserCap int

	// StoreTimeout bounds each individual store read/write.
	StoreTimeout time.Duration

	// IngestToken guards the event write surface as a static bearer
	// token. If empty, ingestion is unauthenticated.
	IngestToken string
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		DatabaseURL:         os.Getenv("APP_DATABASE_URL"),
		ListenAddr:          getenv("APP_LISTEN_ADDR", ":8080"),
		RetentionDays:       30,
		ConfidenceThreshold: 0.5,
		BatchSize:           100,
		BatchMaxWait:        10 * time.Second,
		IngestWorkers:       4,
		QueueCapacity:       4096,
		UniqueUserCap:       1000,
		StoreTimeout:        2 * time.Second,
		IngestToken:         getenv("APP_INGEST_TOKEN", ""),
	}

	if v := os.Getenv("APP_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.RetentionDays = days
		}
	}
	if v := os.Getenv("APP_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("APP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("APP_BATCH_MAX_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.BatchMaxWait = d
		}
	}
	if v := os.Getenv("APP_INGEST_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IngestWorkers = n
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueCapacity = n
		}
	}
	if v := os.Getenv("APP_UNIQUE_USER_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.UniqueUserCap = n
		}
	}
	if v := os.Getenv("APP_STORE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StoreTimeout = d
		}
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
