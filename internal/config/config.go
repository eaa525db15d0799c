package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Store backends.
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Upstream catalog.
	UpstreamURL         string
	UpstreamTimeout     time.Duration
	UpstreamResultLimit int
	UpstreamRatePerSec  float64
	UpstreamMaxRetries  int
	UpstreamRetryBase   time.Duration
	RegionDelay         time.Duration
	PartialEvery        int

	// Record store.
	StoreBackend string
	StorePath    string
	StoreLRUSize int

	TopOffInterval time.Duration

	// New-event notifications.
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		UpstreamURL:     sharedcfg.EnvOrDefault("UPSTREAM_URL", "https://earthquake.usgs.gov/fdsnws/event/1/query"),
		StoreBackend:    sharedcfg.EnvOrDefault("STORE_BACKEND", BackendBadger),
		StorePath:       sharedcfg.EnvOrDefault("STORE_PATH", "data/cache"),
		KafkaEnabled:    sharedcfg.EnvOrDefault("KAFKA_ENABLED", "false") == "true",
		KafkaBrokers:    sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:      sharedcfg.EnvOrDefault("KAFKA_TOPIC", "seismic-new-events"),
	}

	if cfg.UpstreamTimeout, err = parsePositiveDuration("UPSTREAM_TIMEOUT", "30s"); err != nil {
		return nil, err
	}
	if cfg.UpstreamRetryBase, err = parsePositiveDuration("UPSTREAM_RETRY_BASE", "1s"); err != nil {
		return nil, err
	}
	if cfg.RegionDelay, err = parseDuration("REGION_DELAY", "250ms"); err != nil {
		return nil, err
	}
	if cfg.TopOffInterval, err = parseDuration("TOPOFF_INTERVAL", "5m"); err != nil {
		return nil, err
	}
	if cfg.UpstreamResultLimit, err = parseInt("UPSTREAM_RESULT_LIMIT", 20000, 1, 20000); err != nil {
		return nil, err
	}
	if cfg.UpstreamMaxRetries, err = parseInt("UPSTREAM_MAX_RETRIES", 3, 0, 10); err != nil {
		return nil, err
	}
	if cfg.PartialEvery, err = parseInt("PARTIAL_EVERY", 3, 0, 1000); err != nil {
		return nil, err
	}
	if cfg.StoreLRUSize, err = parseInt("STORE_LRU_SIZE", 512, 0, 1_000_000); err != nil {
		return nil, err
	}
	if cfg.UpstreamRatePerSec, err = parseRate(); err != nil {
		return nil, err
	}

	switch cfg.StoreBackend {
	case BackendBadger:
		if cfg.StorePath == "" {
			return nil, errors.New("STORE_PATH is required for the badger backend")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: must be %s or %s", cfg.StoreBackend, BackendBadger, BackendMemory)
	}

	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if cfg.KafkaTopic == "" {
			return nil, errors.New("KAFKA_TOPIC is required when KAFKA_ENABLED is true")
		}
	}

	return cfg, nil
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative duration", key)
	}
	return d, nil
}

func parsePositiveDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseInt(key string, fallback, lo, hi int) (int, error) {
	s := sharedcfg.EnvOrDefault(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be %d-%d", key, lo, hi)
	}
	return n, nil
}

func parseRate() (float64, error) {
	v, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("UPSTREAM_RATE_PER_SEC", "2"), 64)
	if err != nil || v <= 0 {
		return 0, errors.New("invalid UPSTREAM_RATE_PER_SEC: must be a positive number")
	}
	return v, nil
}
