package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port        int
	DatabaseURL string // empty keeps the in-memory job store
	JWTSecret   string // empty disables bearer auth on the API

	AICoreURL      string
	ScanWorkerURL  string
	VectorIndexURL string
	HealthPath     string

	MaxArchiveBytes   int64
	MaxUnpackedBytes  int64
	MaxArchiveEntries int
	ScratchDir        string

	MaxConcurrentJobs int
	StageTimeout      time.Duration
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration

	ScanPollInterval time.Duration
	ScanTimeout      time.Duration

	ProbePeriod  time.Duration
	ProbeTimeout time.Duration

	JobRetention  time.Duration
	SweepInterval time.Duration
}

// Load reads configuration from environment variables and validates required fields.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AICoreURL:      getEnv("AI_CORE_URL", ""),
		ScanWorkerURL:  getEnv("SCAN_WORKER_URL", ""),
		VectorIndexURL: getEnv("VECTOR_INDEX_URL", ""),
		HealthPath:     getEnv("HEALTH_PATH", "/health"),
		ScratchDir:     getEnv("SCRATCH_DIR", ""),
	}

	var err error
	if cfg.Port, err = getEnvInt("PORT", 8080); err != nil {
		return Config{}, fmt.Errorf("parse PORT: %w", err)
	}
	if cfg.MaxArchiveBytes, err = getEnvInt64("MAX_ARCHIVE_BYTES", 50<<20); err != nil {
		return Config{}, fmt.Errorf("parse MAX_ARCHIVE_BYTES: %w", err)
	}
	if cfg.MaxUnpackedBytes, err = getEnvInt64("MAX_UNPACKED_BYTES", 200<<20); err != nil {
		return Config{}, fmt.Errorf("parse MAX_UNPACKED_BYTES: %w", err)
	}
	if cfg.MaxArchiveEntries, err = getEnvInt("MAX_ARCHIVE_ENTRIES", 10000); err != nil {
		return Config{}, fmt.Errorf("parse MAX_ARCHIVE_ENTRIES: %w", err)
	}
	if cfg.MaxConcurrentJobs, err = getEnvInt("MAX_CONCURRENT_JOBS", 4); err != nil {
		return Config{}, fmt.Errorf("parse MAX_CONCURRENT_JOBS: %w", err)
	}
	if cfg.RetryMaxAttempts, err = getEnvInt("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return Config{}, fmt.Errorf("parse RETRY_MAX_ATTEMPTS: %w", err)
	}

	durations := []struct {
		dst *time.Duration
		key string
		def time.Duration
	}{
		{&cfg.StageTimeout, "STAGE_TIMEOUT", 10 * time.Minute},
		{&cfg.RetryBaseDelay, "RETRY_BASE_DELAY", time.Second},
		{&cfg.RetryMaxDelay, "RETRY_MAX_DELAY", 30 * time.Second},
		{&cfg.ScanPollInterval, "SCAN_POLL_INTERVAL", 2 * time.Second},
		{&cfg.ScanTimeout, "SCAN_TIMEOUT", 5 * time.Minute},
		{&cfg.ProbePeriod, "PROBE_PERIOD", 30 * time.Second},
		{&cfg.ProbeTimeout, "PROBE_TIMEOUT", 3 * time.Second},
		{&cfg.JobRetention, "JOB_RETENTION", 24 * time.Hour},
		{&cfg.SweepInterval, "SWEEP_INTERVAL", time.Hour},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, d.def); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.MaxArchiveBytes <= 0 {
		return fmt.Errorf("MAX_ARCHIVE_BYTES must be positive")
	}
	if c.ScanPollInterval <= 0 || c.ScanTimeout <= 0 {
		return fmt.Errorf("scan poll interval and timeout must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(v)
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(v)
}
