package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the orchestration service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL string

	ManagerStreamName string
	ManagerGroupName  string

	MaxModelInstances    int
	AdmissionLockName    string
	AdmissionLockTimeout time.Duration

	ResponsePollInterval time.Duration
	SessionQueueSize     int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "autolabel"),
		AllowAnyOrigin:       false,
		RedisAddr:            envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        envTrimmed("REDIS_PASSWORD"),
		RedisDB:              0,
		DatabaseURL:          envTrimmed("DATABASE_URL"),
		ManagerStreamName:    envOrDefault("REDIS_MANAGER_STREAM_NAME", "ai-task-manager"),
		ManagerGroupName:     envOrDefault("REDIS_MANAGER_GROUP_NAME", "main"),
		MaxModelInstances:    1,
		AdmissionLockName:    envOrDefault("ADMISSION_LOCK_NAME", "model-init-lock"),
		AdmissionLockTimeout: time.Second,
		ResponsePollInterval: 100 * time.Millisecond,
		SessionQueueSize:     256,
		ShutdownTimeout:      15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxModelInstances, err = intFromEnv("MAX_MODEL_INSTANCES", cfg.MaxModelInstances)
	if err != nil {
		return Config{}, err
	}
	cfg.AdmissionLockTimeout, err = durationFromEnv("ADMISSION_LOCK_TIMEOUT", cfg.AdmissionLockTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ResponsePollInterval, err = durationFromEnv("RESPONSE_POLL_INTERVAL", cfg.ResponsePollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionQueueSize, err = intFromEnv("SESSION_QUEUE_SIZE", cfg.SessionQueueSize)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxModelInstances <= 0 {
		return Config{}, fmt.Errorf("MAX_MODEL_INSTANCES must be positive")
	}
	if cfg.AdmissionLockTimeout <= 0 {
		return Config{}, fmt.Errorf("ADMISSION_LOCK_TIMEOUT must be positive")
	}
	if cfg.ResponsePollInterval < 10*time.Millisecond {
		return Config{}, fmt.Errorf("RESPONSE_POLL_INTERVAL must be at least 10ms")
	}
	if cfg.SessionQueueSize <= 0 {
		return Config{}, fmt.Errorf("SESSION_QUEUE_SIZE must be positive")
	}
	if strings.TrimSpace(cfg.ManagerStreamName) == "" {
		return Config{}, fmt.Errorf("REDIS_MANAGER_STREAM_NAME must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
