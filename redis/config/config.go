// Package config provides Redis configuration management for the sync engine.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and configuration parameters
type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	Workers         int
	RetryInterval   time.Duration
	MaxRetries      int
	RetentionPeriod time.Duration
	QueuePriorities map[string]int
}

const (
	defaultHost          = "localhost"
	defaultPort          = 6379
	defaultDB            = 0
	defaultWorkers       = 10
	defaultRetryInterval = 5 * time.Minute
	defaultMaxRetries    = 3
	defaultRetention     = 7 * 24 * time.Hour
	minPort              = 1
	maxPort              = 65535
	maxDB                = 15
	maxWorkers           = 100
)

// DefaultQueuePriorities defines the default priority settings for task
// queues. Webhook-triggered syncs preempt scheduled ones; maintenance work
// runs at low priority.
var DefaultQueuePriorities = map[string]int{
	"critical": 6,
	"default":  3,
	"low":      1,
}

// NewRedisConfig creates a new Redis configuration from environment variables
func NewRedisConfig() (*RedisConfig, error) {
	cfg := &RedisConfig{
		Host:            getEnvOrDefault("REDIS_HOST", defaultHost),
		Password:        os.Getenv("REDIS_PASSWORD"),
		RetryInterval:   defaultRetryInterval,
		MaxRetries:      defaultMaxRetries,
		RetentionPeriod: defaultRetention,
		QueuePriorities: make(map[string]int),
	}

	for queue, priority := range DefaultQueuePriorities {
		cfg.QueuePriorities[queue] = priority
	}

	// A full Redis URL takes precedence over individual parameters.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		if err := cfg.applyURL(redisURL); err != nil {
			return nil, err
		}

		return cfg, nil
	}

	port, err := strconv.Atoi(getEnvOrDefault("REDIS_PORT", strconv.Itoa(defaultPort)))
	if err != nil || port < minPort || port > maxPort {
		return nil, fmt.Errorf("invalid REDIS_PORT: %q", os.Getenv("REDIS_PORT"))
	}

	cfg.Port = port

	db, err := strconv.Atoi(getEnvOrDefault("REDIS_DB", strconv.Itoa(defaultDB)))
	if err != nil || db < 0 || db > maxDB {
		return nil, fmt.Errorf("invalid REDIS_DB: %q", os.Getenv("REDIS_DB"))
	}

	cfg.DB = db

	workers, err := strconv.Atoi(getEnvOrDefault("REDIS_WORKERS", strconv.Itoa(defaultWorkers)))
	if err != nil || workers < 1 || workers > maxWorkers {
		return nil, fmt.Errorf("invalid REDIS_WORKERS: %q", os.Getenv("REDIS_WORKERS"))
	}

	cfg.Workers = workers

	if v := os.Getenv("REDIS_RETRY_INTERVAL"); v != "" {
		interval, err := time.ParseDuration(v)
		if err != nil || interval < time.Second {
			return nil, fmt.Errorf("invalid REDIS_RETRY_INTERVAL: %q", v)
		}

		cfg.RetryInterval = interval
	}

	if v := os.Getenv("REDIS_MAX_RETRIES"); v != "" {
		retries, err := strconv.Atoi(v)
		if err != nil || retries < 1 || retries > 10 {
			return nil, fmt.Errorf("invalid REDIS_MAX_RETRIES: %q", v)
		}

		cfg.MaxRetries = retries
	}

	return cfg, nil
}

func (c *RedisConfig) applyURL(redisURL string) error {
	parsedURL, err := url.Parse(redisURL)
	if err != nil {
		return fmt.Errorf("invalid Redis URL: %w", err)
	}

	if host := parsedURL.Hostname(); host != "" {
		c.Host = host
	}

	if port := parsedURL.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port in Redis URL: %w", err)
		}

		c.Port = p
	} else {
		c.Port = defaultPort
	}

	if password, ok := parsedURL.User.Password(); ok {
		c.Password = password
	}

	if path := strings.TrimPrefix(parsedURL.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil {
			return fmt.Errorf("invalid database number in Redis URL: %w", err)
		}

		c.DB = db
	}

	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}

	return nil
}

// GetRedisAddr returns the formatted Redis address
func (c *RedisConfig) GetRedisAddr() string {
	host := c.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}

	return fmt.Sprintf("%s:%d", host, c.Port)
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
