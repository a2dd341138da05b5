// Package runner wires configuration and process lifecycles for the sync
// engine binaries.
package runner

import (
	"context"
	"errors"
	"flag"
	"os"
	"time"
)

const (
	RunModeWorker = iota + 1
	RunModeWeb
)

var ErrInvalidRunMode = errors.New("invalid run mode")

// Runner is one process personality: the queue worker or the HTTP API.
type Runner interface {
	Run(context.Context) error
	Close(context.Context) error
}

// Config is the process-level configuration; sync policy and Redis settings
// come from the environment (config and redis/config packages).
type Config struct {
	RunMode         int
	Dsn             string
	Addr            string
	ProviderBaseURL string
	ProviderTimeout time.Duration
	Debug           bool
}

// ParseConfig reads flags with environment fallbacks.
func ParseConfig() *Config {
	cfg := Config{}

	var mode string

	flag.StringVar(&mode, "mode", envOr("SYNC_RUN_MODE", "worker"), "run mode: worker or web")
	flag.StringVar(&cfg.Dsn, "dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	flag.StringVar(&cfg.Addr, "addr", envOr("SYNC_HTTP_ADDR", ":8080"), "HTTP listen address (web mode)")
	flag.StringVar(&cfg.ProviderBaseURL, "provider-url", os.Getenv("PROVIDER_BASE_URL"), "base URL of the data-fetch service")
	flag.DurationVar(&cfg.ProviderTimeout, "provider-timeout", 2*time.Minute, "timeout for collaborator calls")
	flag.BoolVar(&cfg.Debug, "debug", os.Getenv("DEBUG") != "", "enable debug logging")
	flag.Parse()

	switch mode {
	case "web":
		cfg.RunMode = RunModeWeb
	default:
		cfg.RunMode = RunModeWorker
	}

	return &cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
