// Package config loads the process-boundary configuration recognized by the
// worker/scheduler binaries from environment variables, mirroring the
// environment keys enumerated for this runtime: Redis connection
// parameters and the per-account concurrency override. No ecosystem config
// library in the retrieval pack is actually wired into any runtime path (only
// a devtool's transitive dependency touches one), so this loader stays on
// plain os.Getenv/strconv rather than adding an unwired dependency.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Redis holds the connection parameters for the production broker
// implementation.
type Redis struct {
	Host     string
	Port     int
	Password string
	SSL      bool
}

// Addr returns the host:port dial address.
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Config is the full set of environment-driven settings this core consumes.
type Config struct {
	Redis Redis

	// MaxParallelAgentRuns overrides the per-account concurrency limit. Zero
	// means unbounded (the local-development default); production
	// deployments set this to a small positive number.
	MaxParallelAgentRuns int

	// InstanceID identifies this worker process in active-run accounting and
	// run-lock ownership. Defaults to the hostname if unset.
	InstanceID string

	// ReconcileInterval is how often the orphan-run sweep runs.
	ReconcileInterval time.Duration
}

// FromEnv loads Config from the process environment, applying the defaults
// documented in this runtime's external interface: REDIS_HOST defaults to
// "localhost", REDIS_PORT to 6379, MAX_PARALLEL_AGENT_RUNS to 0 (unbounded).
func FromEnv() Config {
	cfg := Config{
		Redis: Redis{
			Host:     getenv("REDIS_HOST", "localhost"),
			Port:     getenvInt("REDIS_PORT", 6379),
			Password: os.Getenv("REDIS_PASSWORD"),
			SSL:      getenvBool("REDIS_SSL", false),
		},
		MaxParallelAgentRuns: getenvInt("MAX_PARALLEL_AGENT_RUNS", 0),
		InstanceID:           getenv("INSTANCE_ID", hostnameOrFallback()),
		ReconcileInterval:    time.Minute,
	}
	return cfg
}

func hostnameOrFallback() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "agentrund"
	}
	return h
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
