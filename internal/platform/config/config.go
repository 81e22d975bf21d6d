// Package config loads agent configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type HTTPConfig struct {
	Addr string
}

// AppConfig is the base configuration shared by every binary.
type AppConfig struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
}

func Load() (AppConfig, error) {
	cfg := AppConfig{
		ServiceName: strings.TrimSpace(os.Getenv("SERVICE_NAME")),
		LogLevel:    strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		HTTP: HTTPConfig{
			Addr: strings.TrimSpace(os.Getenv("HTTP_ADDR")),
		},
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "playvision-agent"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = "127.0.0.1:8710"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// AgentConfig holds everything specific to the player/sync agent.
type AgentConfig struct {
	// UpstreamBaseURL is the root of the platform (Django) deployment.
	UpstreamBaseURL string
	// SessionToken is the platform session JWT for the current viewer.
	// Empty means the viewer is a guest.
	SessionToken string
	// JWTSecret verifies SessionToken claims.
	JWTSecret []byte

	NATSURL string
	// QueuePath is the sqlite file backing the offline action queue.
	QueuePath string

	// AllowedPreviewSeconds caps ungated playback for unentitled viewers.
	AllowedPreviewSeconds int
	// ProgressFlushInterval is the progress reporter tick cadence.
	ProgressFlushInterval time.Duration
	// ActivityWindow bounds how stale user activity may be before a
	// progress tick is skipped.
	ActivityWindow time.Duration
}

func LoadAgent() (AgentConfig, error) {
	cfg := AgentConfig{
		UpstreamBaseURL:       strings.TrimSpace(os.Getenv("AGENT_UPSTREAM_URL")),
		SessionToken:          strings.TrimSpace(os.Getenv("AGENT_SESSION_TOKEN")),
		JWTSecret:             []byte(strings.TrimSpace(os.Getenv("AGENT_JWT_SECRET"))),
		NATSURL:               strings.TrimSpace(os.Getenv("NATS_URL")),
		QueuePath:             strings.TrimSpace(os.Getenv("AGENT_QUEUE_PATH")),
		AllowedPreviewSeconds: envInt("AGENT_PREVIEW_SECONDS", 20),
		ProgressFlushInterval: envDuration("AGENT_PROGRESS_INTERVAL", 30*time.Second),
		ActivityWindow:        envDuration("AGENT_ACTIVITY_WINDOW", 2*time.Minute),
	}
	if cfg.UpstreamBaseURL == "" {
		return AgentConfig{}, errors.New("AGENT_UPSTREAM_URL is required")
	}
	cfg.UpstreamBaseURL = strings.TrimRight(cfg.UpstreamBaseURL, "/")
	if cfg.QueuePath == "" {
		cfg.QueuePath = "agent-queue.db"
	}
	return cfg, nil
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
