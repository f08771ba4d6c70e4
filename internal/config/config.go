// Package config provides the configuration schema, loader, and file watcher
// for the scribefeed client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to its slog level. Unrecognised levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for scribefeed.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	API      APIConfig     `yaml:"api"`
	Stream   StreamConfig  `yaml:"stream"`
	Meeting  MeetingConfig `yaml:"meeting"`
	LogLevel LogLevel      `yaml:"log_level"`

	// MetricsAddr is the listen address for the Prometheus scrape endpoint
	// (e.g. "127.0.0.1:9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// APIConfig holds the transcription service endpoints and credential.
type APIConfig struct {
	// Key is the API credential. It travels as the api_key query parameter
	// on the streaming URL and the X-API-Key header on REST calls. It is
	// never logged.
	Key string `yaml:"key"`

	// StreamURL is the WebSocket endpoint (ws:// or wss://), without
	// credential.
	StreamURL string `yaml:"stream_url"`

	// RESTURL is the base URL of the REST API (http:// or https://).
	RESTURL string `yaml:"rest_url"`
}

// StreamConfig tunes the streaming transport. Zero values take the transport
// defaults.
type StreamConfig struct {
	// PingInterval is the keepalive probe interval while connected.
	PingInterval time.Duration `yaml:"ping_interval"`

	// ConnectTimeout bounds the WebSocket handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// BackoffBase is the first reconnect delay; it doubles per attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// MaxAttempts is the reconnect attempt budget.
	MaxAttempts int `yaml:"max_attempts"`
}

// MeetingConfig holds per-meeting defaults.
type MeetingConfig struct {
	// Language is the default recognition language code (e.g. "en").
	Language string `yaml:"language"`
}
