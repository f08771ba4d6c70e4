package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownLanguages lists the recognition language codes the transcription
// service documents. [Validate] warns about codes outside this list rather
// than rejecting them, so newly added server-side languages keep working.
var KnownLanguages = []string{
	"en", "es", "fr", "de", "it", "pt", "nl", "pl", "ru", "uk",
	"zh", "ja", "ko", "ar", "hi", "tr", "sv", "da", "no", "fi",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in values the file omitted.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Meeting.Language == "" {
		cfg.Meeting.Language = "en"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.API.StreamURL == "" {
		errs = append(errs, errors.New("api.stream_url is required"))
	} else if err := checkURL(cfg.API.StreamURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("api.stream_url: %w", err))
	}

	if cfg.API.RESTURL != "" {
		if err := checkURL(cfg.API.RESTURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("api.rest_url: %w", err))
		}
	}

	if cfg.API.Key == "" {
		slog.Warn("api.key is empty; connect attempts will fail until a credential is configured")
	}

	if cfg.Stream.PingInterval < 0 {
		errs = append(errs, fmt.Errorf("stream.ping_interval must not be negative, got %v", cfg.Stream.PingInterval))
	}
	if cfg.Stream.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("stream.connect_timeout must not be negative, got %v", cfg.Stream.ConnectTimeout))
	}
	if cfg.Stream.BackoffBase < 0 {
		errs = append(errs, fmt.Errorf("stream.backoff_base must not be negative, got %v", cfg.Stream.BackoffBase))
	}
	if cfg.Stream.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("stream.max_attempts must not be negative, got %d", cfg.Stream.MaxAttempts))
	}

	if lang := cfg.Meeting.Language; lang != "" && !slices.Contains(KnownLanguages, lang) {
		slog.Warn("unknown recognition language — may be a typo or a newly added language",
			"language", lang,
			"known", KnownLanguages,
		)
	}

	return errors.Join(errs...)
}

// checkURL verifies that raw parses and uses one of the allowed schemes.
func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is invalid; valid schemes: %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
