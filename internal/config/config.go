package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Remote         Remote   `toml:"remote"`
	Delivery       Delivery `toml:"delivery"`
}

// Remote configures the connection to the remote message store.
type Remote struct {
	BaseURL       string `toml:"base_url"`
	StreamURL     string `toml:"stream_url"`
	Token         string `toml:"token"`
	SendTimeout   string `toml:"send_timeout"`
	UploadTimeout string `toml:"upload_timeout"`
	PageSize      int    `toml:"page_size"`
}

// Delivery configures the retry behavior of the job queue.
type Delivery struct {
	MaxAttempts int    `toml:"max_attempts"`
	Backoff     string `toml:"backoff"`
}

// SendTimeoutDuration parses the configured send timeout, falling back to the
// default on absence or parse failure.
func (r Remote) SendTimeoutDuration() time.Duration {
	return parseDuration(r.SendTimeout, 15*time.Second)
}

// UploadTimeoutDuration parses the configured upload timeout.
func (r Remote) UploadTimeoutDuration() time.Duration {
	return parseDuration(r.UploadTimeout, 2*time.Minute)
}

// BackoffDuration parses the configured first retry delay.
func (d Delivery) BackoffDuration() time.Duration {
	return parseDuration(d.Backoff, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
