// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

// Config is the environment-driven configuration of the offline engine.
type Config struct {
	DatabasePath  string `env:"OFFSYNC_DB_PATH,default=offsync.db"`
	RemoteBaseURL string `env:"OFFSYNC_REMOTE_BASE_URL,default=http://localhost:8000/api/v1"`

	ProbeIntervalSeconds int `env:"OFFSYNC_PROBE_INTERVAL_SECONDS,default=15"`

	StorageSoftLimitBytes  int64 `env:"OFFSYNC_STORAGE_SOFT_LIMIT_BYTES,default=3221225472"`
	TombstoneRetentionDays int   `env:"OFFSYNC_TOMBSTONE_RETENTION_DAYS,default=30"`

	QueueMaxRetries int `env:"OFFSYNC_QUEUE_MAX_RETRIES,default=5"`
	DrainLimit      int `env:"OFFSYNC_DRAIN_LIMIT,default=0"`

	BackoffMinSeconds int `env:"OFFSYNC_BACKOFF_MIN_SECONDS,default=1"`
	BackoffMaxSeconds int `env:"OFFSYNC_BACKOFF_MAX_SECONDS,default=60"`
}

// NewConfig reads configuration from the process environment.
func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if config.ProbeIntervalSeconds <= 0 {
		return nil, fmt.Errorf("probe interval must be positive")
	}
	return &config, nil
}

// ProbeInterval returns the connectivity probe interval as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

// TombstoneRetention returns the tombstone retention window as a duration.
func (c *Config) TombstoneRetention() time.Duration {
	return time.Duration(c.TombstoneRetentionDays) * 24 * time.Hour
}

// BackoffMin returns the minimum retry backoff.
func (c *Config) BackoffMin() time.Duration {
	return time.Duration(c.BackoffMinSeconds) * time.Second
}

// BackoffMax returns the maximum retry backoff.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}
