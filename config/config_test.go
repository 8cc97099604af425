// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	require.Equal(t, "offsync.db", cfg.DatabasePath)
	require.Equal(t, int64(3)<<30, cfg.StorageSoftLimitBytes)
	require.Equal(t, 30, cfg.TombstoneRetentionDays)
	require.Equal(t, 5, cfg.QueueMaxRetries)
	require.Equal(t, 15*time.Second, cfg.ProbeInterval())
	require.Equal(t, 30*24*time.Hour, cfg.TombstoneRetention())
	require.Equal(t, time.Second, cfg.BackoffMin())
	require.Equal(t, time.Minute, cfg.BackoffMax())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("OFFSYNC_DB_PATH", "/tmp/test.db")
	t.Setenv("OFFSYNC_REMOTE_BASE_URL", "https://api.example.com/v1")
	t.Setenv("OFFSYNC_TOMBSTONE_RETENTION_DAYS", "7")
	t.Setenv("OFFSYNC_PROBE_INTERVAL_SECONDS", "60")

	cfg, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, "/tmp/test.db", cfg.DatabasePath)
	require.Equal(t, "https://api.example.com/v1", cfg.RemoteBaseURL)
	require.Equal(t, 7*24*time.Hour, cfg.TombstoneRetention())
	require.Equal(t, time.Minute, cfg.ProbeInterval())
}

func TestInvalidProbeInterval(t *testing.T) {
	t.Setenv("OFFSYNC_PROBE_INTERVAL_SECONDS", "-1")

	_, err := NewConfig()
	require.Error(t, err)
}
