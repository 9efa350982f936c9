// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/segflow/internal/fragment"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 333*time.Millisecond, cfg.Download.Watchdog.Interval)
	assert.InDelta(t, 2.0/30.0, cfg.Buffer.RemoveMinimum, 1e-9)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
download:
  retry_attempts:
    media: 5
  retry_interval:
    media: 250ms
buffer:
  critical_minimum: 12
`)
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Download.RetryAttempts.For(fragment.TypeMediaSegment))
	assert.Equal(t, 3, cfg.Download.RetryAttempts.For(fragment.TypeInitSegment))
	assert.Equal(t, 250*time.Millisecond, cfg.Download.RetryInterval.For(fragment.TypeMediaSegment))
	assert.Equal(t, 12.0, cfg.Buffer.CriticalMinimum)
	assert.Equal(t, 6.0, cfg.Buffer.LoadedThreshold)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "scheduling:\n  inflight_ceiling: 2\n")
	t.Setenv("SEGFLOW_SCHEDULING_INFLIGHT_CEILING", "3")
	t.Setenv("SEGFLOW_DOWNLOAD_MEDIA_RETRY_INTERVAL", "2s")

	l := NewLoader(path)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scheduling.InflightCeiling)
	assert.Equal(t, 2*time.Second, cfg.Download.RetryInterval.Media)
	assert.Contains(t, l.ConsumedEnvKeys, "SEGFLOW_SCHEDULING_INFLIGHT_CEILING")
}

func TestLoadInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("SEGFLOW_BUFFER_TO_KEEP", "lots")
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, 30.0, cfg.Buffer.ToKeep)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "buffer:\n  keep_forever: true\n")
	_, err := NewLoader(path).Load()
	require.ErrorIs(t, err, ErrUnknownConfigField)
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "log:\n  level: debug\n---\nlog:\n  level: info\n")
	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestLoadRejectsNonYAMLExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only YAML supported")
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Buffer, cfg.Buffer)
}

func TestNetworkTimeoutsFor(t *testing.T) {
	n := NetworkTimeouts{Audio: time.Second, Video: 2 * time.Second}
	assert.Equal(t, time.Second, n.For(fragment.MediaAudio))
	assert.Equal(t, 2*time.Second, n.For(fragment.MediaVideo))
	assert.Zero(t, n.For(fragment.MediaOther))
}
