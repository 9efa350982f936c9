// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestValidateReportsEveryField(t *testing.T) {
	cfg := Default()
	cfg.Scheduling.InflightCeiling = 0
	cfg.Scheduling.PacingTarget = cfg.Scheduling.MaxBufferAhead
	cfg.Buffer.LoadedThreshold = 0.2
	cfg.Download.RetryAttempts.Media = 0
	cfg.Log.Level = "loud"

	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, field := range []string{
		"scheduling.inflight_ceiling",
		"scheduling.pacing_target",
		"buffer.loaded_threshold",
		"download.retry_attempts.media",
		"log.level",
	} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestValidateTelemetryOnlyWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.Exporter = "carrier-pigeon"
	require.NoError(t, Validate(cfg))

	cfg.Telemetry.Enabled = true
	require.ErrorIs(t, Validate(cfg), ErrInvalidConfig)
}

func TestValidateBaseURL(t *testing.T) {
	cfg := Default()
	cfg.Stream.BaseURL = "ftp://origin/"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream.base_url")
}
