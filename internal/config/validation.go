// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type validator struct {
	errs []error
}

func (v *validator) check(ok bool, field, format string, args ...any) {
	if !ok {
		v.errs = append(v.errs, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...)))
	}
}

// Validate reports every invalid field at once.
func Validate(cfg Config) error {
	v := &validator{}

	switch strings.ToLower(cfg.Log.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled", "":
	default:
		v.check(false, "log.level", "unknown level %q", cfg.Log.Level)
	}

	d := cfg.Download
	for name, n := range map[string]int{
		"manifest": d.RetryAttempts.Manifest,
		"init":     d.RetryAttempts.Init,
		"media":    d.RetryAttempts.Media,
		"index":    d.RetryAttempts.Index,
		"other":    d.RetryAttempts.Other,
	} {
		v.check(n >= 1, "download.retry_attempts."+name, "must be >= 1 (got %d)", n)
	}
	v.check(d.MonitorInterval > 0, "download.monitor_interval", "must be > 0")
	v.check(d.RunawayFactor > 1, "download.runaway_factor", "must be > 1 (got %g)", d.RunawayFactor)
	v.check(d.DiagnosticsFlush > 0, "download.diagnostics_flush", "must be > 0")
	v.check(d.Watchdog.Interval > 0, "download.watchdog.interval", "must be > 0")
	v.check(d.Watchdog.ConnectMin > 0, "download.watchdog.connect_min", "must be > 0")
	v.check(d.Watchdog.ConnectScale > 0, "download.watchdog.connect_scale", "must be > 0")
	v.check(d.Watchdog.KillThreshold > 0, "download.watchdog.kill_threshold", "must be > 0")
	v.check(d.Watchdog.Grace > 0, "download.watchdog.grace", "must be > 0")
	v.check(d.Watchdog.MinBytesPerSecond >= 0, "download.watchdog.min_bytes_per_second", "must be >= 0")

	b := cfg.Buffer
	v.check(b.ToKeep >= 0, "buffer.to_keep", "must be >= 0")
	v.check(b.AheadToKeep >= 0, "buffer.ahead_to_keep", "must be >= 0")
	v.check(b.CriticalDefault >= 0, "buffer.critical_default", "must be >= 0")
	v.check(b.CriticalMinimum > 0, "buffer.critical_minimum", "must be > 0")
	v.check(b.StallThreshold >= 0, "buffer.stall_threshold", "must be >= 0")
	v.check(b.LoadedThreshold > b.StallThreshold, "buffer.loaded_threshold",
		"must exceed stall_threshold (%g <= %g)", b.LoadedThreshold, b.StallThreshold)
	v.check(b.PruningInterval > 0, "buffer.pruning_interval", "must be > 0")
	v.check(b.RemoveMinimum > 0, "buffer.remove_minimum", "must be > 0")
	v.check(b.RemoveRetryMinimum > 0, "buffer.remove_retry_minimum", "must be > 0")

	s := cfg.Scheduling
	v.check(s.LowBufferThreshold > 0, "scheduling.low_buffer_threshold", "must be > 0")
	v.check(s.SwitchCooldown >= 0, "scheduling.switch_cooldown", "must be >= 0")
	v.check(s.MaxBufferAhead > 0, "scheduling.max_buffer_ahead", "must be > 0")
	v.check(s.PacingTarget >= 0 && s.PacingTarget < s.MaxBufferAhead, "scheduling.pacing_target",
		"must be within [0, max_buffer_ahead) (got %g)", s.PacingTarget)
	v.check(s.InflightCeiling >= 1, "scheduling.inflight_ceiling", "must be >= 1 (got %d)", s.InflightCeiling)
	v.check(s.PartialFragmentMinimum > 0, "scheduling.partial_fragment_minimum", "must be > 0")

	t := cfg.Telemetry
	if t.Enabled {
		v.check(t.Exporter == "grpc" || t.Exporter == "http", "telemetry.exporter", "must be grpc or http (got %q)", t.Exporter)
		v.check(t.Endpoint != "", "telemetry.endpoint", "required when telemetry is enabled")
		v.check(t.SamplingRate >= 0 && t.SamplingRate <= 1, "telemetry.sampling_rate", "must be within [0,1]")
	}

	v.check(cfg.Debug.RateLimit >= 0, "debug.rate_limit", "must be >= 0")

	if cfg.Stream.BaseURL != "" {
		u, err := url.Parse(cfg.Stream.BaseURL)
		v.check(err == nil && (u.Scheme == "http" || u.Scheme == "https"), "stream.base_url", "must be an http(s) URL")
	}
	v.check(cfg.Stream.SegmentDuration > 0, "stream.segment_duration", "must be > 0")
	v.check(cfg.Stream.SegmentCount >= 0, "stream.segment_count", "must be >= 0")

	return errors.Join(v.errs...)
}
