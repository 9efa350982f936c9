// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"time"

	"github.com/ManuGH/segflow/internal/fragment"
)

// Config is the full runtime configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Download   DownloadConfig   `yaml:"download"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Debug      DebugConfig      `yaml:"debug"`
	Stream     StreamConfig     `yaml:"stream"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// RetryAttempts is the total number of attempts per fragment type.
type RetryAttempts struct {
	Manifest int `yaml:"manifest"`
	Init     int `yaml:"init"`
	Media    int `yaml:"media"`
	Index    int `yaml:"index"`
	Other    int `yaml:"other"`
}

// For returns the attempt budget of fragment type t.
func (r RetryAttempts) For(t fragment.Type) int {
	switch t {
	case fragment.TypeMPD, fragment.TypeXLinkExpansion:
		return r.Manifest
	case fragment.TypeInitSegment:
		return r.Init
	case fragment.TypeMediaSegment:
		return r.Media
	case fragment.TypeIndexSegment:
		return r.Index
	default:
		return r.Other
	}
}

// RetryIntervals is the delay between attempts per fragment type.
type RetryIntervals struct {
	Manifest time.Duration `yaml:"manifest"`
	Init     time.Duration `yaml:"init"`
	Media    time.Duration `yaml:"media"`
	Index    time.Duration `yaml:"index"`
	Other    time.Duration `yaml:"other"`
}

// For returns the retry delay of fragment type t.
func (r RetryIntervals) For(t fragment.Type) time.Duration {
	switch t {
	case fragment.TypeMPD, fragment.TypeXLinkExpansion:
		return r.Manifest
	case fragment.TypeInitSegment:
		return r.Init
	case fragment.TypeMediaSegment:
		return r.Media
	case fragment.TypeIndexSegment:
		return r.Index
	default:
		return r.Other
	}
}

// NetworkTimeouts bound a single attempt per media type. Zero disables.
type NetworkTimeouts struct {
	Audio time.Duration `yaml:"audio"`
	Video time.Duration `yaml:"video"`
	Text  time.Duration `yaml:"text"`
}

// For returns the attempt timeout of media type m.
func (n NetworkTimeouts) For(m fragment.MediaType) time.Duration {
	switch m {
	case fragment.MediaAudio:
		return n.Audio
	case fragment.MediaVideo:
		return n.Video
	case fragment.MediaText:
		return n.Text
	default:
		return 0
	}
}

type WatchdogConfig struct {
	Interval          time.Duration `yaml:"interval"`
	ConnectMin        time.Duration `yaml:"connect_min"`
	ConnectScale      float64       `yaml:"connect_scale"`
	KillThreshold     time.Duration `yaml:"kill_threshold"`
	Grace             time.Duration `yaml:"grace"`
	MinBytesPerSecond float64       `yaml:"min_bytes_per_second"`
}

type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

type DownloadConfig struct {
	UserAgent        string          `yaml:"user_agent"`
	RetryAttempts    RetryAttempts   `yaml:"retry_attempts"`
	RetryInterval    RetryIntervals  `yaml:"retry_interval"`
	NetworkTimeout   NetworkTimeouts `yaml:"network_timeout"`
	MonitorInterval  time.Duration   `yaml:"monitor_interval"`
	RunawayFactor    float64         `yaml:"runaway_factor"`
	DiagnosticsFlush time.Duration   `yaml:"diagnostics_flush"`
	Watchdog         WatchdogConfig  `yaml:"watchdog"`
	ExistenceBreaker BreakerConfig   `yaml:"existence_breaker"`
}

// BufferConfig values are media seconds unless typed as durations.
type BufferConfig struct {
	ToKeep             float64       `yaml:"to_keep"`
	AheadToKeep        float64       `yaml:"ahead_to_keep"`
	CriticalDefault    float64       `yaml:"critical_default"`
	CriticalMinimum    float64       `yaml:"critical_minimum"`
	StallThreshold     float64       `yaml:"stall_threshold"`
	LoadedThreshold    float64       `yaml:"loaded_threshold"`
	PruningInterval    time.Duration `yaml:"pruning_interval"`
	WallclockInterval  time.Duration `yaml:"wallclock_interval"`
	RemoveMinimum      float64       `yaml:"remove_minimum"`
	RemoveRetryMinimum time.Duration `yaml:"remove_retry_minimum"`
}

type SchedulingConfig struct {
	LowBufferThreshold float64       `yaml:"low_buffer_threshold"`
	SwitchCooldown     time.Duration `yaml:"switch_cooldown"`
	MaxBufferAhead     float64       `yaml:"max_buffer_ahead"`
	// PacingTarget delays new requests by the buffered surplus above it.
	// Zero disables pacing.
	PacingTarget           float64 `yaml:"pacing_target"`
	SeekStartTolerance     float64 `yaml:"seek_start_tolerance"`
	InflightCeiling        int     `yaml:"inflight_ceiling"`
	PartialFragmentMinimum float64 `yaml:"partial_fragment_minimum"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

type DebugConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	RateLimit  int    `yaml:"rate_limit"`
}

// StreamConfig describes the templated origin played by segflowd.
type StreamConfig struct {
	ID              string              `yaml:"id"`
	BaseURL         string              `yaml:"base_url"`
	InitTemplate    string              `yaml:"init_template"`
	MediaTemplate   string              `yaml:"media_template"`
	SegmentDuration float64             `yaml:"segment_duration"`
	SegmentCount    int                 `yaml:"segment_count"`
	Representations map[string][]string `yaml:"representations"`
}
