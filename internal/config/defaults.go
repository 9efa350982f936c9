// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Service: "segflow"},
		Download: DownloadConfig{
			UserAgent:     "segflow/1.0",
			RetryAttempts: RetryAttempts{Manifest: 3, Init: 3, Media: 3, Index: 3, Other: 3},
			RetryInterval: RetryIntervals{
				Manifest: 500 * time.Millisecond,
				Init:     time.Second,
				Media:    time.Second,
				Index:    time.Second,
				Other:    time.Second,
			},
			MonitorInterval:  500 * time.Millisecond,
			RunawayFactor:    10,
			DiagnosticsFlush: time.Second,
			Watchdog: WatchdogConfig{
				Interval:          333 * time.Millisecond,
				ConnectMin:        2500 * time.Millisecond,
				ConnectScale:      1.25,
				KillThreshold:     4 * time.Second,
				Grace:             500 * time.Millisecond,
				MinBytesPerSecond: 10000,
			},
			ExistenceBreaker: BreakerConfig{Threshold: 5, ResetTimeout: 30 * time.Second},
		},
		Buffer: BufferConfig{
			ToKeep:             30,
			AheadToKeep:        80,
			CriticalMinimum:    10,
			StallThreshold:     0.5,
			LoadedThreshold:    6,
			PruningInterval:    30 * time.Second,
			WallclockInterval:  100 * time.Millisecond,
			RemoveMinimum:      2.0 / 30.0,
			RemoveRetryMinimum: 4 * time.Second,
		},
		Scheduling: SchedulingConfig{
			LowBufferThreshold:     4,
			SwitchCooldown:         4 * time.Second,
			MaxBufferAhead:         30,
			PacingTarget:           20,
			SeekStartTolerance:     0.15,
			InflightCeiling:        1,
			PartialFragmentMinimum: 2.0 / 30.0,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		Debug: DebugConfig{ListenAddr: "127.0.0.1:9464", RateLimit: 20},
		Stream: StreamConfig{
			ID:              "demo",
			BaseURL:         "http://127.0.0.1:8080/",
			InitTemplate:    "$RepresentationID$/init.mp4",
			MediaTemplate:   "$RepresentationID$/seg-$Number$.m4s",
			SegmentDuration: 2,
			SegmentCount:    300,
			Representations: map[string][]string{
				"video": {"v0", "v1", "v2"},
				"audio": {"a0"},
			},
		},
	}
}
