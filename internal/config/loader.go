// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath      string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a loader. An empty path means defaults and ENV only.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath:      configPath,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path.
func (l *Loader) Path() string { return l.configPath }

func (l *Loader) envString(key, defaultVal string) string {
	key = EnvPrefix + key
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	key = EnvPrefix + key
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	key = EnvPrefix + key
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	key = EnvPrefix + key
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	key = EnvPrefix + key
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

// Load loads configuration with precedence ENV > File > Defaults and
// validates the result.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadFile decodes the file on top of cfg, so absent keys keep their defaults.
func (l *Loader) loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if isUnknownFieldError(err) {
			return fmt.Errorf("strict config parse error: %w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func isUnknownFieldError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "field") && strings.Contains(msg, "not found")
}

func (l *Loader) mergeEnv(cfg *Config) {
	cfg.Log.Level = l.envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Service = l.envString("LOG_SERVICE", cfg.Log.Service)

	d := &cfg.Download
	d.UserAgent = l.envString("DOWNLOAD_USER_AGENT", d.UserAgent)
	d.RetryAttempts.Manifest = l.envInt("DOWNLOAD_MANIFEST_RETRY_ATTEMPTS", d.RetryAttempts.Manifest)
	d.RetryAttempts.Init = l.envInt("DOWNLOAD_INIT_RETRY_ATTEMPTS", d.RetryAttempts.Init)
	d.RetryAttempts.Media = l.envInt("DOWNLOAD_MEDIA_RETRY_ATTEMPTS", d.RetryAttempts.Media)
	d.RetryInterval.Manifest = l.envDuration("DOWNLOAD_MANIFEST_RETRY_INTERVAL", d.RetryInterval.Manifest)
	d.RetryInterval.Init = l.envDuration("DOWNLOAD_INIT_RETRY_INTERVAL", d.RetryInterval.Init)
	d.RetryInterval.Media = l.envDuration("DOWNLOAD_MEDIA_RETRY_INTERVAL", d.RetryInterval.Media)
	d.NetworkTimeout.Video = l.envDuration("DOWNLOAD_VIDEO_TIMEOUT", d.NetworkTimeout.Video)
	d.NetworkTimeout.Audio = l.envDuration("DOWNLOAD_AUDIO_TIMEOUT", d.NetworkTimeout.Audio)
	d.Watchdog.MinBytesPerSecond = l.envFloat("DOWNLOAD_WATCHDOG_MIN_BYTES_PER_SECOND", d.Watchdog.MinBytesPerSecond)
	d.Watchdog.KillThreshold = l.envDuration("DOWNLOAD_WATCHDOG_KILL_THRESHOLD", d.Watchdog.KillThreshold)

	b := &cfg.Buffer
	b.ToKeep = l.envFloat("BUFFER_TO_KEEP", b.ToKeep)
	b.AheadToKeep = l.envFloat("BUFFER_AHEAD_TO_KEEP", b.AheadToKeep)
	b.CriticalMinimum = l.envFloat("BUFFER_CRITICAL_MINIMUM", b.CriticalMinimum)
	b.StallThreshold = l.envFloat("BUFFER_STALL_THRESHOLD", b.StallThreshold)
	b.LoadedThreshold = l.envFloat("BUFFER_LOADED_THRESHOLD", b.LoadedThreshold)

	s := &cfg.Scheduling
	s.LowBufferThreshold = l.envFloat("SCHEDULING_LOW_BUFFER_THRESHOLD", s.LowBufferThreshold)
	s.InflightCeiling = l.envInt("SCHEDULING_INFLIGHT_CEILING", s.InflightCeiling)
	s.MaxBufferAhead = l.envFloat("SCHEDULING_MAX_BUFFER_AHEAD", s.MaxBufferAhead)
	s.PacingTarget = l.envFloat("SCHEDULING_PACING_TARGET", s.PacingTarget)

	t := &cfg.Telemetry
	t.Enabled = l.envBool("TELEMETRY_ENABLED", t.Enabled)
	t.Exporter = l.envString("TELEMETRY_EXPORTER", t.Exporter)
	t.Endpoint = l.envString("TELEMETRY_ENDPOINT", t.Endpoint)
	t.SamplingRate = l.envFloat("TELEMETRY_SAMPLING_RATE", t.SamplingRate)

	cfg.Debug.ListenAddr = l.envString("DEBUG_LISTEN_ADDR", cfg.Debug.ListenAddr)
	cfg.Debug.RateLimit = l.envInt("DEBUG_RATE_LIMIT", cfg.Debug.RateLimit)

	cfg.Stream.BaseURL = l.envString("STREAM_BASE_URL", cfg.Stream.BaseURL)
	cfg.Stream.SegmentCount = l.envInt("STREAM_SEGMENT_COUNT", cfg.Stream.SegmentCount)
}
