// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics exposes the Prometheus collectors of the streaming core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fragmentDownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segflow_fragment_downloads_total",
		Help: "Total number of finished fragment downloads by result",
	}, []string{"media_type", "type", "result"})

	fragmentRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segflow_fragment_download_retries_total",
		Help: "Total number of fragment download retries",
	}, []string{"media_type", "type"})

	fragmentAbortsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segflow_fragment_download_aborts_total",
		Help: "Total number of fragment downloads aborted by the watchdog, the monitor or the caller",
	}, []string{"media_type", "reason"})

	fragmentDownloadSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "segflow_fragment_download_seconds",
		Help:    "Wall time from request start to last byte of successful downloads",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
	}, []string{"media_type"})

	fragmentBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segflow_fragment_bytes_total",
		Help: "Total number of fragment payload bytes received",
	}, []string{"media_type"})
)

// Abort reasons.
const (
	AbortConnectTimeout = "connect_timeout"
	AbortDeadConnection = "dead_connection"
	AbortRunaway        = "runaway"
	AbortDeliberate     = "deliberate"
)

// IncFragmentDownload records a finished download. result is "success" or
// the classified failure kind.
func IncFragmentDownload(mediaType, fragmentType, result string) {
	fragmentDownloadsTotal.WithLabelValues(mediaType, fragmentType, result).Inc()
}

// IncFragmentRetry records a scheduled retry.
func IncFragmentRetry(mediaType, fragmentType string) {
	fragmentRetriesTotal.WithLabelValues(mediaType, fragmentType).Inc()
}

// IncFragmentAbort records an aborted attempt.
func IncFragmentAbort(mediaType, reason string) {
	fragmentAbortsTotal.WithLabelValues(mediaType, reason).Inc()
}

// ObserveFragmentDownload records duration and size of a successful download.
func ObserveFragmentDownload(mediaType string, d time.Duration, bytes int64) {
	fragmentDownloadSeconds.WithLabelValues(mediaType).Observe(d.Seconds())
	if bytes > 0 {
		fragmentBytesTotal.WithLabelValues(mediaType).Add(float64(bytes))
	}
}
