// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bufferLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segflow_buffer_level_seconds",
		Help: "Seconds of media buffered ahead of the playhead",
	}, []string{"media_type"})

	bufferCriticalLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segflow_buffer_critical_level_seconds",
		Help: "Current critical buffer level (0 while unlimited)",
	}, []string{"media_type"})

	bufferQuotaExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segflow_buffer_quota_exceeded_total",
		Help: "Total number of buffer overflow recoveries",
	}, []string{"media_type"})

	bufferRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segflow_buffer_removals_total",
		Help: "Total number of confirmed buffer range removals",
	}, []string{"media_type"})

	bufferState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segflow_buffer_state",
		Help: "Buffer state per media type (active state=1; others 0)",
	}, []string{"media_type", "state"})
)

var bufferStates = []string{"empty", "loaded"}

// SetBufferLevel records the buffer level of a media type.
func SetBufferLevel(mediaType string, seconds float64) {
	bufferLevel.WithLabelValues(mediaType).Set(seconds)
}

// SetBufferCriticalLevel records the critical level of a media type.
func SetBufferCriticalLevel(mediaType string, seconds float64) {
	bufferCriticalLevel.WithLabelValues(mediaType).Set(seconds)
}

// IncBufferQuotaExceeded records an overflow recovery.
func IncBufferQuotaExceeded(mediaType string) {
	bufferQuotaExceeded.WithLabelValues(mediaType).Inc()
}

// IncBufferRemoval records a confirmed range removal.
func IncBufferRemoval(mediaType string) {
	bufferRemovals.WithLabelValues(mediaType).Inc()
}

// SetBufferState records the active buffer state of a media type.
func SetBufferState(mediaType, state string) {
	for _, s := range bufferStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		bufferState.WithLabelValues(mediaType, s).Set(value)
	}
}
