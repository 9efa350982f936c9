// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/ManuGH/segflow/internal/fragment"
)

// Attribute keys for fetch spans.
const (
	HTTPURLKey        = "http.url"
	HTTPStatusCodeKey = "http.status_code"

	FragmentMediaTypeKey = "fragment.media_type"
	FragmentTypeKey      = "fragment.type"
	FragmentIndexKey     = "fragment.index"
	FragmentQualityKey   = "fragment.quality"
	FragmentStartKey     = "fragment.start_time"
	FragmentDurationKey  = "fragment.duration"
	FragmentRangeKey     = "fragment.range"
	FetchAttemptKey      = "fetch.attempt"
	FetchBytesKey        = "fetch.bytes"

	ErrorTypeKey = "error.type"
)

// FragmentAttributes describes the request behind a fetch span.
func FragmentAttributes(req *fragment.Request, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(FragmentMediaTypeKey, string(req.MediaType)),
		attribute.String(FragmentTypeKey, string(req.Type)),
		attribute.Int(FragmentIndexKey, req.Index),
		attribute.Int(FragmentQualityKey, req.Quality),
		attribute.Int(FetchAttemptKey, attempt),
		attribute.String(HTTPURLKey, req.URL),
	}
	if !req.IsInit() {
		attrs = append(attrs,
			attribute.Float64(FragmentStartKey, req.StartTime),
			attribute.Float64(FragmentDurationKey, req.Duration),
		)
	}
	if !req.Range.IsZero() {
		attrs = append(attrs, attribute.String(FragmentRangeKey, req.Range.String()))
	}
	return attrs
}

// ResultAttributes describes the outcome of a fetch attempt.
func ResultAttributes(status int, bytes int64, errorType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(HTTPStatusCodeKey, status),
		attribute.Int64(FetchBytesKey, bytes),
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String(ErrorTypeKey, errorType))
	}
	return attrs
}
