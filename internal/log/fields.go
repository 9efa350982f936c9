// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldStreamID  = "stream_id"
	FieldFetchID   = "fetch_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Fragment fields
	FieldMediaType   = "media_type"
	FieldRequestType = "request_type"
	FieldIndex       = "index"
	FieldQuality     = "quality"
	FieldStartTime   = "start_time"
	FieldDuration    = "duration"
	FieldAttempt     = "attempt"
	FieldStatus      = "status"

	// Buffer fields
	FieldBufferLevel   = "buffer_level"
	FieldCriticalLevel = "critical_level"
	FieldRangeStart    = "range_start"
	FieldRangeEnd      = "range_end"
	FieldPlaybackTime  = "playback_time"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / URL fields
	FieldURL  = "url"
	FieldPath = "path"
)
