// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package events names the signals exchanged between the streaming core and
// its collaborators, and defines their payloads.
package events

import (
	"time"

	"github.com/ManuGH/segflow/internal/fragment"
)

// Topic is the name of a signal.
type Topic string

// Signals consumed by the core.
const (
	PlaybackSeeking        Topic = "playback-seeking"
	PlaybackProgress       Topic = "playback-progress"
	PlaybackTimeUpdated    Topic = "playback-time-updated"
	PlaybackRateChanged    Topic = "playback-rate-changed"
	WallclockTick          Topic = "wallclock-tick"
	QualityChangeRequested Topic = "quality-change-requested"
	CurrentTrackChanged    Topic = "current-track-changed"
	StreamCompleted        Topic = "stream-completed"
)

// Signals emitted by the core.
const (
	BufferingCompleted         Topic = "buffering-completed"
	BufferLevelUpdated         Topic = "buffer-level-updated"
	BufferStateChanged         Topic = "buffer-state-changed"
	BufferCleared              Topic = "buffer-cleared"
	QuotaExceeded              Topic = "quota-exceeded"
	BytesAppended              Topic = "bytes-appended"
	DownloadedFragmentStat     Topic = "downloaded-fragment-stat"
	CheckForExistenceCompleted Topic = "check-for-existence-completed"
	DownloadError              Topic = "download-error"
)

// Event is one published signal. Payload holds one of the types below.
type Event struct {
	Topic     Topic
	StreamID  string
	MediaType fragment.MediaType
	Payload   any
}

// Seeking carries the seek target in media seconds.
type Seeking struct {
	Time float64
}

// Progress carries the current playback time.
type Progress struct {
	Time float64
}

// RateChanged carries the new playback rate.
type RateChanged struct {
	Rate float64
}

// Tick is a periodic wall-clock heartbeat.
type Tick struct {
	At time.Time
}

// QualityChange asks a media type of a stream to move to a new quality.
type QualityChange struct {
	Quality int
	Reason  string
}

// TrackChanged announces a new track. Replace selects the replace switch
// mode, which clears what was buffered for the old track.
type TrackChanged struct {
	Replace bool
}

// Completed announces that the stream ends at LastIndex.
type Completed struct {
	LastIndex int
}

// BufferState is EMPTY or LOADED.
type BufferState string

const (
	BufferEmpty  BufferState = "bufferStalled"
	BufferLoaded BufferState = "bufferLoaded"
)

// StateChanged carries the new buffer state.
type StateChanged struct {
	State BufferState
}

// Level carries the buffer level in seconds ahead of the playhead.
type Level struct {
	Seconds float64
}

// Cleared carries the removed interval. From and To are zero when nothing
// had to be removed.
type Cleared struct {
	From, To float64
	// Unfiltered reports whether the clear was requested for a track switch
	// rather than by overflow recovery.
	Unfiltered bool
}

// Quota carries the critical level adopted after an overflow.
type Quota struct {
	CriticalLevel float64
}

// Appended describes one chunk handed to the backing store.
type Appended struct {
	Quality   int
	StartTime float64
	Index     int
	Ranges    int
}

// Stat is timing data for a downloaded fragment. A nil *Stat payload marks
// the end of the stream.
type Stat struct {
	Index        int
	Quality      int
	RequestStart time.Time
	FirstByte    time.Time
	RequestEnd   time.Time
	Bytes        int64
	Throughput   float64
}

// Existence carries the result of a HEAD probe.
type Existence struct {
	URL    string
	Exists bool
}

// DownloadErrorID classifies a download error by fragment type.
type DownloadErrorID string

const (
	DownloadErrorManifest       DownloadErrorID = "manifest"
	DownloadErrorXLink          DownloadErrorID = "xlink"
	DownloadErrorInitialization DownloadErrorID = "initialization"
	DownloadErrorContent        DownloadErrorID = "content"
)

// DownloadFailure reports a fetch that exhausted its attempts.
type DownloadFailure struct {
	ID    DownloadErrorID
	URL   string
	Index int
	Err   error
}

// ClassifyDownloadError maps a fragment type onto its download error id.
func ClassifyDownloadError(t fragment.Type) DownloadErrorID {
	switch t {
	case fragment.TypeMPD:
		return DownloadErrorManifest
	case fragment.TypeXLinkExpansion:
		return DownloadErrorXLink
	case fragment.TypeInitSegment:
		return DownloadErrorInitialization
	default:
		return DownloadErrorContent
	}
}
