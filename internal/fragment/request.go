// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package fragment models addressable media intervals and the per-media-type
// history of their requests.
package fragment

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MediaType identifies the kind of track a request belongs to.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
	MediaText  MediaType = "text"
	MediaOther MediaType = "other"
)

// Type classifies the HTTP resource behind a request.
type Type string

const (
	TypeMPD                Type = "MPD"
	TypeXLinkExpansion     Type = "XLinkExpansion"
	TypeInitSegment        Type = "InitializationSegment"
	TypeIndexSegment       Type = "IndexSegment"
	TypeMediaSegment       Type = "MediaSegment"
	TypeBitstreamSwitching Type = "BitstreamSwitchingSegment"
	TypeOther              Type = "other"
)

// State is the lifecycle position of a request.
type State int

const (
	StatePending State = iota
	StateLoading
	StateExecuted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLoading:
		return "loading"
	case StateExecuted:
		return "executed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Action tells the scheduler whether a request is fetched or only marks the
// end of the stream.
type Action string

const (
	ActionDownload Action = "download"
	ActionComplete Action = "complete"
)

// NoIndex is the index carried by initialization segments.
const NoIndex = -1

// ErrInvalidTransition is returned when a request is moved out of lifecycle order.
var ErrInvalidTransition = errors.New("invalid fragment state transition")

// ByteRange is an inclusive byte span. A zero value means "whole resource".
type ByteRange struct {
	Start int64
	End   int64
}

// IsZero reports whether the range is unset.
func (r ByteRange) IsZero() bool { return r.Start == 0 && r.End == 0 }

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	if r.IsZero() || r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// String renders the range in HTTP Range header form without the unit.
func (r ByteRange) String() string {
	if r.IsZero() {
		return ""
	}
	return strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10)
}

// Request identifies one segment and tracks its lifecycle.
type Request struct {
	ID               string
	StreamID         string
	MediaType        MediaType
	Type             Type
	Action           Action
	Quality          int
	RepresentationID string

	// Index is monotonic with StartTime within a representation; NoIndex for
	// initialization segments.
	Index     int
	StartTime float64
	Duration  float64

	URL   string
	Range ByteRange

	AvailabilityStart time.Time
	DelayUntil        time.Time

	RequestStart time.Time
	FirstByte    time.Time
	RequestEnd   time.Time
	BytesLoaded  int64
	BytesTotal   int64

	State State
}

// End returns StartTime + Duration.
func (r *Request) End() float64 { return r.StartTime + r.Duration }

// IsInit reports whether the request targets an initialization segment.
func (r *Request) IsInit() bool {
	return r.Type == TypeInitSegment || r.Index == NoIndex
}

// IsComplete reports whether the request is a synthetic end-of-stream marker.
func (r *Request) IsComplete() bool { return r.Action == ActionComplete }

// Transition moves the request to the next lifecycle state.
// Allowed: pending->loading, loading->executed, loading->rejected.
func (r *Request) Transition(to State) error {
	ok := false
	switch r.State {
	case StatePending:
		ok = to == StateLoading
	case StateLoading:
		ok = to == StateExecuted || to == StateRejected
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s (%s #%d)", ErrInvalidTransition, r.State, to, r.MediaType, r.Index)
	}
	r.State = to
	return nil
}

// Clone returns a pending copy of the request with lifecycle data cleared.
func (r *Request) Clone() *Request {
	c := *r
	c.State = StatePending
	c.RequestStart = time.Time{}
	c.FirstByte = time.Time{}
	c.RequestEnd = time.Time{}
	c.BytesLoaded = 0
	c.BytesTotal = 0
	c.DelayUntil = time.Time{}
	return &c
}

// Contains reports whether time t falls inside the request interval, widened
// by threshold on both sides.
func (r *Request) Contains(t, threshold float64) bool {
	if r.IsInit() {
		return false
	}
	return t+threshold >= r.StartTime && t-threshold < r.End()
}

// SameSegment reports whether two requests address the same fragment.
func (r *Request) SameSegment(o *Request) bool {
	if r == nil || o == nil {
		return false
	}
	if r.MediaType != o.MediaType || r.Quality != o.Quality || r.Action != o.Action {
		return false
	}
	if r.IsInit() || o.IsInit() {
		return r.IsInit() && o.IsInit() && r.RepresentationID == o.RepresentationID
	}
	return r.Index == o.Index
}

// SameIndex reports whether two media requests address the same position
// of the timeline, whatever their quality.
func (r *Request) SameIndex(o *Request) bool {
	if r == nil || o == nil || r.IsInit() || o.IsInit() {
		return false
	}
	return r.MediaType == o.MediaType && r.Action == o.Action && r.Index == o.Index
}
