// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduling

import (
	"math"
	"time"

	"github.com/ManuGH/segflow/internal/buffer"
	"github.com/ManuGH/segflow/internal/events"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/index"
)

// Stage selects which rules of a chain take part in an evaluation.
type Stage int

const (
	// StageQuality proposes quality switches.
	StageQuality Stage = iota
	// StageSchedule resolves the next request of one media type.
	StageSchedule
	// StageDispatch picks pending requests to fetch across a stream.
	StageDispatch
)

func (s Stage) String() string {
	switch s {
	case StageQuality:
		return "quality"
	case StageSchedule:
		return "schedule"
	case StageDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// BufferView is the read-only part of a buffer the rules consult.
type BufferView interface {
	Buffered() buffer.Ranges
}

// Context is the input of one rule evaluation. Stream and Type are filled
// in by the Chain.
type Context struct {
	Stage     Stage
	StreamID  string
	MediaType fragment.MediaType
	Now       time.Time

	PlaybackTime    float64
	PlaybackStarted bool
	StreamStartTime float64

	Quality        int
	TracksDisabled bool

	// BufferState is empty until the buffer has signalled a state.
	BufferState events.BufferState
	BufferLevel float64

	History      *fragment.Model
	StreamModels map[fragment.MediaType]*fragment.Model
	Buffer       BufferView
	Index        index.Handler

	RequestToReplace *fragment.Request

	Stream *StreamState
	Type   *TypeState

	// resolving is fixed before the rules run: the tick resolves a seek
	// target or a rejected request instead of ordinary progression.
	resolving bool
}

func (c *Context) prepare() {
	c.resolving = false
	if c.Stage != StageSchedule || c.RequestToReplace != nil || c.Index == nil || c.History == nil {
		return
	}
	c.resolving = c.seekInProgress() ||
		math.IsNaN(c.Index.Time()) ||
		c.History.First(fragment.ByState(fragment.StateRejected)) != nil
}

func (c *Context) buffered() buffer.Ranges {
	if c.Buffer == nil {
		return nil
	}
	return c.Buffer.Buffered()
}

func (c *Context) textDisabled() bool {
	return c.MediaType == fragment.MediaText && c.TracksDisabled
}

// seekInProgress reports whether the tick belongs to seek resolution rather
// than ordinary progression.
func (c *Context) seekInProgress() bool {
	if c.Stream.Seeking() {
		return true
	}
	if _, ok := c.Type.SeekTarget(); ok {
		return true
	}
	if c.MediaType == fragment.MediaAudio {
		if _, ok := c.Stream.Type(fragment.MediaVideo).SeekTarget(); ok {
			return true
		}
	}
	return false
}

// StreamState is the scheduling record of one stream.
type StreamState struct {
	seeking    bool
	completed  bool
	lastSwitch time.Time
	types      map[fragment.MediaType]*TypeState
}

func newStreamState() *StreamState {
	return &StreamState{types: make(map[fragment.MediaType]*TypeState)}
}

// Type returns the record of media type mt, creating it on first use.
func (s *StreamState) Type(mt fragment.MediaType) *TypeState {
	t, ok := s.types[mt]
	if !ok {
		t = newTypeState()
		s.types[mt] = t
	}
	return t
}

// Seeking reports whether a seek has begun and its target is not yet known.
func (s *StreamState) Seeking() bool { return s.seeking }

// BeginSeek enters the seeking state. Buffer observations and the switch
// cooldown start over. Completion is permanent and survives seeks.
func (s *StreamState) BeginSeek() {
	s.seeking = true
	s.lastSwitch = time.Time{}
	s.resetMarks()
}

// ResolveSeek adopts t as the seek target of video and text. Audio follows
// the landing fragment of video, so it only takes t directly when the
// stream has no video.
func (s *StreamState) ResolveSeek(t float64, types ...fragment.MediaType) {
	s.seeking = false
	hasVideo := false
	for _, mt := range types {
		if mt == fragment.MediaVideo {
			hasVideo = true
		}
	}
	for _, mt := range types {
		switch mt {
		case fragment.MediaVideo, fragment.MediaText:
			s.Type(mt).SetSeekTarget(t)
		case fragment.MediaAudio:
			if !hasVideo {
				s.Type(mt).SetSeekTarget(t)
			}
		}
	}
}

// Complete marks the stream as fully scheduled.
func (s *StreamState) Complete() { s.completed = true }

// Completed reports whether the stream has signalled completion.
func (s *StreamState) Completed() bool { return s.completed }

func (s *StreamState) resetMarks() {
	for _, t := range s.types {
		t.firstLoaded = false
		t.lowReached = false
	}
}

// TypeState is the scheduling record of one media type of a stream.
type TypeState struct {
	seekTarget float64
	loadDelay  time.Duration

	firstLoaded bool
	lowReached  bool
}

func newTypeState() *TypeState {
	return &TypeState{seekTarget: math.NaN()}
}

// SeekTarget returns the pending seek target.
func (t *TypeState) SeekTarget() (float64, bool) {
	return t.seekTarget, !math.IsNaN(t.seekTarget)
}

// SetSeekTarget sets the pending seek target.
func (t *TypeState) SetSeekTarget(v float64) { t.seekTarget = v }

// ClearSeekTarget drops the pending seek target.
func (t *TypeState) ClearSeekTarget() { t.seekTarget = math.NaN() }

// SetLoadDelay delays the next resolved request by d.
func (t *TypeState) SetLoadDelay(d time.Duration) { t.loadDelay = d }

// takeLoadDelay returns the pacing delay and consumes it.
func (t *TypeState) takeLoadDelay() time.Duration {
	d := t.loadDelay
	t.loadDelay = 0
	return d
}
