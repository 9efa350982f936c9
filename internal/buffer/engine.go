// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package buffer keeps the playback buffer of one media type: it serialises
// appends and removals against a backing store, recovers from overflow by
// pruning around the playhead and signals EMPTY/LOADED transitions.
//
// An Engine is used from the loop goroutine only.
package buffer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/segflow/internal/bus"
	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/events"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/loop"
	"github.com/ManuGH/segflow/internal/metrics"
)

// seekMargin is kept on both sides of the landing fragment after a seek.
const seekMargin = 0.5

var (
	// ErrMediaTypeMismatch rejects chunks of another media type.
	ErrMediaTypeMismatch = errors.New("chunk media type does not match buffer")
	// ErrAlreadyAppended rejects a request that is queued or still buffered.
	ErrAlreadyAppended = errors.New("fragment already appended")
	// ErrNilSource is returned by New without backing store.
	ErrNilSource = errors.New("buffer source is nil")
)

// Playhead reports the playback position in seconds.
type Playhead interface {
	Time() float64
}

// PlayheadFunc adapts a function to Playhead.
type PlayheadFunc func() float64

func (f PlayheadFunc) Time() float64 { return f() }

// Options wires an Engine to its collaborators.
type Options struct {
	StreamID  string
	MediaType fragment.MediaType
	Source    SourceBuffer
	// History is consulted for executed fragments around the playhead.
	History  *fragment.Model
	Playhead Playhead
	// Publisher receives buffer signals. Nil discards them.
	Publisher bus.Publisher
	// Duration is the presentation length. Zero means unknown.
	Duration float64
	Quality  int
}

// Engine owns the buffer bookkeeping of one media type.
type Engine struct {
	loop   loop.Loop
	cfg    config.BufferConfig
	opts   Options
	pub    bus.Publisher
	logger zerolog.Logger

	level      float64
	critical   float64
	keepBehind float64
	keepAhead  float64
	state      events.BufferState
	quality    int

	completed        bool
	maxAppendedIndex int
	lastIndex        int
	hasLastIndex     bool

	queue        []Chunk
	appended     map[*fragment.Request]Range
	appending    bool
	lastAppended *Chunk
	// recovering holds the append queue until overflow removals finish.
	recovering bool

	pendingClear []Range
	clearing     bool
	unfiltered   bool
	removeTimer  loop.Timer

	wallclockTicks int
	tracksDisabled bool
}

// New creates an Engine.
func New(l loop.Loop, cfg config.BufferConfig, opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, ErrNilSource
	}
	if opts.Playhead == nil {
		opts.Playhead = PlayheadFunc(func() float64 { return 0 })
	}
	pub := opts.Publisher
	if pub == nil {
		pub = bus.Discard
	}
	e := &Engine{
		loop:    l,
		cfg:     cfg,
		opts:    opts,
		pub:     pub,
		logger:  log.WithComponent("buffer").With().Str(log.FieldMediaType, string(opts.MediaType)).Str(log.FieldStreamID, opts.StreamID).Logger(),
		quality: opts.Quality,
	}
	e.resetState()
	return e, nil
}

func (e *Engine) resetState() {
	e.level = 0
	e.critical = e.cfg.CriticalDefault
	if e.critical <= 0 {
		e.critical = math.Inf(1)
	}
	e.keepBehind = e.cfg.ToKeep
	e.keepAhead = e.cfg.AheadToKeep
	e.state = events.BufferEmpty
	e.completed = false
	e.maxAppendedIndex = 0
	e.lastIndex = 0
	e.hasLastIndex = false
	e.queue = nil
	e.appended = make(map[*fragment.Request]Range)
	e.appending = false
	e.lastAppended = nil
	e.recovering = false
	e.pendingClear = nil
	e.clearing = false
	e.unfiltered = false
	if e.removeTimer != nil {
		e.removeTimer.Stop()
		e.removeTimer = nil
	}
	e.wallclockTicks = 0
}

func (e *Engine) emit(topic events.Topic, payload any) {
	e.pub.Emit(events.Event{
		Topic:     topic,
		StreamID:  e.opts.StreamID,
		MediaType: e.opts.MediaType,
		Payload:   payload,
	})
}

func (e *Engine) mt() string { return string(e.opts.MediaType) }

// Level is the buffered time ahead of the playhead at the last update.
func (e *Engine) Level() float64 { return e.level }

// State is the current buffer state.
func (e *Engine) State() events.BufferState { return e.state }

// IsLoaded reports whether the buffer is in the LOADED state.
func (e *Engine) IsLoaded() bool { return e.state == events.BufferLoaded }

// IsBufferingCompleted reports whether the last fragment was appended.
func (e *Engine) IsBufferingCompleted() bool { return e.completed }

// CriticalLevel is the total buffered time above which overflow recovery
// engages. It is +Inf until the first overflow unless configured.
func (e *Engine) CriticalLevel() float64 { return e.critical }

// KeepWindow returns the retained margins behind and ahead of the playhead.
func (e *Engine) KeepWindow() (behind, ahead float64) { return e.keepBehind, e.keepAhead }

// Appending reports whether an append is in flight.
func (e *Engine) Appending() bool { return e.appending }

// Queued is the number of chunks waiting to be appended.
func (e *Engine) Queued() int { return len(e.queue) }

// PendingRemovals is the number of ranges waiting in the removal queue,
// including the one in flight.
func (e *Engine) PendingRemovals() int {
	n := len(e.pendingClear)
	if e.clearing {
		n++
	}
	return n
}

// RemovalDeferred reports whether a removal retry is scheduled.
func (e *Engine) RemovalDeferred() bool { return e.removeTimer != nil }

// Buffered returns the ranges held by the backing store.
func (e *Engine) Buffered() Ranges { return e.opts.Source.Buffered() }

// Occupancy is the buffered time ahead of t.
func (e *Engine) Occupancy(t float64) float64 {
	return e.opts.Source.Buffered().LengthAt(t, DefaultTolerance)
}

// Append queues c. Appends reach the backing store one at a time in queue
// order.
func (e *Engine) Append(c Chunk) error {
	if c.MediaType != "" && c.MediaType != e.opts.MediaType {
		return ErrMediaTypeMismatch
	}
	if c.Request != nil {
		if _, dup := e.appended[c.Request]; dup {
			return fmt.Errorf("%s #%d: %w", c.MediaType, c.Index, ErrAlreadyAppended)
		}
		e.appended[c.Request] = Range{Start: c.Start, End: c.End()}
	}
	e.queue = append(e.queue, c)
	e.next()
	return nil
}

func (e *Engine) next() {
	if e.appending || e.recovering || len(e.queue) == 0 {
		return
	}
	c := e.queue[0]
	e.queue = e.queue[1:]
	e.appending = true

	if e.lastAppended != nil && e.lastAppended.IsInit() && c.IsInit() {
		e.logger.Warn().
			Str(log.FieldEvent, "buffer.init_twice").
			Int(log.FieldQuality, c.Quality).
			Msg("two init segments appended side by side")
	}
	e.lastAppended = &c
	e.opts.Source.Append(c, func(err error) { e.onAppended(c, err) })
}

func (e *Engine) hasSpace() bool {
	return e.opts.Source.Buffered().Total() < e.critical
}

func (e *Engine) onAppended(c Chunk, err error) {
	quota := errors.Is(err, ErrQuotaExceeded)
	haveSpace := e.hasSpace()

	if err != nil && !quota {
		e.logger.Warn().Err(err).
			Str(log.FieldEvent, "buffer.append_failed").
			Int(log.FieldIndex, c.Index).
			Msg("append failed")
	}

	if quota || !haveSpace {
		if quota {
			e.shrinkCritical(e.opts.Source.Buffered().Total())
			e.queue = append([]Chunk{c}, e.queue...)
		}
		metrics.IncBufferQuotaExceeded(e.mt())
		e.logger.Info().
			Str(log.FieldEvent, "buffer.quota_exceeded").
			Float64(log.FieldCriticalLevel, e.critical).
			Float64("keep_behind", e.keepBehind).
			Float64("keep_ahead", e.keepAhead).
			Bool("append_rejected", quota).
			Msg("buffer over critical level")
		e.emit(events.QuotaExceeded, events.Quota{CriticalLevel: e.critical})
		e.recovering = true
		e.appending = false
		e.performRemove(e.removeRetryDelay())
		if quota {
			return
		}
	}

	if err != nil && !quota {
		delete(e.appended, c.Request)
		e.appending = false
		e.next()
		return
	}

	if !c.IsInit() {
		e.maxAppendedIndex = max(e.maxAppendedIndex, c.Index)
		e.checkBufferingCompleted()
	}

	ranges := e.opts.Source.Buffered()
	e.logger.Debug().
		Str(log.FieldEvent, "buffer.appended").
		Int(log.FieldIndex, c.Index).
		Float64(log.FieldStartTime, c.Start).
		Int("ranges", len(ranges)).
		Float64(log.FieldPlaybackTime, e.opts.Playhead.Time()).
		Msg("chunk appended")

	e.updateLevel()
	e.appending = false
	e.emit(events.BytesAppended, events.Appended{
		Quality:   c.Quality,
		StartTime: c.Start,
		Index:     c.Index,
		Ranges:    len(ranges),
	})
	if !c.IsInit() {
		e.emitStat(c)
	}
	e.next()
}

func (e *Engine) emitStat(c Chunk) {
	stat := &events.Stat{
		Index:      c.Index,
		Quality:    c.Quality,
		Bytes:      int64(len(c.Bytes)),
		Throughput: c.Throughput,
	}
	if r := c.Request; r != nil {
		stat.RequestStart = r.RequestStart
		stat.FirstByte = r.FirstByte
		stat.RequestEnd = r.RequestEnd
	}
	e.emit(events.DownloadedFragmentStat, stat)
}

// shrinkCritical adopts 80% of the buffered total as the critical level and
// splits it into the keep windows.
func (e *Engine) shrinkCritical(total float64) {
	critical := 0.8 * total
	if critical < e.cfg.CriticalMinimum {
		e.logger.Warn().
			Str(log.FieldEvent, "buffer.critical_floor").
			Float64(log.FieldCriticalLevel, critical).
			Msg("critical level cannot go below configured minimum")
		critical = e.cfg.CriticalMinimum
	}
	e.critical = critical
	e.keepBehind = max(0.1*critical, 1)
	e.keepAhead = critical - e.keepBehind
	metrics.SetBufferCriticalLevel(e.mt(), critical)
}

func (e *Engine) removeRetryDelay() time.Duration {
	d := e.cfg.RemoveRetryMinimum
	if e.lastAppended != nil {
		d = max(d, time.Duration(e.lastAppended.Duration*float64(time.Second)))
	}
	return d
}

// performRemove clears outside the keep window, or retries after delay when
// nothing large enough to remove exists yet.
func (e *Engine) performRemove(delay time.Duration) {
	if e.removeTimer != nil {
		return
	}
	ranges := e.ClearRangesFor(e.opts.Playhead.Time())
	for _, r := range ranges {
		if r.Len() >= e.cfg.RemoveMinimum {
			e.ClearRanges(ranges)
			return
		}
	}
	e.logger.Debug().
		Str(log.FieldEvent, "buffer.remove_deferred").
		Dur("retry_in", delay).
		Msg("nothing removable yet")
	e.removeTimer = e.loop.AfterFunc(delay, func() {
		e.removeTimer = nil
		e.performRemove(delay)
	})
}

// playingFragment is the executed fragment covering t. A fragment holding t
// exactly wins over one that only matches within threshold.
func (e *Engine) playingFragment(t, threshold float64) *fragment.Request {
	if e.opts.History == nil {
		return nil
	}
	executed := fragment.ByState(fragment.StateExecuted)
	if req := e.opts.History.First(executed, fragment.AtTime(t, 0)); req != nil || threshold == 0 {
		return req
	}
	return e.opts.History.First(executed, fragment.AtTime(t, threshold))
}

// ClearRangesFor returns the buffered time outside the keep window around t.
// The window is widened to the whole fragment playing at t, so the result
// never splits it.
func (e *Engine) ClearRangesFor(t float64) []Range {
	ranges := e.opts.Source.Buffered()
	if len(ranges) == 0 {
		return nil
	}

	keep := Range{Start: max(0, t-e.keepBehind), End: t + e.keepAhead}
	if req := e.playingFragment(t, e.cfg.RemoveMinimum); req != nil {
		keep.Start = min(req.StartTime, keep.Start)
		keep.End = max(req.End(), keep.End)
	}

	var out []Range
	if ranges[0].Start <= keep.Start {
		past := Range{Start: max(0, ranges[0].Start-seekMargin), End: keep.Start}
		for i := 0; i < len(ranges) && ranges[i].End <= keep.Start; i++ {
			past.End = ranges[i].End
		}
		if !past.Empty() {
			out = append(out, past)
		}
	}
	if last := ranges[len(ranges)-1]; last.End >= keep.End {
		future := Range{Start: keep.End, End: last.End + seekMargin}
		if !future.Empty() {
			out = append(out, future)
		}
	}
	return out
}

// ClearRangeForTrackSwitch returns everything before the fragment playing at
// t. The range never encloses t.
func (e *Engine) ClearRangeForTrackSwitch(t float64) (Range, bool) {
	ranges := e.opts.Source.Buffered()
	if len(ranges) == 0 {
		return Range{}, false
	}
	req := e.playingFragment(t, e.cfg.RemoveMinimum)
	_, covered := ranges.At(t, DefaultTolerance)

	r := Range{Start: ranges[0].Start, End: math.Floor(t)}
	if req != nil {
		r.End = req.StartTime
	}
	if !covered {
		r.End = ranges[len(ranges)-1].End
	}
	if r.Start <= t && r.End >= t {
		r.End = math.Floor(t)
	}
	return r, true
}

// Clear queues the removal of r.
func (e *Engine) Clear(r Range) {
	e.ClearRanges([]Range{r})
}

// ClearRanges queues removals. They reach the backing store one at a time.
func (e *Engine) ClearRanges(rs []Range) {
	if len(rs) == 0 {
		return
	}
	e.pendingClear = append(e.pendingClear, rs...)
	if e.clearing {
		return
	}
	e.clearNext()
}

func (e *Engine) clearNext() {
	r := e.pendingClear[0]
	e.pendingClear = e.pendingClear[1:]
	e.clearing = true
	e.logger.Debug().
		Str(log.FieldEvent, "buffer.remove").
		Float64(log.FieldRangeStart, r.Start).
		Float64(log.FieldRangeEnd, r.End).
		Msg("removing range")
	e.opts.Source.Remove(r.Start, r.End, func(err error) { e.onRemoved(r, err) })
}

func (e *Engine) onRemoved(r Range, err error) {
	metrics.IncBufferRemoval(e.mt())
	if err != nil {
		e.logger.Warn().Err(err).
			Str(log.FieldEvent, "buffer.remove_failed").
			Float64(log.FieldRangeStart, r.Start).
			Float64(log.FieldRangeEnd, r.End).
			Msg("remove failed")
	}
	if e.opts.History != nil {
		e.opts.History.Discard(r.Start, r.End)
	}
	for req, span := range e.appended {
		if span.Start >= r.Start && span.End <= r.End {
			delete(e.appended, req)
		}
	}
	if len(e.pendingClear) == 0 {
		e.clearing = false
	}

	e.updateLevel()

	if e.clearing {
		e.clearNext()
		return
	}

	unfiltered := e.unfiltered
	e.unfiltered = false
	e.emit(events.BufferCleared, events.Cleared{From: r.Start, To: r.End, Unfiltered: unfiltered})
	if e.recovering {
		e.recovering = false
		e.next()
	}
}

func (e *Engine) updateLevel() {
	e.level = e.Occupancy(e.opts.Playhead.Time())
	metrics.SetBufferLevel(e.mt(), e.level)
	e.emit(events.BufferLevelUpdated, events.Level{Seconds: e.level})
	e.checkSufficient()
}

func (e *Engine) checkSufficient() {
	switch {
	case e.level < e.cfg.StallThreshold && !e.completed:
		e.notifyState(events.BufferEmpty)
	case e.completed:
		e.notifyState(events.BufferLoaded)
	case e.level >= e.cfg.LoadedThreshold:
		e.notifyState(events.BufferLoaded)
	}
}

func (e *Engine) notifyState(state events.BufferState) {
	if e.state == state {
		return
	}
	if e.opts.MediaType == fragment.MediaText && e.tracksDisabled {
		return
	}
	e.state = state
	if state == events.BufferLoaded {
		metrics.SetBufferState(e.mt(), "loaded")
		e.logger.Info().Str(log.FieldEvent, "buffer.loaded").Float64(log.FieldBufferLevel, e.level).Msg("got enough buffer to start")
	} else {
		metrics.SetBufferState(e.mt(), "empty")
		e.logger.Info().Str(log.FieldEvent, "buffer.empty").Float64(log.FieldBufferLevel, e.level).Msg("waiting for more buffer")
	}
	e.emit(events.BufferStateChanged, events.StateChanged{State: state})
}

func (e *Engine) checkBufferingCompleted() {
	if e.completed || !e.hasLastIndex || e.maxAppendedIndex != e.lastIndex-1 {
		return
	}
	e.completed = true
	e.logger.Info().Str(log.FieldEvent, "buffer.completed").Int(log.FieldIndex, e.maxAppendedIndex).Msg("buffering completed")
	e.emit(events.BufferingCompleted, nil)
	e.checkSufficient()
}

// OnStreamCompleted records the index of the end-of-stream marker.
func (e *Engine) OnStreamCompleted(lastIndex int) {
	e.lastIndex = lastIndex
	e.hasLastIndex = true
	e.logger.Debug().Str(log.FieldEvent, "buffer.stream_completed").Int(log.FieldIndex, lastIndex).Msg("stream completed")
	e.emit(events.DownloadedFragmentStat, (*events.Stat)(nil))
	e.checkBufferingCompleted()
}

// OnProgress refreshes the level after the playhead moved.
func (e *Engine) OnProgress() { e.updateLevel() }

// OnRateChanged re-evaluates the buffer state.
func (e *Engine) OnRateChanged() { e.checkSufficient() }

// OnWallclockTick prunes the buffer every pruning interval unless an append
// is in flight.
func (e *Engine) OnWallclockTick() {
	e.wallclockTicks++
	elapsed := time.Duration(e.wallclockTicks) * e.cfg.WallclockInterval
	if elapsed >= e.cfg.PruningInterval && !e.appending {
		e.wallclockTicks = 0
		e.Prune()
	}
}

// Prune removes buffered time outside the keep window, so the backing store
// never has to evict on its own.
func (e *Engine) Prune() {
	if e.opts.MediaType == fragment.MediaText || e.completed {
		return
	}
	e.ClearRanges(e.ClearRangesFor(e.opts.Playhead.Time()))
}

// OnSeek drops everything outside a narrow window around the fragment
// playing at t. The fragment right after it survives when it fits the
// critical level.
func (e *Engine) OnSeek(t float64) {
	e.lastIndex = 0
	e.hasLastIndex = false
	e.completed = false

	if e.opts.MediaType != fragment.MediaText {
		end := e.presentationEnd()
		req := e.playingFragment(t, 0)
		if req == nil {
			e.Clear(Range{Start: 0, End: end})
		} else {
			before := Range{Start: 0, End: req.StartTime - seekMargin}
			after := Range{Start: req.End() + seekMargin, End: end}
			if next := e.playingFragment(req.End(), 0); next != nil {
				extended := next.End() + seekMargin
				if extended-before.End < e.critical {
					after.Start = extended
				}
			}
			var rs []Range
			for _, r := range []Range{before, after} {
				if !r.Empty() {
					rs = append(rs, r)
				}
			}
			e.ClearRanges(rs)
		}
	}
	e.updateLevel()
}

func (e *Engine) presentationEnd() float64 {
	end := e.opts.Duration
	if last, ok := e.opts.Source.Buffered().Last(); ok {
		end = max(end, last.End+seekMargin)
	}
	return end
}

// OnQualityChanged records the quality appended from now on.
func (e *Engine) OnQualityChanged(q int) {
	if q == e.quality {
		return
	}
	e.quality = q
}

// Quality is the current required quality.
func (e *Engine) Quality() int { return e.quality }

// OnTrackChanged clears the buffer behind the playhead when the new track
// replaces the old one.
func (e *Engine) OnTrackChanged(replace bool) {
	if !replace {
		return
	}
	if r, ok := e.ClearRangeForTrackSwitch(e.opts.Playhead.Time()); ok && !r.Empty() {
		e.unfiltered = true
		e.Clear(r)
	}
}

// SetTracksDisabled suppresses state signals of a text buffer.
func (e *Engine) SetTracksDisabled(disabled bool) { e.tracksDisabled = disabled }

// Reset drops queued work and returns to the initial state.
func (e *Engine) Reset() {
	e.resetState()
}
