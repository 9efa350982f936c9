// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package player wires the download, buffer and scheduling engines of one
// stream together and routes playback signals into them.
package player

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ManuGH/segflow/internal/buffer"
	"github.com/ManuGH/segflow/internal/bus"
	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/download"
	"github.com/ManuGH/segflow/internal/events"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/index"
	"github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/loop"
	"github.com/ManuGH/segflow/internal/scheduling"
)

var (
	ErrNoTracks      = errors.New("session has no tracks")
	ErrSessionClosed = errors.New("session closed")
)

// Track is one media type of a stream.
type Track struct {
	Index *index.TemplateIndex
	// Source is the backing store. Nil selects a MemorySource of Capacity
	// seconds.
	Source   buffer.SourceBuffer
	Capacity float64
}

// Options describe a stream.
type Options struct {
	StreamID  string
	StartTime float64
	Tracks    map[fragment.MediaType]Track
}

// Session runs one stream. Every method must be called on the loop
// goroutine; collaborators talk to it by emitting events on the dispatcher.
type Session struct {
	id     string
	loop   loop.Loop
	cfg    config.Config
	disp   *bus.Dispatcher
	dl     *download.Engine
	chain  *scheduling.Chain
	logger zerolog.Logger

	procs []*Processor

	startTime      float64
	playback       float64
	started        bool
	tracksDisabled bool
	tickQueued     bool
	closed         bool
}

// NewSession builds the processors of every track and subscribes to disp.
func NewSession(l loop.Loop, cfg config.Config, disp *bus.Dispatcher, dl *download.Engine, opts Options) (*Session, error) {
	if len(opts.Tracks) == 0 {
		return nil, ErrNoTracks
	}
	s := &Session{
		id:        opts.StreamID,
		loop:      l,
		cfg:       cfg,
		disp:      disp,
		dl:        dl,
		chain:     scheduling.DefaultChain(cfg.Scheduling),
		startTime: opts.StartTime,
		playback:  opts.StartTime,
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "player").Str(log.FieldStreamID, opts.StreamID)
		}),
	}

	types := make([]fragment.MediaType, 0, len(opts.Tracks))
	for mt := range opts.Tracks {
		types = append(types, mt)
	}
	sort.Slice(types, func(i, j int) bool { return rank(types[i]) < rank(types[j]) })

	for _, mt := range types {
		tr := opts.Tracks[mt]
		if tr.Index == nil {
			return nil, fmt.Errorf("%s track: no index", mt)
		}
		src := tr.Source
		if src == nil {
			src = buffer.NewMemorySource(l, tr.Capacity)
		}
		p, err := newProcessor(s, mt, tr.Index, src)
		if err != nil {
			return nil, err
		}
		s.procs = append(s.procs, p)
	}

	s.subscribe()
	return s, nil
}

// rank orders processors so video lands a seek before audio follows it.
func rank(mt fragment.MediaType) int {
	switch mt {
	case fragment.MediaVideo:
		return 0
	case fragment.MediaAudio:
		return 1
	case fragment.MediaText:
		return 2
	}
	return 3
}

// ID returns the stream id.
func (s *Session) ID() string { return s.id }

// PlaybackTime is the last reported playback position.
func (s *Session) PlaybackTime() float64 { return s.playback }

// Duration is the length of the longest track.
func (s *Session) Duration() float64 {
	d := 0.0
	for _, p := range s.procs {
		d = max(d, p.idx.Duration())
	}
	return d
}

// Processor returns the processor of mt, or nil.
func (s *Session) Processor(mt fragment.MediaType) *Processor {
	for _, p := range s.procs {
		if p.mediaType == mt {
			return p
		}
	}
	return nil
}

// Processors returns the processors in media type order.
func (s *Session) Processors() []*Processor { return append([]*Processor(nil), s.procs...) }

// Chain returns the scheduling chain of the session.
func (s *Session) Chain() *scheduling.Chain { return s.chain }

func (s *Session) models() map[fragment.MediaType]*fragment.Model {
	out := make(map[fragment.MediaType]*fragment.Model, len(s.procs))
	for _, p := range s.procs {
		out[p.mediaType] = p.history
	}
	return out
}

func (s *Session) types() []fragment.MediaType {
	out := make([]fragment.MediaType, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.mediaType)
	}
	return out
}

// Start seeks to the start time, which schedules the first requests.
func (s *Session) Start() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.logger.Info().Float64(log.FieldPlaybackTime, s.startTime).Msg("session started")
	s.emit(events.PlaybackSeeking, "", events.Seeking{Time: s.startTime})
	return nil
}

// SetTracksDisabled mutes the state signals of text tracks.
func (s *Session) SetTracksDisabled(disabled bool) {
	s.tracksDisabled = disabled
	if p := s.Processor(fragment.MediaText); p != nil {
		p.buf.SetTracksDisabled(disabled)
	}
}

// Close cancels the session's fetches and stops reacting to events.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, p := range s.procs {
		p.close()
	}
	s.chain.DropStream(s.id)
	s.logger.Info().Msg("session closed")
}

func (s *Session) emit(topic events.Topic, mt fragment.MediaType, payload any) {
	s.disp.Emit(events.Event{Topic: topic, StreamID: s.id, MediaType: mt, Payload: payload})
}

func (s *Session) subscribe() {
	for _, topic := range []events.Topic{
		events.PlaybackSeeking,
		events.PlaybackProgress,
		events.PlaybackTimeUpdated,
		events.PlaybackRateChanged,
		events.WallclockTick,
		events.QualityChangeRequested,
		events.CurrentTrackChanged,
		events.StreamCompleted,
		events.BufferStateChanged,
		events.BufferLevelUpdated,
		events.QuotaExceeded,
		events.BufferCleared,
	} {
		s.disp.On(topic, s.handle)
	}
}

func (s *Session) handle(ev events.Event) {
	if s.closed || (ev.StreamID != "" && ev.StreamID != s.id) {
		return
	}

	switch ev.Topic {
	case events.PlaybackSeeking:
		if p, ok := ev.Payload.(events.Seeking); ok {
			s.onSeeking(p.Time)
		}
	case events.PlaybackProgress, events.PlaybackTimeUpdated:
		if p, ok := ev.Payload.(events.Progress); ok {
			s.playback = p.Time
			s.started = true
		}
		for _, p := range s.procs {
			p.buf.OnProgress()
		}
		s.kick()
	case events.PlaybackRateChanged:
		for _, p := range s.procs {
			p.buf.OnRateChanged()
		}
	case events.WallclockTick:
		for _, p := range s.procs {
			p.buf.OnWallclockTick()
		}
		s.kick()
	case events.QualityChangeRequested:
		s.onQualityChange(ev)
	case events.CurrentTrackChanged:
		if tc, ok := ev.Payload.(events.TrackChanged); ok {
			for _, p := range s.forType(ev.MediaType) {
				p.buf.OnTrackChanged(tc.Replace)
			}
		}
	case events.StreamCompleted:
		if c, ok := ev.Payload.(events.Completed); ok {
			for _, p := range s.forType(ev.MediaType) {
				p.buf.OnStreamCompleted(c.LastIndex)
			}
			if s.allScheduled() {
				s.chain.Stream(s.id).Complete()
			}
		}
	case events.BufferStateChanged, events.BufferLevelUpdated, events.QuotaExceeded, events.BufferCleared:
		for _, p := range s.forType(ev.MediaType) {
			p.on(ev)
		}
		if ev.Topic == events.BufferCleared {
			s.kick()
		}
	}
}

// forType returns the processor of mt, or every processor when mt is empty.
func (s *Session) forType(mt fragment.MediaType) []*Processor {
	if mt == "" {
		return s.procs
	}
	if p := s.Processor(mt); p != nil {
		return []*Processor{p}
	}
	return nil
}

func (s *Session) allScheduled() bool {
	for _, p := range s.procs {
		if !p.idx.Finished() {
			return false
		}
	}
	return true
}

func (s *Session) onSeeking(t float64) {
	s.logger.Info().Float64(log.FieldPlaybackTime, t).Str(log.FieldEvent, "player.seek").Msg("seeking")
	s.playback = t
	st := s.chain.Stream(s.id)
	st.BeginSeek()
	for _, p := range s.procs {
		p.seek(t)
	}
	// Targets land once the cancellations above have been processed.
	s.loop.Post(func() {
		if s.closed {
			return
		}
		st.ResolveSeek(t, s.types()...)
		s.kick()
	})
}

func (s *Session) onQualityChange(ev events.Event) {
	qc, ok := ev.Payload.(events.QualityChange)
	if !ok {
		return
	}
	for _, p := range s.forType(ev.MediaType) {
		if err := p.setQuality(qc.Quality); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldMediaType, string(p.mediaType)).Int(log.FieldQuality, qc.Quality).Msg("quality change ignored")
			continue
		}
		s.logger.Info().
			Str(log.FieldMediaType, string(p.mediaType)).
			Int(log.FieldQuality, qc.Quality).
			Str("reason", qc.Reason).
			Msg("quality changed")
	}
	s.kick()
}

// kick queues one evaluation pass. Passes never run inside an event
// handler, so engines are not re-entered while they emit.
func (s *Session) kick() {
	if s.tickQueued || s.closed {
		return
	}
	s.tickQueued = true
	s.loop.Post(s.tick)
}

func (s *Session) tick() {
	s.tickQueued = false
	if s.closed {
		return
	}

	for _, p := range s.procs {
		res := s.chain.Execute(p.context(scheduling.StageQuality))
		if res.Quality != scheduling.NoChange && res.Quality != p.Quality() {
			s.emit(events.QualityChangeRequested, p.mediaType, events.QualityChange{
				Quality: res.Quality,
				Reason:  "insufficient buffer",
			})
		}
	}

	for _, p := range s.procs {
		p.Schedule()
	}
	s.dispatch()
}

func (s *Session) dispatch() {
	if len(s.procs) == 0 {
		return
	}
	ctx := s.procs[0].context(scheduling.StageDispatch)
	ctx.MediaType = ""
	ctx.History = nil
	ctx.Index = nil
	ctx.Buffer = nil
	res := s.chain.Execute(ctx)

	for _, req := range res.Requests {
		p := s.Processor(req.MediaType)
		if p == nil || p.paused {
			continue
		}
		p.execute(req)
	}
}

// Snapshot returns a copy of every request history, keyed by media type.
func (s *Session) Snapshot() map[fragment.MediaType][]fragment.Request {
	out := make(map[fragment.MediaType][]fragment.Request, len(s.procs))
	for _, p := range s.procs {
		out[p.mediaType] = p.history.Snapshot()
	}
	return out
}
