// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/segflow/internal/bus"
	"github.com/ManuGH/segflow/internal/events"
	"github.com/ManuGH/segflow/internal/fragment"
	xlog "github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/loop"
	"github.com/ManuGH/segflow/internal/player"
)

// playhead stands in for a media element: it advances playback in real
// time while the leading buffer is loaded and stalls otherwise.
type playhead struct {
	loop    loop.Loop
	disp    *bus.Dispatcher
	s       *player.Session
	every   time.Duration
	logger  zerolog.Logger
	done    chan struct{}
	stalled bool
}

func newPlayhead(l loop.Loop, disp *bus.Dispatcher, s *player.Session, every time.Duration) *playhead {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	return &playhead{
		loop:   l,
		disp:   disp,
		s:      s,
		every:  every,
		logger: xlog.WithComponent("playhead"),
		done:   make(chan struct{}),
	}
}

// run ticks until ctx is done or playback reached the end of the stream.
func (p *playhead) run(ctx context.Context) {
	t := time.NewTicker(p.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case now := <-t.C:
			p.loop.Post(func() { p.tick(now) })
		}
	}
}

func (p *playhead) leading() *player.Processor {
	if v := p.s.Processor(fragment.MediaVideo); v != nil {
		return v
	}
	procs := p.s.Processors()
	if len(procs) == 0 {
		return nil
	}
	return procs[0]
}

func (p *playhead) emit(topic events.Topic, payload any) {
	p.disp.Emit(events.Event{Topic: topic, StreamID: p.s.ID(), Payload: payload})
}

// tick runs on the loop.
func (p *playhead) tick(now time.Time) {
	select {
	case <-p.done:
		return
	default:
	}

	p.emit(events.WallclockTick, events.Tick{At: now})

	lead := p.leading()
	if lead == nil {
		return
	}
	if !lead.Buffer().IsLoaded() {
		if !p.stalled {
			p.stalled = true
			p.logger.Info().Str(xlog.FieldEvent, "playhead.stalled").Float64(xlog.FieldPlaybackTime, p.s.PlaybackTime()).Msg("playback waiting for buffer")
		}
		return
	}
	if p.stalled {
		p.stalled = false
		p.logger.Info().Str(xlog.FieldEvent, "playhead.resumed").Float64(xlog.FieldPlaybackTime, p.s.PlaybackTime()).Msg("playback resumed")
	}

	t := p.s.PlaybackTime() + p.every.Seconds()
	end := p.s.Duration()
	if t >= end {
		t = end
	}
	p.emit(events.PlaybackProgress, events.Progress{Time: t})

	if t >= end && lead.Buffer().IsBufferingCompleted() {
		p.logger.Info().Str(xlog.FieldEvent, "playhead.ended").Float64(xlog.FieldPlaybackTime, t).Msg("playback reached the end")
		close(p.done)
	}
}
