// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package player

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/segflow/internal/buffer"
	"github.com/ManuGH/segflow/internal/download"
	"github.com/ManuGH/segflow/internal/events"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/index"
	"github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/scheduling"
)

// Processor drives one media type of a session: it turns scheduling output
// into pending requests, fetches them and appends what arrives.
type Processor struct {
	s         *Session
	mediaType fragment.MediaType
	history   *fragment.Model
	buf       *buffer.Engine
	idx       *index.TemplateIndex
	logger    zerolog.Logger

	fetches map[*fragment.Request]*download.Fetch
	paused  bool
	replace *fragment.Request

	state events.BufferState
	level float64
}

func newProcessor(s *Session, mt fragment.MediaType, idx *index.TemplateIndex, src buffer.SourceBuffer) (*Processor, error) {
	p := &Processor{
		s:         s,
		mediaType: mt,
		history:   fragment.NewModel(mt),
		idx:       idx,
		fetches:   make(map[*fragment.Request]*download.Fetch),
		logger: log.Derive(func(c *zerolog.Context) {
			*c = c.Str(log.FieldComponent, "player").
				Str(log.FieldStreamID, s.id).
				Str(log.FieldMediaType, string(mt))
		}),
	}
	buf, err := buffer.New(s.loop, s.cfg.Buffer, buffer.Options{
		StreamID:  s.id,
		MediaType: mt,
		Source:    src,
		History:   p.history,
		Playhead:  buffer.PlayheadFunc(s.PlaybackTime),
		Publisher: s.disp,
		Duration:  idx.Duration(),
		Quality:   idx.Quality(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s buffer: %w", mt, err)
	}
	p.buf = buf
	return p, nil
}

// MediaType returns the media type driven by the processor.
func (p *Processor) MediaType() fragment.MediaType { return p.mediaType }

// History returns the request history.
func (p *Processor) History() *fragment.Model { return p.history }

// Buffer returns the buffer engine.
func (p *Processor) Buffer() *buffer.Engine { return p.buf }

// Quality returns the quality requests are resolved at.
func (p *Processor) Quality() int { return p.idx.Quality() }

// Paused reports whether dispatch waits for the buffer to drain.
func (p *Processor) Paused() bool { return p.paused }

// InFlight is the number of running fetches.
func (p *Processor) InFlight() int { return len(p.fetches) }

func (p *Processor) context(stage scheduling.Stage) *scheduling.Context {
	s := p.s
	return &scheduling.Context{
		Stage:            stage,
		StreamID:         s.id,
		MediaType:        p.mediaType,
		Now:              s.loop.Now(),
		PlaybackTime:     s.playback,
		PlaybackStarted:  s.started,
		StreamStartTime:  s.startTime,
		Quality:          p.idx.Quality(),
		TracksDisabled:   s.tracksDisabled,
		BufferState:      p.state,
		BufferLevel:      p.level,
		History:          p.history,
		StreamModels:     s.models(),
		Buffer:           p.buf,
		Index:            p.idx,
		RequestToReplace: p.replace,
	}
}

// ensureInit queues the init segment of the current quality unless it is
// already known.
func (p *Processor) ensureInit() {
	init := p.idx.InitRequest()
	if p.history.IsLoadedOrPending(init) {
		return
	}
	if err := p.history.Add(init); err != nil {
		p.logger.Error().Err(err).Msg("queue init segment")
	}
}

// Schedule resolves the next request and adds it to the history.
func (p *Processor) Schedule() {
	p.ensureInit()
	p.pace()

	res := p.s.chain.Execute(p.context(scheduling.StageSchedule))
	for _, old := range res.Superseded {
		p.history.RemoveRejected(old)
	}
	if p.replace != nil && len(res.Requests) > 0 {
		p.replace = nil
	}
	for _, req := range res.Requests {
		if err := p.history.Add(req); err != nil {
			p.logger.Error().Err(err).Int(log.FieldIndex, req.Index).Msg("queue request")
		}
	}
}

// pace delays the next request by the buffered surplus above the pacing
// target. Replacements are never delayed.
func (p *Processor) pace() {
	var d time.Duration
	if target := p.s.cfg.Scheduling.PacingTarget; target > 0 && p.replace == nil {
		if surplus := p.buf.Level() - target; surplus > 0 {
			d = time.Duration(surplus * float64(time.Second))
		}
	}
	p.s.chain.Stream(p.s.id).Type(p.mediaType).SetLoadDelay(d)
}

// execute starts a request picked by the dispatch stage.
func (p *Processor) execute(req *fragment.Request) {
	if err := p.history.MarkLoading(req); err != nil {
		p.logger.Warn().Err(err).Int(log.FieldIndex, req.Index).Msg("request not dispatched")
		return
	}
	if req.IsComplete() {
		if err := p.history.MarkExecuted(req); err != nil {
			p.logger.Error().Err(err).Msg("complete end-of-stream marker")
		}
		p.logger.Info().Str(log.FieldEvent, "player.stream_completed").Int(log.FieldIndex, req.Index).Msg("all segments scheduled")
		p.s.disp.Emit(events.Event{
			Topic:     events.StreamCompleted,
			StreamID:  p.s.id,
			MediaType: p.mediaType,
			Payload:   events.Completed{LastIndex: req.Index},
		})
		return
	}
	f := p.s.dl.Load(req, download.Handler{OnDone: p.onLoaded})
	if f != nil {
		p.fetches[req] = f
	}
}

func (p *Processor) onLoaded(res download.Result) {
	req := res.Request
	delete(p.fetches, req)

	if res.Err != nil {
		if err := p.history.MarkRejected(req); err != nil && !errors.Is(err, fragment.ErrUnknownRequest) {
			p.logger.Error().Err(err).Msg("reject request")
		}
		p.logger.Warn().Err(res.Err).Int(log.FieldIndex, req.Index).Msg("fragment failed")
		p.s.kick()
		return
	}
	if err := p.history.MarkExecuted(req); err != nil {
		// Dropped from the history by a seek while in flight.
		p.logger.Debug().Err(err).Int(log.FieldIndex, req.Index).Msg("late fragment ignored")
		return
	}

	chunk := buffer.Chunk{
		StreamID:   p.s.id,
		MediaType:  p.mediaType,
		Quality:    req.Quality,
		Index:      req.Index,
		Start:      req.StartTime,
		Duration:   req.Duration,
		Bytes:      res.Data,
		Request:    req,
		Throughput: res.Meta.Throughput,
	}
	if err := p.buf.Append(chunk); err != nil {
		p.logger.Error().Err(err).Int(log.FieldIndex, req.Index).Msg("append fragment")
	}
	p.s.kick()
}

// setQuality moves the processor to quality q. The earliest pending request
// is replaced at the new quality, later ones are scheduled again.
func (p *Processor) setQuality(q int) error {
	if q == p.idx.Quality() {
		return nil
	}
	if err := p.idx.SetQuality(q); err != nil {
		return err
	}
	p.buf.OnQualityChanged(q)

	cancelled := p.history.CancelPending()
	var earliest *fragment.Request
	for _, req := range cancelled {
		if req.IsInit() || req.IsComplete() {
			continue
		}
		if earliest == nil || req.Index < earliest.Index {
			earliest = req
		}
	}
	if earliest != nil {
		p.replace = earliest
		p.idx.SetTime(earliest.StartTime)
	}
	p.ensureInit()
	return nil
}

// seek drops pending and in-flight work ahead of a seek to t.
func (p *Processor) seek(t float64) {
	for req, f := range p.fetches {
		f.Cancel()
		delete(p.fetches, req)
	}
	p.history.CancelPending()
	p.history.CancelLoading()
	p.replace = nil
	p.paused = false
	p.idx.Reset()
	p.buf.OnSeek(t)
}

func (p *Processor) close() {
	for req, f := range p.fetches {
		f.Cancel()
		delete(p.fetches, req)
	}
}

func (p *Processor) on(ev events.Event) {
	switch ev.Topic {
	case events.BufferStateChanged:
		if sc, ok := ev.Payload.(events.StateChanged); ok {
			p.state = sc.State
		}
	case events.BufferLevelUpdated:
		if l, ok := ev.Payload.(events.Level); ok {
			p.level = l.Seconds
		}
	case events.QuotaExceeded:
		p.paused = true
	case events.BufferCleared:
		p.paused = false
	}
}

var _ scheduling.BufferView = (*buffer.Engine)(nil)
