// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduling

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/ManuGH/segflow/internal/buffer"
	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/index"
	"github.com/ManuGH/segflow/internal/log"
)

// rejectedEpsilon nudges the midpoint of a rejected request past float
// rounding of start+duration/2.
const rejectedEpsilon = 0.1

// PlaybackTimeRule resolves the request at the target time while a seek is
// in progress or a rejected request waits to be re-issued.
type PlaybackTimeRule struct {
	cfg    config.SchedulingConfig
	logger zerolog.Logger
}

// NewPlaybackTimeRule creates the rule.
func NewPlaybackTimeRule(cfg config.SchedulingConfig) *PlaybackTimeRule {
	return &PlaybackTimeRule{cfg: cfg, logger: log.WithComponent("scheduling")}
}

func (r *PlaybackTimeRule) Name() string { return "PlaybackTimeRule" }
func (r *PlaybackTimeRule) Stage() Stage { return StageSchedule }
func (r *PlaybackTimeRule) Reset()       {}

// Execute implements Rule.
func (r *PlaybackTimeRule) Execute(ctx *Context) SwitchRequest {
	target, hasTarget := ctx.Type.SeekTarget()
	p := PriorityDefault
	if hasTarget {
		p = PriorityStrong
	}
	if !ctx.resolving {
		return noChange(p)
	}

	// The target lands once pending cancellation has settled.
	if ctx.Stream.Seeking() {
		return noChange(p)
	}
	if ctx.MediaType == fragment.MediaAudio {
		if _, ok := ctx.Stream.Type(fragment.MediaVideo).SeekTarget(); ok {
			return noChange(p)
		}
	}

	rejected := ctx.History.First(fragment.ByState(fragment.StateRejected))
	current := ctx.Index.Time()
	useRejected := !hasTarget && rejected != nil &&
		((rejected.End() > ctx.PlaybackTime && rejected.StartTime <= current) || math.IsNaN(current))
	keep := rejected != nil && !hasTarget

	t := current
	switch {
	case hasTarget:
		t = target
	case useRejected:
		t = rejected.StartTime
	}

	if !hasTarget && rejected == nil && !math.IsNaN(t) && t > ctx.PlaybackTime+r.cfg.MaxBufferAhead {
		return noChange(p)
	}

	res := noChange(p)
	if rejected != nil {
		res.Superseded = []*fragment.Request{rejected}
	}
	if math.IsNaN(t) || ctx.textDisabled() {
		return res
	}

	if rg, ok := ctx.buffered().At(t, buffer.DefaultTolerance); ok {
		t = rg.End
	}

	req := ctx.Index.RequestForTime(t, index.Options{KeepIndex: keep})

	// Index metadata and real segment boundaries may disagree slightly, so
	// a seek landing just past a boundary fetches the segment before it.
	if req != nil && hasTarget && t > req.StartTime && t-req.StartTime < r.cfg.SeekStartTolerance {
		adjusted := math.Max(t-r.cfg.SeekStartTolerance, 0)
		req = ctx.Index.RequestForTime(adjusted, index.Options{KeepIndex: keep})
	}

	if useRejected && req != nil && req.Index != rejected.Index {
		mid := rejected.StartTime + rejected.Duration/2 + rejectedEpsilon
		req = ctx.Index.RequestForTime(mid, index.Options{KeepIndex: keep})
	}

	for req != nil && ctx.History.IsLoadedOrPending(req) {
		req = ctx.Index.NextRequest()
	}
	if req == nil {
		return res
	}

	if !useRejected {
		ctx.Index.SetTime(req.End())
	}
	if hasTarget {
		ctx.Type.ClearSeekTarget()
		if ctx.MediaType == fragment.MediaVideo {
			ctx.Stream.Type(fragment.MediaAudio).SetSeekTarget(req.StartTime)
		}
		r.logger.Debug().
			Str(log.FieldStreamID, ctx.StreamID).
			Str(log.FieldMediaType, string(ctx.MediaType)).
			Float64("seek_target", target).
			Int(log.FieldIndex, req.Index).
			Float64(log.FieldStartTime, req.StartTime).
			Msg("seek target resolved")
	}

	res.Requests = []*fragment.Request{req}
	return res
}
