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

const (
	// lookupThreshold absorbs rounding between index time and segment starts.
	lookupThreshold = 2.0 / 30.0
	// adjustThreshold is how far snapping to the buffer end may move the
	// target before the lookup stops trusting the index cursor.
	adjustThreshold = 0.5
)

// NextFragmentRequestRule resolves the next request of one representation
// during ordinary progression, and the replacement of an existing request
// after a quality switch.
type NextFragmentRequestRule struct {
	cfg    config.SchedulingConfig
	logger zerolog.Logger
}

// NewNextFragmentRequestRule creates the rule.
func NewNextFragmentRequestRule(cfg config.SchedulingConfig) *NextFragmentRequestRule {
	return &NextFragmentRequestRule{cfg: cfg, logger: log.WithComponent("scheduling")}
}

func (r *NextFragmentRequestRule) Name() string { return "NextFragmentRequestRule" }
func (r *NextFragmentRequestRule) Stage() Stage { return StageSchedule }
func (r *NextFragmentRequestRule) Reset()       {}

// Execute implements Rule.
func (r *NextFragmentRequestRule) Execute(ctx *Context) SwitchRequest {
	none := noChange(PriorityDefault)
	if (ctx.resolving && ctx.RequestToReplace == nil) || ctx.textDisabled() {
		return none
	}
	logger := r.logger.With().
		Str(log.FieldStreamID, ctx.StreamID).
		Str(log.FieldMediaType, string(ctx.MediaType)).
		Logger()

	replace := ctx.RequestToReplace
	target, hasTarget := ctx.Type.SeekTarget()
	t := ctx.Index.Time()
	if hasTarget {
		t = target
	}
	if math.IsNaN(t) {
		return none
	}
	if hasTarget {
		if replace != nil {
			logger.Warn().Float64("seek_target", target).Msg("replace during seek, keeping seek target for the next pass")
		} else {
			ctx.Type.ClearSeekTarget()
		}
	}
	if replace == nil && !hasTarget && t > ctx.PlaybackTime+r.cfg.MaxBufferAhead {
		return none
	}

	adjusted := false
	buffered := ctx.buffered()
	// Backing stores may coalesce ranges on their own; resume at the real
	// end of what is buffered around t.
	if rg, ok := buffered.At(t, buffer.DefaultTolerance); ok {
		if math.Abs(rg.End-t) > adjustThreshold {
			adjusted = true
		}
		t = rg.End
	}

	if !hasTarget && !math.IsNaN(ctx.PlaybackTime) && t > ctx.PlaybackTime {
		rg, ok := buffered.At(ctx.PlaybackTime, buffer.DefaultTolerance)
		if !ok {
			// Nothing at the playhead: the buffer was trimmed under us.
			t = ctx.PlaybackTime
			adjusted = true
		} else if head := r.partialHead(ctx, rg.End); head != nil && !ctx.History.IsInFlight(head) {
			t = rg.End
			adjusted = true
			if replace == nil {
				logger.Debug().
					Int(log.FieldIndex, head.Index).
					Float64(log.FieldRangeEnd, rg.End).
					Msg("partial fragment at buffer head, fetching it again")
				replace = head
				ctx.Index.SetTime(head.End())
			}
		}
	}

	var req *fragment.Request
	if replace != nil {
		mid := replace.StartTime + replace.Duration/2
		req = ctx.Index.RequestForTime(mid, index.Options{IgnoreFinished: true})
	} else {
		req = ctx.Index.RequestForTime(t, index.Options{
			Threshold: lookupThreshold,
			KeepIndex: !hasTarget && !adjusted,
		})
		for req != nil && ctx.History.IsLoadedOrPending(req) {
			req = ctx.Index.NextRequest()
		}
		if req != nil {
			ctx.Index.SetTime(req.End())
			if d := ctx.Type.takeLoadDelay(); d > 0 {
				req.DelayUntil = ctx.Now.Add(d)
			}
		}
	}
	if req == nil {
		return none
	}
	logger.Debug().Int(log.FieldIndex, req.Index).Float64(log.FieldStartTime, req.StartTime).Float64("time", t).Msg("next fragment resolved")
	return withRequests(PriorityDefault, req)
}

// partialHead returns the fragment straddling the buffer head when only a
// sliver of it shorter than the partial minimum is missing.
func (r *NextFragmentRequestRule) partialHead(ctx *Context, head float64) *fragment.Request {
	req := ctx.Index.RequestForTime(head, index.Options{KeepIndex: true})
	if req == nil || req.IsComplete() || req.StartTime >= head {
		return nil
	}
	residual := req.End() - head
	if residual <= 0 || residual >= r.cfg.PartialFragmentMinimum {
		return nil
	}
	return req
}
