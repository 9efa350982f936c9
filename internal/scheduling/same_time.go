// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduling

import (
	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/fragment"
)

// mediaOrder fixes the iteration order over a stream's histories.
var mediaOrder = []fragment.MediaType{
	fragment.MediaVideo,
	fragment.MediaAudio,
	fragment.MediaText,
	fragment.MediaOther,
}

// SameTimeRequestRule picks at most one pending request per media type so
// that a stream's representations are fetched side by side.
type SameTimeRequestRule struct {
	cfg config.SchedulingConfig
}

// NewSameTimeRequestRule creates the rule.
func NewSameTimeRequestRule(cfg config.SchedulingConfig) *SameTimeRequestRule {
	return &SameTimeRequestRule{cfg: cfg}
}

func (r *SameTimeRequestRule) Name() string { return "SameTimeRequestRule" }
func (r *SameTimeRequestRule) Stage() Stage { return StageDispatch }
func (r *SameTimeRequestRule) Reset()       {}

func (r *SameTimeRequestRule) ceiling() int {
	if r.cfg.InflightCeiling < 1 {
		return 1
	}
	return r.cfg.InflightCeiling
}

// Execute implements Rule.
func (r *SameTimeRequestRule) Execute(ctx *Context) SwitchRequest {
	none := noChange(PriorityDefault)

	var free []*fragment.Model
	for _, mt := range mediaOrder {
		m, ok := ctx.StreamModels[mt]
		if !ok || m == nil {
			continue
		}
		if m.LoadingCount() >= r.ceiling() {
			continue
		}
		free = append(free, m)
	}
	if len(free) == 0 {
		return none
	}

	t := ctx.StreamStartTime
	if ctx.PlaybackStarted {
		t = ctx.PlaybackTime
	}

	reqs := forTime(free, t)
	if len(reqs) == 0 {
		reqs = closestAfter(free, t)
	}

	available := reqs[:0]
	for _, req := range reqs {
		if req.IsComplete() || !ctx.Now.Before(req.AvailabilityStart) {
			available = append(available, req)
		}
	}
	if len(available) == 0 {
		return none
	}
	return withRequests(PriorityDefault, available...)
}

// forTime returns pending init segments of every model if there are any,
// otherwise the pending request at t of each model.
func forTime(models []*fragment.Model, t float64) []*fragment.Request {
	var inits, atTime []*fragment.Request
	for _, m := range models {
		pending := m.Query(fragment.ByState(fragment.StatePending))
		for _, req := range pending {
			if req.IsInit() && !req.IsComplete() {
				inits = append(inits, req)
			}
		}
		if req := m.First(fragment.ByState(fragment.StatePending), fragment.AtTime(t, 0)); req != nil {
			atTime = append(atTime, req)
		}
	}
	if len(inits) > 0 {
		return inits
	}
	return atTime
}

// closestAfter returns, per model, the pending request starting soonest
// after t, or its first pending request. Taking the earliest upcoming one
// keeps appends in order.
func closestAfter(models []*fragment.Model, t float64) []*fragment.Request {
	var out []*fragment.Request
	for _, m := range models {
		pending := m.Pending()
		if len(pending) == 0 {
			continue
		}
		var best *fragment.Request
		for _, req := range pending {
			if req.StartTime > t && (best == nil || req.StartTime < best.StartTime) {
				best = req
			}
		}
		if best == nil {
			best = pending[0]
		}
		out = append(out, best)
	}
	return out
}
