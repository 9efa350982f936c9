// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduling

import (
	"github.com/rs/zerolog"

	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/events"
	"github.com/ManuGH/segflow/internal/log"
)

// InsufficientBufferRule drops to the lowest quality when the buffer runs
// dry after playback got going, or when a buffer that was once comfortably
// full falls under the low threshold. At most one switch per cooldown.
type InsufficientBufferRule struct {
	cfg    config.SchedulingConfig
	logger zerolog.Logger
}

// NewInsufficientBufferRule creates the rule.
func NewInsufficientBufferRule(cfg config.SchedulingConfig) *InsufficientBufferRule {
	return &InsufficientBufferRule{cfg: cfg, logger: log.WithComponent("scheduling")}
}

func (r *InsufficientBufferRule) Name() string { return "InsufficientBufferRule" }
func (r *InsufficientBufferRule) Stage() Stage { return StageQuality }
func (r *InsufficientBufferRule) Reset()       {}

// Execute implements Rule.
func (r *InsufficientBufferRule) Execute(ctx *Context) SwitchRequest {
	res := noChange(PriorityWeak)
	st := ctx.Stream

	if ctx.Now.Sub(st.lastSwitch) < r.cfg.SwitchCooldown || ctx.BufferState == "" {
		return res
	}
	// Running dry at the end of the stream is expected.
	if st.Completed() {
		return res
	}

	marks := ctx.Type
	if ctx.BufferState == events.BufferLoaded {
		marks.firstLoaded = true
	}
	if ctx.BufferLevel >= 2*r.cfg.LowBufferThreshold {
		marks.lowReached = true
	}

	switch {
	case ctx.BufferState == events.BufferEmpty && marks.firstLoaded:
		res = toQuality(0, PriorityStrong)
		st.resetMarks()
	case ctx.BufferState == events.BufferLoaded && marks.lowReached && ctx.BufferLevel < r.cfg.LowBufferThreshold:
		res = toQuality(0, PriorityStrong)
		st.resetMarks()
	}

	if !res.IsNoChange() && res.Quality != ctx.Quality {
		st.lastSwitch = ctx.Now
		r.logger.Info().
			Str(log.FieldStreamID, ctx.StreamID).
			Str(log.FieldMediaType, string(ctx.MediaType)).
			Int(log.FieldQuality, ctx.Quality).
			Float64(log.FieldBufferLevel, ctx.BufferLevel).
			Str(log.FieldEvent, "scheduling.insufficient_buffer").
			Msg("buffer starving, switching to lowest quality")
	}
	return res
}
