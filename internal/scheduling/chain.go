// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package scheduling decides what to fetch next and at which quality.
//
// Rules are evaluated in a fixed order by a Chain and their proposals are
// arbitrated by priority. Rules keep no state of their own between calls;
// everything they remember lives in the per-stream and per-media-type
// records the Chain owns and hands them through the Context.
package scheduling

import (
	"github.com/rs/zerolog"

	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/metrics"
)

// Rule is one scheduling or quality heuristic.
type Rule interface {
	Name() string
	// Stage is the evaluation the rule takes part in.
	Stage() Stage
	Execute(ctx *Context) SwitchRequest
	Reset()
}

// Chain evaluates rules in order and arbitrates their results. It is used
// from the loop goroutine only.
type Chain struct {
	rules   []Rule
	streams map[string]*StreamState
	logger  zerolog.Logger
}

// NewChain creates a chain evaluating rules in the given order.
func NewChain(rules ...Rule) *Chain {
	return &Chain{
		rules:   rules,
		streams: make(map[string]*StreamState),
		logger:  log.WithComponent("scheduling"),
	}
}

// DefaultChain wires the four built-in rules in their canonical order.
func DefaultChain(cfg config.SchedulingConfig) *Chain {
	return NewChain(
		NewInsufficientBufferRule(cfg),
		NewPlaybackTimeRule(cfg),
		NewNextFragmentRequestRule(cfg),
		NewSameTimeRequestRule(cfg),
	)
}

// Rules returns the rules in evaluation order.
func (c *Chain) Rules() []Rule { return append([]Rule(nil), c.rules...) }

// Stream returns the record of stream id, creating it on first use.
func (c *Chain) Stream(id string) *StreamState {
	s, ok := c.streams[id]
	if !ok {
		s = newStreamState()
		c.streams[id] = s
	}
	return s
}

// DropStream forgets the record of stream id.
func (c *Chain) DropStream(id string) { delete(c.streams, id) }

// Execute evaluates the rules of ctx.Stage.
//
// Arbitration: a STRONG result replaces whatever was chosen before it; any
// other result replaces the current one only with a higher priority, so ties
// keep the earliest. Results proposing nothing never replace.
func (c *Chain) Execute(ctx *Context) SwitchRequest {
	ctx.Stream = c.Stream(ctx.StreamID)
	if ctx.MediaType != "" {
		ctx.Type = ctx.Stream.Type(ctx.MediaType)
	} else {
		ctx.Type = newTypeState()
	}
	ctx.prepare()

	best := noChange(PriorityWeak)
	winner := ""
	var superseded []*fragment.Request
	for _, r := range c.rules {
		if r.Stage() != ctx.Stage {
			continue
		}
		res := r.Execute(ctx)
		superseded = append(superseded, res.Superseded...)
		if res.IsNoChange() {
			continue
		}
		metrics.IncSwitchRequest(r.Name(), res.Priority.String())
		if winner == "" || res.Priority == PriorityStrong || res.Priority > best.Priority {
			best = res
			winner = r.Name()
		}
	}
	best.Superseded = superseded

	if winner != "" {
		c.logger.Debug().
			Str(log.FieldStreamID, ctx.StreamID).
			Str(log.FieldMediaType, string(ctx.MediaType)).
			Str("stage", ctx.Stage.String()).
			Str("rule", winner).
			Str("priority", best.Priority.String()).
			Int("requests", len(best.Requests)).
			Msg("switch request chosen")
	}
	return best
}

// Reset resets every rule and forgets all stream records.
func (c *Chain) Reset() {
	for _, r := range c.rules {
		r.Reset()
	}
	c.streams = make(map[string]*StreamState)
}
