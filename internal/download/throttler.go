// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package download

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/loop"
)

// Entry is one queued diagnostic line.
type Entry struct {
	Level  zerolog.Level
	Event  string
	Msg    string
	Fields map[string]any
}

// Throttler batches diagnostics and writes them at most once per interval.
// The first entry after a quiet period is written immediately. It must be
// used from the loop goroutine.
type Throttler struct {
	loop    loop.Loop
	logger  zerolog.Logger
	every   time.Duration
	limiter *rate.Limiter
	pending []Entry
	timer   loop.Timer
	flushed int
}

// NewThrottler creates a throttler flushing through logger every interval.
func NewThrottler(l loop.Loop, logger zerolog.Logger, every time.Duration) *Throttler {
	if every <= 0 {
		every = time.Second
	}
	return &Throttler{
		loop:    l,
		logger:  logger,
		every:   every,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// Add queues an entry.
func (t *Throttler) Add(e Entry) {
	t.pending = append(t.pending, e)
	if t.timer != nil {
		return
	}
	t.tick()
}

// Pending returns the number of queued entries.
func (t *Throttler) Pending() int { return len(t.pending) }

// Flushes returns the number of batches written so far.
func (t *Throttler) Flushes() int { return t.flushed }

// Armed reports whether a flush timer is pending.
func (t *Throttler) Armed() bool { return t.timer != nil }

func (t *Throttler) tick() {
	t.timer = nil
	if len(t.pending) == 0 {
		return
	}

	now := t.loop.Now()
	r := t.limiter.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		t.timer = t.loop.AfterFunc(d, t.tick)
		return
	}

	t.flush()
	t.timer = t.loop.AfterFunc(t.every, t.tick)
}

// End stops the timer and writes whatever is queued.
func (t *Throttler) End() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if len(t.pending) > 0 {
		t.flush()
	}
}

func (t *Throttler) flush() {
	batch := t.pending
	t.pending = nil
	t.flushed++

	t.logger.Debug().
		Str(log.FieldEvent, "download.diagnostics").
		Int("entries", len(batch)).
		Msg("throttled download diagnostics")
	for _, e := range batch {
		ev := t.logger.WithLevel(e.Level)
		if ev == nil {
			continue
		}
		ev.Str(log.FieldEvent, e.Event).Fields(e.Fields).Msg(e.Msg)
	}
}
