// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package download

import (
	"github.com/rs/zerolog"

	"github.com/ManuGH/segflow/internal/metrics"
)

// monitorTick compares the attempt's age with the fragment duration. Slow
// attempts are reported, runaway attempts are aborted.
func (f *Fetch) monitorTick(gen int) {
	f.monitor = nil
	if !f.current(gen) {
		return
	}
	e := f.e
	elapsed := e.loop.Now().Sub(f.attemptStart).Seconds()
	duration := f.req.Duration

	if elapsed > e.cfg.RunawayFactor*duration {
		metrics.IncFragmentAbort(string(f.req.MediaType), metrics.AbortRunaway)
		f.attemptFailed(gen, &Error{Kind: KindDeadConnection, Request: f.req, Detail: "runaway"})
		return
	}
	if elapsed > duration {
		f.slowWarn.Do(func() {
			e.diag.Add(Entry{
				Level:  zerolog.WarnLevel,
				Event:  "download.slow",
				Msg:    "download taking longer than fragment duration",
				Fields: f.fields(map[string]any{"elapsed_s": elapsed, "bytes": f.loaded}),
			})
		})
	}
	f.monitor = e.loop.AfterFunc(e.cfg.MonitorInterval, func() { f.monitorTick(gen) })
}
