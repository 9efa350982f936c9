// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package download

import (
	"time"

	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/loop"
)

// WatchdogState is the health verdict of one attempt.
type WatchdogState int

const (
	WatchdogConnecting WatchdogState = iota
	WatchdogHealthy
	WatchdogDead
	WatchdogKilled
	WatchdogStopped
)

type sample struct {
	at    time.Time
	bytes int64
}

// watchdog detects attempts that never connect or stop delivering bytes.
// It runs on the loop goroutine.
type watchdog struct {
	cfg   config.WatchdogConfig
	loop  loop.Loop
	start time.Time

	state     WatchdogState
	samples   []sample
	deadSince time.Time
	timer     loop.Timer

	onFakeProgress func()
	onKill         func(kind Kind, detail string)
}

// connectTimeout is the time allowed until the first byte: the minimum for
// init segments, otherwise the scaled fragment duration.
func connectTimeout(cfg config.WatchdogConfig, req *fragment.Request) time.Duration {
	if req.IsInit() || req.Duration <= 0 {
		return cfg.ConnectMin
	}
	scaled := time.Duration(req.Duration * cfg.ConnectScale * float64(time.Second))
	return max(cfg.ConnectMin, scaled)
}

func newWatchdog(l loop.Loop, cfg config.WatchdogConfig, onFakeProgress func(), onKill func(Kind, string)) *watchdog {
	return &watchdog{
		cfg:            cfg,
		loop:           l,
		onFakeProgress: onFakeProgress,
		onKill:         onKill,
	}
}

// begin arms the connect timeout.
func (w *watchdog) begin(req *fragment.Request) {
	w.start = w.loop.Now()
	w.state = WatchdogConnecting
	w.arm(connectTimeout(w.cfg, req))
}

func (w *watchdog) arm(d time.Duration) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.loop.AfterFunc(d, w.fire)
}

// stop disarms the watchdog. It is safe to call more than once.
func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.state != WatchdogKilled {
		w.state = WatchdogStopped
	}
}

func (w *watchdog) armed() bool { return w.timer != nil }

func (w *watchdog) fire() {
	w.timer = nil
	if w.state == WatchdogStopped || w.state == WatchdogKilled {
		return
	}

	if w.state == WatchdogConnecting {
		w.kill(KindConnectTimeout, "no data before connect timeout")
		return
	}

	// Progress went quiet: keep pacing alive and start the dead clock.
	now := w.loop.Now()
	if w.deadSince.IsZero() {
		w.deadSince = now
		w.state = WatchdogDead
	}
	if w.onFakeProgress != nil {
		w.onFakeProgress()
	}
	if w.state == WatchdogStopped || w.state == WatchdogKilled {
		return
	}
	if w.checkKill(now) {
		return
	}
	w.arm(w.cfg.Interval)
}

// progress records the cumulative byte count of the attempt.
func (w *watchdog) progress(bytes int64) {
	if w.state == WatchdogStopped || w.state == WatchdogKilled {
		return
	}
	now := w.loop.Now()
	if w.state == WatchdogConnecting {
		w.state = WatchdogHealthy
	}
	w.arm(w.cfg.Interval)

	w.samples = append(w.samples, sample{at: now, bytes: bytes})
	// Real bytes revive the connection until a full window says otherwise.
	if dead, _ := w.effectivelyDead(now); dead {
		if w.deadSince.IsZero() {
			w.deadSince = now
		}
		w.state = WatchdogDead
	} else {
		w.deadSince = time.Time{}
		w.state = WatchdogHealthy
	}
	w.checkKill(now)
}

// effectivelyDead measures throughput over the newest window of samples that
// spans at least the grace period. known is false until such a window exists
// or while the attempt is younger than the grace period.
func (w *watchdog) effectivelyDead(now time.Time) (dead, known bool) {
	if now.Sub(w.start) < w.cfg.Grace || len(w.samples) < 2 {
		return false, false
	}
	last := w.samples[len(w.samples)-1]
	from := -1
	for i := len(w.samples) - 2; i >= 0; i-- {
		if last.at.Sub(w.samples[i].at) >= w.cfg.Grace {
			from = i
			break
		}
	}
	if from < 0 {
		return false, false
	}
	first := w.samples[from]
	w.samples = w.samples[from:]

	elapsed := last.at.Sub(first.at).Seconds()
	bps := float64(last.bytes-first.bytes) / elapsed
	return bps < w.cfg.MinBytesPerSecond, true
}

func (w *watchdog) checkKill(now time.Time) bool {
	if w.deadSince.IsZero() || now.Sub(w.deadSince) < w.cfg.KillThreshold {
		return false
	}
	w.kill(KindDeadConnection, "throughput below floor")
	return true
}

func (w *watchdog) kill(kind Kind, detail string) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.state = WatchdogKilled
	if w.onKill != nil {
		w.onKill(kind, detail)
	}
}
