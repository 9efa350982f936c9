// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/health"
	xlog "github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/loop"
	"github.com/ManuGH/segflow/internal/player"
)

const loopCallTimeout = 2 * time.Second

// caller runs a function on the loop and waits for it.
type caller interface {
	Call(ctx context.Context, fn func()) error
}

var _ caller = (*loop.EventLoop)(nil)

type debugServer struct {
	cfg    config.DebugConfig
	loop   caller
	s      *player.Session
	health *health.Manager
	logger zerolog.Logger
}

func newDebugServer(cfg config.DebugConfig, l caller, s *player.Session) *debugServer {
	d := &debugServer{
		cfg:    cfg,
		loop:   l,
		s:      s,
		health: health.NewManager(version),
		logger: xlog.WithComponent("debug"),
	}
	d.health.RegisterChecker(health.LoopChecker{Loop: l, Timeout: loopCallTimeout})
	d.health.RegisterChecker(health.CheckerFunc{ID: "buffers", Fn: d.checkBuffers})
	return d
}

// checkBuffers reports degraded while any buffer waits for data.
func (d *debugServer) checkBuffers(ctx context.Context) health.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, loopCallTimeout)
	defer cancel()

	var empty []string
	err := d.loop.Call(ctx, func() {
		for _, p := range d.s.Processors() {
			if !p.Buffer().IsLoaded() {
				empty = append(empty, string(p.MediaType()))
			}
		}
	})
	switch {
	case err != nil:
		return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
	case len(empty) > 0:
		return health.CheckResult{Status: health.StatusDegraded, Message: "buffering: " + strings.Join(empty, ",")}
	}
	return health.CheckResult{Status: health.StatusHealthy}
}

func (d *debugServer) routes() http.Handler {
	r := chi.NewRouter()
	if d.cfg.RateLimit > 0 {
		r.Use(httprate.Limit(
			d.cfg.RateLimit,
			time.Second,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			}),
		))
	}
	r.Get("/healthz", d.health.ServeHealth)
	r.Get("/readyz", d.health.ServeReady)
	r.Get("/history", d.handleHistory)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (d *debugServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), loopCallTimeout)
	defer cancel()

	var snap map[fragment.MediaType][]fragment.Request
	if err := d.loop.Call(ctx, func() { snap = d.s.Snapshot() }); err != nil {
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := encodeHistory(w, newHistoryDoc(xlog.SessionIDFromContext(r.Context()), snap)); err != nil {
		d.logger.Debug().Err(err).Msg("write history response")
	}
}

// serve listens until ctx is done. An empty listen address disables it.
func (d *debugServer) serve(ctx context.Context) error {
	if d.cfg.ListenAddr == "" {
		return nil
	}
	srv := &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           d.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	d.logger.Info().Str(xlog.FieldEvent, "debug.listening").Str("addr", d.cfg.ListenAddr).Msg("debug server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("debug server shutdown")
		}
		<-errCh
		return nil
	}
}
