// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command segflowd plays one templated stream headlessly and serves debug
// endpoints while it runs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/segflow/internal/bus"
	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/download"
	"github.com/ManuGH/segflow/internal/events"
	xlog "github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/loop"
	"github.com/ManuGH/segflow/internal/player"
	"github.com/ManuGH/segflow/internal/telemetry"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until the stream ends or a signal)")
	historyOut := flag.String("history-out", "", "write the request history as JSON to this path on exit")
	capacity := flag.Float64("capacity", 0, "seconds each simulated source buffer holds (0 is unlimited)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	xlog.Configure(xlog.Config{Level: "info", Service: "segflow"})
	logger := xlog.WithComponent("daemon")

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Str(xlog.FieldEvent, "config.load_failed").Str(xlog.FieldPath, *configPath).Msg("failed to load configuration")
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal().Err(err).Str(xlog.FieldEvent, "config.invalid").Msg("invalid configuration")
	}
	xlog.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if err := run(ctx, cfg, loader, options{historyOut: *historyOut, capacity: *capacity}); err != nil {
		logger.Error().Err(err).Str(xlog.FieldEvent, "daemon.failed").Msg("segflowd stopped with error")
		os.Exit(1)
	}
}

type options struct {
	historyOut string
	capacity   float64
}

func run(ctx context.Context, cfg config.Config, loader *config.Loader, opts options) error {
	sessionID := uuid.NewString()
	ctx = xlog.ContextWithSessionID(ctx, sessionID)
	ctx = xlog.ContextWithStreamID(ctx, cfg.Stream.ID)
	logger := xlog.WithContext(ctx, xlog.WithComponent("daemon"))

	tp, err := telemetry.NewProvider(ctx, telemetry.FromConfig(cfg.Telemetry, cfg.Log.Service, version))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	tracks, err := buildTracks(cfg, opts.capacity)
	if err != nil {
		return err
	}

	l := loop.New()
	fwd := bus.NewMemoryBus()
	disp := bus.NewDispatcher(fwd)
	dl := download.New(l, cfg.Download, disp)
	session, err := player.NewSession(l, cfg, disp, dl, player.Options{
		StreamID: cfg.Stream.ID,
		Tracks:   tracks,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	holder := config.NewHolder(cfg, loader)
	defer holder.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := l.Run(gctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})

	if err := holder.StartWatcher(gctx); err != nil {
		logger.Warn().Err(err).Str(xlog.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
	}
	g.Go(func() error { return watchReloads(gctx, holder) })

	g.Go(func() error { return logFailures(gctx, fwd) })

	dbg := newDebugServer(cfg.Debug, l, session)
	g.Go(func() error { return dbg.serve(gctx) })

	ph := newPlayhead(l, disp, session, cfg.Buffer.WallclockInterval)
	if err := l.Call(gctx, func() {
		if err := session.Start(); err != nil {
			logger.Error().Err(err).Msg("session start")
		}
	}); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("start session: %w", err)
	}
	logger.Info().
		Str(xlog.FieldEvent, "daemon.started").
		Str(xlog.FieldURL, cfg.Stream.BaseURL).
		Int("tracks", len(tracks)).
		Msg("session running")

	g.Go(func() error {
		ph.run(gctx)
		// The stream played out; stop the rest of the group.
		cancel()
		return nil
	})

	err = g.Wait()

	// The loop has stopped; nothing else touches the session from here on.
	session.Close()
	dl.Abort()

	if opts.historyOut != "" {
		if werr := writeHistory(opts.historyOut, sessionID, session.Snapshot()); werr != nil {
			logger.Error().Err(werr).Str(xlog.FieldPath, opts.historyOut).Msg("write history snapshot")
			err = errors.Join(err, werr)
		} else {
			logger.Info().Str(xlog.FieldEvent, "daemon.history_written").Str(xlog.FieldPath, opts.historyOut).Msg("history snapshot written")
		}
	}
	logger.Info().Str(xlog.FieldEvent, "daemon.stopped").Msg("segflowd stopped")
	return err
}

// watchReloads re-reads the config on SIGHUP and applies what can change
// at runtime.
func watchReloads(ctx context.Context, holder *config.Holder) error {
	logger := xlog.WithComponent("daemon")
	applied := make(chan config.Config, 1)
	holder.RegisterListener(applied)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			logger.Info().Str(xlog.FieldEvent, "config.reload_signal").Msg("received SIGHUP, reloading config")
			if err := holder.Reload(ctx); err != nil {
				logger.Warn().Err(err).Str(xlog.FieldEvent, "config.reload_failed").Msg("config reload failed")
			}
		case cfg := <-applied:
			// Engines keep the settings they were built with.
			if cfg.Log.Level != "" && !xlog.SetLevel(cfg.Log.Level) {
				logger.Warn().Str("level", cfg.Log.Level).Msg("unknown log level ignored")
			}
		}
	}
}

// logFailures reports terminal download failures forwarded by the bus.
func logFailures(ctx context.Context, b *bus.MemoryBus) error {
	sub, err := b.Subscribe(ctx, events.DownloadError)
	if err != nil {
		return fmt.Errorf("subscribe download errors: %w", err)
	}
	defer func() { _ = sub.Close() }()

	logger := xlog.WithComponent("daemon")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.C():
			f, ok := ev.Payload.(events.DownloadFailure)
			if !ok {
				continue
			}
			logger.Warn().
				Err(f.Err).
				Str(xlog.FieldEvent, "daemon.download_error").
				Str(xlog.FieldMediaType, string(ev.MediaType)).
				Str("id", string(f.ID)).
				Int(xlog.FieldIndex, f.Index).
				Str(xlog.FieldURL, f.URL).
				Msg("fragment could not be fetched")
		}
	}
}
