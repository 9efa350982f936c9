// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package download fetches fragments over HTTP with connection health
// monitoring, bounded retries and delayed starts.
//
// Every Engine method and every Handler callback runs on the loop goroutine.
// Network I/O happens on worker goroutines that post their results back.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ManuGH/segflow/internal/bus"
	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/events"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/loop"
	"github.com/ManuGH/segflow/internal/metrics"
	"github.com/ManuGH/segflow/internal/resilience"
	"github.com/ManuGH/segflow/internal/telemetry"
)

const readChunk = 32 << 10

// Progress is reported while bytes arrive, and synthesised by the watchdog
// while a connection is quiet.
type Progress struct {
	Request     *fragment.Request
	BytesLoaded int64
	BytesTotal  int64
	Fake        bool
}

// Meta is the response metadata of a successful fetch.
type Meta struct {
	Status       int
	Header       http.Header
	URL          string
	RequestStart time.Time
	FirstByte    time.Time
	RequestEnd   time.Time
	Bytes        int64
	// Throughput is in bits per second.
	Throughput float64
}

// Result ends a fetch. Err is nil on success.
type Result struct {
	Request *fragment.Request
	Data    []byte
	Meta    Meta
	Err     error
}

// Handler receives fetch callbacks. Either field may be nil.
type Handler struct {
	OnProgress func(Progress)
	OnDone     func(Result)
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine issues fragment fetches.
type Engine struct {
	loop   loop.Loop
	cfg    config.DownloadConfig
	pub    bus.Publisher
	client *http.Client
	logger zerolog.Logger
	tracer trace.Tracer

	diag    *Throttler
	breaker *resilience.CircuitBreaker
	probes  singleflight.Group

	fetches map[*Fetch]struct{}
	checks  map[*existenceCheck]struct{}
}

// New creates an Engine. pub may be nil.
func New(l loop.Loop, cfg config.DownloadConfig, pub bus.Publisher, opts ...Option) *Engine {
	if pub == nil {
		pub = bus.Discard
	}
	e := &Engine{
		loop:    l,
		cfg:     cfg,
		pub:     pub,
		client:  &http.Client{Transport: telemetry.NewTransport(nil)},
		logger:  log.WithComponent("download"),
		tracer:  telemetry.Tracer(),
		fetches: make(map[*Fetch]struct{}),
		checks:  make(map[*existenceCheck]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.diag = NewThrottler(l, e.logger, cfg.DiagnosticsFlush)
	e.breaker = resilience.NewCircuitBreaker("existence",
		cfg.ExistenceBreaker.Threshold,
		cfg.ExistenceBreaker.ResetTimeout,
		resilience.WithClock(l),
		resilience.WithFailureClassifier(func(err error) bool { return !errors.Is(err, errNotFound) }),
	)
	return e
}

// Fetch is one logical download, possibly spanning several attempts.
type Fetch struct {
	e   *Engine
	id  string
	req *fragment.Request
	h   Handler

	budget  int
	attempt int
	// gen invalidates results posted by superseded attempts.
	gen  int
	done bool

	delayTimer loop.Timer
	retryTimer loop.Timer
	monitor    loop.Timer
	wd         *watchdog
	cancel     context.CancelFunc
	span       trace.Span

	attemptStart time.Time
	firstByte    time.Time
	loaded       int64
	slowWarn     rate.Sometimes
}

// ID returns the correlation id of the fetch.
func (f *Fetch) ID() string { return f.id }

// Request returns the fetched request.
func (f *Fetch) Request() *fragment.Request { return f.req }

// Attempts returns the number of attempts started so far.
func (f *Fetch) Attempts() int { return f.attempt }

// Load starts fetching req. A request whose DelayUntil lies in the future is
// held back until then.
func (e *Engine) Load(req *fragment.Request, h Handler) *Fetch {
	if req == nil {
		if h.OnDone != nil {
			h.OnDone(Result{Err: ErrNilRequest})
		}
		return nil
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	f := &Fetch{
		e:        e,
		id:       req.ID,
		req:      req,
		h:        h,
		budget:   max(1, e.cfg.RetryAttempts.For(req.Type)),
		slowWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	e.fetches[f] = struct{}{}

	if delay := req.DelayUntil.Sub(e.loop.Now()); !req.DelayUntil.IsZero() && delay > 0 {
		e.diag.Add(Entry{
			Level:  zerolog.DebugLevel,
			Event:  "download.delayed",
			Msg:    "fetch delayed",
			Fields: f.fields(map[string]any{"delay_ms": delay.Milliseconds()}),
		})
		f.delayTimer = e.loop.AfterFunc(delay, func() {
			f.delayTimer = nil
			f.start()
		})
		return f
	}
	f.start()
	return f
}

func (f *Fetch) fields(extra map[string]any) map[string]any {
	m := map[string]any{
		log.FieldFetchID:     f.id,
		log.FieldMediaType:   string(f.req.MediaType),
		log.FieldRequestType: string(f.req.Type),
		log.FieldIndex:       f.req.Index,
		log.FieldAttempt:     f.attempt,
		log.FieldURL:         f.req.URL,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func (f *Fetch) start() {
	if f.done {
		return
	}
	e := f.e
	f.attempt++
	f.gen++
	gen := f.gen

	now := e.loop.Now()
	f.attemptStart = now
	f.firstByte = time.Time{}
	f.loaded = 0
	f.req.RequestStart = now
	f.req.FirstByte = time.Time{}
	f.req.BytesLoaded = 0

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout := e.cfg.NetworkTimeout.For(f.req.MediaType); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	ctx, f.span = e.tracer.Start(ctx, "fragment.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.FragmentAttributes(f.req, f.attempt)...),
	)
	f.cancel = cancel

	f.wd = newWatchdog(e.loop, e.cfg.Watchdog,
		func() { f.onFakeProgress(gen) },
		func(kind Kind, detail string) { f.onKill(gen, kind, detail) },
	)
	f.wd.begin(f.req)
	if e.cfg.MonitorInterval > 0 && f.req.Duration > 0 {
		f.monitor = e.loop.AfterFunc(e.cfg.MonitorInterval, func() { f.monitorTick(gen) })
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.req.URL, nil)
	if err != nil {
		f.attemptFailed(gen, &Error{Kind: KindNetwork, Request: f.req, Detail: "build request", Err: err})
		return
	}
	if e.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", e.cfg.UserAgent)
	}
	if !f.req.Range.IsZero() {
		httpReq.Header.Set("Range", "bytes="+f.req.Range.String())
	}

	go e.run(f, gen, httpReq)
}

// run performs one attempt off the loop.
func (e *Engine) run(f *Fetch, gen int, httpReq *http.Request) {
	resp, err := e.client.Do(httpReq)
	if err != nil {
		e.loop.Post(func() {
			f.attemptFailed(gen, &Error{Kind: KindNetwork, Request: f.req, Err: err})
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		status := resp.StatusCode
		e.loop.Post(func() {
			f.attemptFailed(gen, &Error{Kind: KindHTTPStatus, Request: f.req, Status: status, Detail: http.StatusText(status)})
		})
		return
	}

	total := resp.ContentLength
	var body bytes.Buffer
	if total > 0 {
		body.Grow(int(total))
	}
	buf := make([]byte, readChunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body.Write(buf[:n])
			loaded := int64(body.Len())
			e.loop.Post(func() { f.onProgress(gen, loaded, total) })
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			e.loop.Post(func() {
				f.attemptFailed(gen, &Error{Kind: KindNetwork, Request: f.req, Detail: "read body", Err: rerr})
			})
			return
		}
	}

	meta := Meta{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		URL:    resp.Request.URL.String(),
		Bytes:  int64(body.Len()),
	}
	data := body.Bytes()
	e.loop.Post(func() { f.succeeded(gen, data, meta) })
}

func (f *Fetch) current(gen int) bool {
	return !f.done && gen == f.gen
}

func (f *Fetch) onProgress(gen int, loaded, total int64) {
	if !f.current(gen) {
		return
	}
	now := f.e.loop.Now()
	if f.firstByte.IsZero() {
		f.firstByte = now
		f.req.FirstByte = now
	}
	f.loaded = loaded
	f.req.BytesLoaded = loaded
	if total > 0 {
		f.req.BytesTotal = total
	}
	f.wd.progress(loaded)
	if !f.current(gen) {
		return
	}
	if f.h.OnProgress != nil {
		f.h.OnProgress(Progress{Request: f.req, BytesLoaded: loaded, BytesTotal: f.req.BytesTotal})
	}
}

func (f *Fetch) onFakeProgress(gen int) {
	if !f.current(gen) {
		return
	}
	f.e.diag.Add(Entry{
		Level:  zerolog.DebugLevel,
		Event:  "download.quiet",
		Msg:    "connection slow at generating progress",
		Fields: f.fields(nil),
	})
	if f.h.OnProgress != nil {
		f.h.OnProgress(Progress{Request: f.req, BytesLoaded: f.loaded, BytesTotal: f.req.BytesTotal, Fake: true})
	}
}

func (f *Fetch) onKill(gen int, kind Kind, detail string) {
	if !f.current(gen) {
		return
	}
	reason := metrics.AbortDeadConnection
	if kind == KindConnectTimeout {
		reason = metrics.AbortConnectTimeout
	}
	metrics.IncFragmentAbort(string(f.req.MediaType), reason)
	f.attemptFailed(gen, &Error{Kind: kind, Request: f.req, Detail: detail})
}

// endAttempt releases the per-attempt resources.
func (f *Fetch) endAttempt() {
	f.gen++
	if f.wd != nil {
		f.wd.stop()
	}
	if f.monitor != nil {
		f.monitor.Stop()
		f.monitor = nil
	}
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func (f *Fetch) endSpan(status int, bytes int64, err *Error) {
	if f.span == nil {
		return
	}
	errType := ""
	if err != nil {
		errType = err.Kind.String()
		f.span.SetStatus(codes.Error, err.Error())
	}
	f.span.SetAttributes(telemetry.ResultAttributes(status, bytes, errType)...)
	f.span.End()
	f.span = nil
}

func (f *Fetch) attemptFailed(gen int, err *Error) {
	if !f.current(gen) {
		return
	}
	e := f.e
	f.endAttempt()
	f.endSpan(err.Status, f.loaded, err)

	mt, ft := string(f.req.MediaType), string(f.req.Type)
	if f.attempt < f.budget {
		metrics.IncFragmentRetry(mt, ft)
		delay := e.cfg.RetryInterval.For(f.req.Type)
		e.diag.Add(Entry{
			Level:  zerolog.InfoLevel,
			Event:  "download.retry",
			Msg:    "attempt failed, retrying",
			Fields: f.fields(map[string]any{"error": err.Error(), "retry_in_ms": delay.Milliseconds()}),
		})
		f.retryTimer = e.loop.AfterFunc(delay, func() {
			f.retryTimer = nil
			f.start()
		})
		return
	}

	terminal := &Error{
		Kind:    KindExceededRetries,
		Request: f.req,
		Detail:  fmt.Sprintf("%d attempts", f.attempt),
		Err:     err,
	}
	metrics.IncFragmentDownload(mt, ft, err.Kind.String())
	e.diag.Add(Entry{
		Level:  zerolog.ErrorLevel,
		Event:  "download.failed",
		Msg:    "fetch exceeded retry budget",
		Fields: f.fields(map[string]any{"error": err.Error()}),
	})
	f.finish()

	e.pub.Emit(events.Event{
		Topic:     events.DownloadError,
		StreamID:  f.req.StreamID,
		MediaType: f.req.MediaType,
		Payload: events.DownloadFailure{
			ID:    events.ClassifyDownloadError(f.req.Type),
			URL:   f.req.URL,
			Index: f.req.Index,
			Err:   terminal,
		},
	})
	if f.h.OnDone != nil {
		f.h.OnDone(Result{Request: f.req, Err: terminal})
	}
}

func (f *Fetch) succeeded(gen int, data []byte, meta Meta) {
	if !f.current(gen) {
		return
	}
	e := f.e
	f.endAttempt()

	now := e.loop.Now()
	if f.firstByte.IsZero() {
		f.firstByte = f.attemptStart
	}
	f.req.FirstByte = f.firstByte
	f.req.RequestEnd = now
	f.req.BytesLoaded = meta.Bytes

	meta.RequestStart = f.attemptStart
	meta.FirstByte = f.firstByte
	meta.RequestEnd = now
	meta.Throughput = throughput(f.req, meta)

	f.endSpan(meta.Status, meta.Bytes, nil)
	metrics.IncFragmentDownload(string(f.req.MediaType), string(f.req.Type), "success")
	metrics.ObserveFragmentDownload(string(f.req.MediaType), now.Sub(f.attemptStart), meta.Bytes)
	e.diag.Add(Entry{
		Level: zerolog.DebugLevel,
		Event: "download.loaded",
		Msg:   "fragment loaded",
		Fields: f.fields(map[string]any{
			"status":       meta.Status,
			"latency_ms":   meta.FirstByte.Sub(meta.RequestStart).Milliseconds(),
			"download_ms":  meta.RequestEnd.Sub(meta.FirstByte).Milliseconds(),
			"throughput":   meta.Throughput,
			"bytes_loaded": meta.Bytes,
		}),
	})
	f.finish()

	if f.h.OnDone != nil {
		f.h.OnDone(Result{Request: f.req, Data: data, Meta: meta})
	}
}

// throughput uses the byte range length when one was requested, otherwise
// the received size.
func throughput(req *fragment.Request, meta Meta) float64 {
	n := req.Range.Len()
	if n == 0 {
		n = meta.Bytes
	}
	elapsed := meta.RequestEnd.Sub(meta.RequestStart).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(n) * 8 / elapsed
}

// finish retires the fetch. No callback fires after finish except the
// OnDone call made by its caller.
func (f *Fetch) finish() {
	f.done = true
	if f.delayTimer != nil {
		f.delayTimer.Stop()
		f.delayTimer = nil
	}
	if f.retryTimer != nil {
		f.retryTimer.Stop()
		f.retryTimer = nil
	}
	delete(f.e.fetches, f)
}

// Cancel stops the fetch without invoking any callback.
func (f *Fetch) Cancel() {
	if f == nil || f.done {
		return
	}
	inFlight := f.cancel != nil
	f.endAttempt()
	f.endSpan(0, f.loaded, &Error{Kind: KindAborted, Request: f.req})
	f.finish()
	if inFlight {
		metrics.IncFragmentAbort(string(f.req.MediaType), metrics.AbortDeliberate)
	}
}

// InFlight returns the number of fetches that have not finished.
func (e *Engine) InFlight() int { return len(e.fetches) }

// PendingTimers counts armed retry, delay, watchdog and monitor timers.
func (e *Engine) PendingTimers() int {
	n := 0
	for f := range e.fetches {
		if f.delayTimer != nil {
			n++
		}
		if f.retryTimer != nil {
			n++
		}
		if f.monitor != nil {
			n++
		}
		if f.wd != nil && f.wd.armed() {
			n++
		}
	}
	return n
}

// Abort cancels every fetch and existence check without invoking callbacks.
// When it returns no timer of the engine is armed and late network
// completions are ignored.
func (e *Engine) Abort() {
	if len(e.fetches) > 0 || len(e.checks) > 0 {
		e.logger.Debug().
			Str(log.FieldEvent, "download.abort").
			Int("fetches", len(e.fetches)).
			Int("checks", len(e.checks)).
			Msg("aborting downloads")
	}
	for f := range e.fetches {
		f.Cancel()
	}
	for c := range e.checks {
		c.detach()
	}
	e.diag.End()
}
