// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package player

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/segflow/internal/buffer"
	"github.com/ManuGH/segflow/internal/bus"
	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/download"
	"github.com/ManuGH/segflow/internal/events"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/index"
	"github.com/ManuGH/segflow/internal/loop"
)

const waitReal = 3 * time.Second

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// origin serves every path with a small payload and records hits.
type origin struct {
	ts *httptest.Server

	mu   sync.Mutex
	hits []string
	// fail answers 500 while it returns true for the path.
	fail func(path string, seen int) bool
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		seen := o.countLocked(r.URL.Path)
		o.hits = append(o.hits, r.URL.Path)
		fail := o.fail != nil && o.fail(r.URL.Path, seen)
		o.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("m", 2048)))
	}))
	t.Cleanup(o.ts.Close)
	return o
}

func (o *origin) countLocked(path string) int {
	n := 0
	for _, h := range o.hits {
		if h == path {
			n++
		}
	}
	return n
}

func (o *origin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.countLocked(path)
}

func (o *origin) paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.hits...)
}

func (o *origin) hitWith(substr string) bool {
	for _, p := range o.paths() {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Download.NetworkTimeout = config.NetworkTimeouts{}
	cfg.Download.RetryAttempts.Media = 1
	cfg.Scheduling.PacingTarget = 0
	return cfg
}

type harness struct {
	t    *testing.T
	m    *loop.Manual
	cfg  config.Config
	disp *bus.Dispatcher
	dl   *download.Engine
	o    *origin
	rec  *bus.Recorder

	srcs map[fragment.MediaType]*buffer.MemorySource
	s    *Session
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	o := newOrigin(t)
	m := loop.NewManual(epoch)
	disp := bus.NewDispatcher(nil)
	rec := &bus.Recorder{}
	for _, topic := range []events.Topic{
		events.QualityChangeRequested,
		events.StreamCompleted,
		events.QuotaExceeded,
		events.BufferCleared,
		events.BufferingCompleted,
	} {
		disp.On(topic, rec.Emit)
	}
	return &harness{
		t:    t,
		m:    m,
		cfg:  cfg,
		disp: disp,
		dl:   download.New(m, cfg.Download, disp, download.WithHTTPClient(o.ts.Client())),
		o:    o,
		rec:  rec,
		srcs: make(map[fragment.MediaType]*buffer.MemorySource),
	}
}

func (h *harness) template(mt fragment.MediaType, count int) *index.TemplateIndex {
	h.t.Helper()
	prefix := string(mt[:1])
	x, err := index.NewTemplate(index.Template{
		StreamID:        "s1",
		MediaType:       mt,
		BaseURL:         h.o.ts.URL + "/",
		Init:            "$RepresentationID$/init.mp4",
		Media:           "$RepresentationID$/seg-$Number$.m4s",
		Representations: []string{prefix + "-low", prefix + "-high"},
		SegmentDuration: 2,
		Count:           count,
	})
	require.NoError(h.t, err)
	return x
}

func (h *harness) start(startTime, capacity float64, idx ...*index.TemplateIndex) {
	h.t.Helper()
	tracks := make(map[fragment.MediaType]Track, len(idx))
	for _, x := range idx {
		src := buffer.NewMemorySource(h.m, capacity)
		h.srcs[x.MediaType()] = src
		tracks[x.MediaType()] = Track{Index: x, Source: src}
	}
	s, err := NewSession(h.m, h.cfg, h.disp, h.dl, Options{StreamID: "s1", StartTime: startTime, Tracks: tracks})
	require.NoError(h.t, err)
	h.s = s
	h.t.Cleanup(func() {
		s.Close()
		h.dl.Abort()
	})
	require.NoError(h.t, s.Start())
}

func (h *harness) until(cond func() bool) {
	h.t.Helper()
	require.True(h.t, h.m.RunUntil(cond, waitReal), "condition not reached, origin saw %v", h.o.paths())
}

func (h *harness) buffered(mt fragment.MediaType) buffer.Ranges {
	return h.srcs[mt].Buffered()
}

func (h *harness) emit(topic events.Topic, payload any) {
	h.disp.Emit(events.Event{Topic: topic, StreamID: "s1", Payload: payload})
}

func TestNewSession_NoTracks(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := NewSession(h.m, h.cfg, h.disp, h.dl, Options{StreamID: "s1"})
	assert.ErrorIs(t, err, ErrNoTracks)
}

func TestSession_LoadsWholeStream(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(0, 0, h.template(fragment.MediaVideo, 5))

	video := h.s.Processor(fragment.MediaVideo)
	h.until(func() bool { return video.Buffer().IsBufferingCompleted() })

	ranges := h.buffered(fragment.MediaVideo)
	require.Len(t, ranges, 1)
	assert.Equal(t, buffer.Range{Start: 0, End: 10}, ranges[0])

	assert.Equal(t, 1, h.o.count("/v-low/init.mp4"))
	for i := 1; i <= 5; i++ {
		assert.Equal(t, 1, h.o.count("/v-low/seg-"+strconv.Itoa(i)+".m4s"), "segment %d", i)
	}

	completed := h.rec.Events(events.StreamCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, events.Completed{LastIndex: 5}, completed[0].Payload)
	assert.True(t, h.s.Chain().Stream("s1").Completed())
	assert.Equal(t, events.BufferLoaded, video.Buffer().State())
}

func TestSession_VideoAndAudio(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(0, 0, h.template(fragment.MediaVideo, 3), h.template(fragment.MediaAudio, 3))

	h.until(func() bool {
		return h.s.Processor(fragment.MediaVideo).Buffer().IsBufferingCompleted() &&
			h.s.Processor(fragment.MediaAudio).Buffer().IsBufferingCompleted()
	})

	snap := h.s.Snapshot()
	for _, mt := range []fragment.MediaType{fragment.MediaVideo, fragment.MediaAudio} {
		var media []int
		for _, r := range snap[mt] {
			if r.State == fragment.StateExecuted && !r.IsInit() && !r.IsComplete() {
				media = append(media, r.Index)
			}
		}
		assert.Equal(t, []int{0, 1, 2}, media, "%s", mt)
	}
	assert.Equal(t, 1, h.o.count("/a-low/init.mp4"))
}

func TestSession_PacingDelaysRequestsAboveTarget(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduling.PacingTarget = 3
	h := newHarness(t, cfg)
	h.start(0, 0, h.template(fragment.MediaVideo, 20))

	video := h.s.Processor(fragment.MediaVideo)
	var delayed *fragment.Request
	h.until(func() bool {
		for _, r := range video.History().Query(fragment.ByState(fragment.StateLoading)) {
			if !r.DelayUntil.IsZero() {
				delayed = r
				return true
			}
		}
		return false
	})

	path := "/v-low/seg-" + strconv.Itoa(delayed.Index+1) + ".m4s"
	assert.True(t, delayed.DelayUntil.After(h.m.Now()))
	assert.Zero(t, h.o.count(path), "fetched before its delay elapsed")
	assert.Greater(t, video.Buffer().Level(), cfg.Scheduling.PacingTarget)

	h.m.Advance(delayed.DelayUntil.Sub(h.m.Now()))
	h.until(func() bool { return h.o.count(path) == 1 })
	h.until(func() bool { return delayed.State == fragment.StateExecuted })
}

func TestSession_StartTimeSelectsFirstSegment(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduling.MaxBufferAhead = 4
	h := newHarness(t, cfg)
	h.start(20, 0, h.template(fragment.MediaVideo, 30))

	h.until(func() bool { return h.o.hitWith("seg-") })
	var first string
	for _, p := range h.o.paths() {
		if strings.Contains(p, "seg-") {
			first = p
			break
		}
	}
	assert.Equal(t, "/v-low/seg-11.m4s", first)
}

func TestSession_SeekMovesBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduling.MaxBufferAhead = 4
	h := newHarness(t, cfg)
	h.start(0, 0, h.template(fragment.MediaVideo, 30))

	h.until(func() bool {
		return h.buffered(fragment.MediaVideo).Total() >= 6 && h.dl.InFlight() == 0
	})

	h.emit(events.PlaybackSeeking, events.Seeking{Time: 41})
	h.until(func() bool {
		_, ok := h.buffered(fragment.MediaVideo).At(41, 0)
		return ok && h.dl.InFlight() == 0
	})

	first, ok := h.buffered(fragment.MediaVideo).First()
	require.True(t, ok)
	assert.Equal(t, 40.0, first.Start)
	assert.Equal(t, 41.0, h.s.PlaybackTime())
	assert.True(t, h.o.hitWith("/v-low/seg-21.m4s"))

	_, hasTarget := h.s.Chain().Stream("s1").Type(fragment.MediaVideo).SeekTarget()
	assert.False(t, hasTarget)
}

func TestSession_RejectedFragmentIsFetchedAgain(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduling.MaxBufferAhead = 6
	h := newHarness(t, cfg)
	h.o.fail = func(path string, seen int) bool { return path == "/v-low/seg-2.m4s" && seen == 0 }
	h.start(0, 0, h.template(fragment.MediaVideo, 30))

	h.until(func() bool {
		_, ok := h.buffered(fragment.MediaVideo).At(3, 0)
		return ok
	})

	assert.Equal(t, 2, h.o.count("/v-low/seg-2.m4s"))
	first, ok := h.buffered(fragment.MediaVideo).First()
	require.True(t, ok)
	assert.Equal(t, 0.0, first.Start)
	assert.Nil(t, h.s.Processor(fragment.MediaVideo).History().First(fragment.ByState(fragment.StateRejected)))
}

func TestSession_StarvationDropsToLowestQuality(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduling.MaxBufferAhead = 8
	h := newHarness(t, cfg)
	video := h.template(fragment.MediaVideo, 30)
	require.NoError(t, video.SetQuality(1))
	h.start(0, 0, video)

	p := h.s.Processor(fragment.MediaVideo)
	h.until(func() bool { return p.Buffer().State() == events.BufferLoaded && h.dl.InFlight() == 0 })
	require.True(t, h.o.hitWith("/v-high/seg-1.m4s"))

	// Playback runs past everything buffered.
	h.emit(events.PlaybackProgress, events.Progress{Time: 15})
	h.until(func() bool { return p.Quality() == 0 && h.o.hitWith("/v-low/seg-") })

	changes := h.rec.Events(events.QualityChangeRequested)
	require.NotEmpty(t, changes)
	assert.Equal(t, fragment.MediaVideo, changes[0].MediaType)
	assert.Equal(t, 0, changes[0].Payload.(events.QualityChange).Quality)
	assert.Equal(t, 1, h.o.count("/v-low/init.mp4"))
	assert.Equal(t, 0, p.Buffer().Quality())
}

func TestSession_QualityChangeAppliesToNextRequests(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduling.MaxBufferAhead = 4
	h := newHarness(t, cfg)
	h.start(0, 0, h.template(fragment.MediaVideo, 30))

	p := h.s.Processor(fragment.MediaVideo)
	h.until(func() bool { return h.buffered(fragment.MediaVideo).Total() >= 6 && h.dl.InFlight() == 0 })

	h.disp.Emit(events.Event{
		Topic:     events.QualityChangeRequested,
		StreamID:  "s1",
		MediaType: fragment.MediaVideo,
		Payload:   events.QualityChange{Quality: 1, Reason: "test"},
	})
	assert.Equal(t, 1, p.Quality())

	h.emit(events.PlaybackProgress, events.Progress{Time: 4})
	h.until(func() bool { return h.o.hitWith("/v-high/seg-") && h.dl.InFlight() == 0 })
	assert.Equal(t, 1, h.o.count("/v-high/init.mp4"))

	err := p.setQuality(7)
	assert.ErrorIs(t, err, index.ErrUnknownQuality)
}

func TestSession_QuotaPausesUntilCleared(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.start(0, 4, h.template(fragment.MediaVideo, 30))

	p := h.s.Processor(fragment.MediaVideo)
	h.until(func() bool { return p.Paused() && h.dl.InFlight() == 0 })
	require.NotEmpty(t, h.rec.Events(events.QuotaExceeded))
	assert.Equal(t, 4.0, h.buffered(fragment.MediaVideo).Total())

	h.emit(events.PlaybackProgress, events.Progress{Time: 3.5})
	h.m.Advance(cfg.Buffer.RemoveRetryMinimum + time.Second)
	h.until(func() bool {
		_, ok := h.buffered(fragment.MediaVideo).At(5, 0)
		return ok
	})

	require.NotEmpty(t, h.rec.Events(events.BufferCleared))
	first, ok := h.buffered(fragment.MediaVideo).First()
	require.True(t, ok)
	assert.Equal(t, 2.0, first.Start)
}

func TestSession_IgnoresOtherStreams(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduling.MaxBufferAhead = 4
	h := newHarness(t, cfg)
	h.start(0, 0, h.template(fragment.MediaVideo, 30))
	h.until(func() bool { return h.dl.InFlight() == 0 && h.buffered(fragment.MediaVideo).Total() >= 6 })

	h.disp.Emit(events.Event{Topic: events.PlaybackSeeking, StreamID: "other", Payload: events.Seeking{Time: 30}})
	h.m.Drain()
	assert.Equal(t, 0.0, h.s.PlaybackTime())
	assert.False(t, h.s.Chain().Stream("s1").Seeking())
}

func TestSession_CloseStopsWork(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(0, 0, h.template(fragment.MediaVideo, 30))
	h.s.Close()
	h.m.RunUntil(func() bool { return false }, 50*time.Millisecond)

	assert.Equal(t, 0, h.s.Processor(fragment.MediaVideo).InFlight())
	assert.ErrorIs(t, h.s.Start(), ErrSessionClosed)
	assert.False(t, h.o.hitWith("seg-"))
}
