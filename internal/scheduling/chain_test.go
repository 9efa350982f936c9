// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/segflow/internal/buffer"
	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/index"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type stubRule struct {
	name   string
	stage  Stage
	result SwitchRequest
	calls  int
	resets int
}

func (r *stubRule) Name() string { return r.name }
func (r *stubRule) Stage() Stage { return r.stage }
func (r *stubRule) Reset()       { r.resets++ }
func (r *stubRule) Execute(*Context) SwitchRequest {
	r.calls++
	return r.result
}

func stub(name string, q int, p Priority) *stubRule {
	return &stubRule{name: name, stage: StageQuality, result: toQuality(q, p)}
}

type rangesView buffer.Ranges

func (v rangesView) Buffered() buffer.Ranges { return buffer.Ranges(v) }

func testConfig() config.SchedulingConfig {
	return config.Default().Scheduling
}

// fixture holds one stream with video and audio on a 2s segment grid.
type fixture struct {
	t      *testing.T
	chain  *Chain
	models map[fragment.MediaType]*fragment.Model
	idx    map[fragment.MediaType]*index.TemplateIndex
	bufs   map[fragment.MediaType]buffer.Ranges
}

func newFixture(t *testing.T, segments ...index.Segment) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		chain:  DefaultChain(testConfig()),
		models: make(map[fragment.MediaType]*fragment.Model),
		idx:    make(map[fragment.MediaType]*index.TemplateIndex),
		bufs:   make(map[fragment.MediaType]buffer.Ranges),
	}
	for _, mt := range []fragment.MediaType{fragment.MediaVideo, fragment.MediaAudio} {
		x, err := index.NewTemplate(index.Template{
			StreamID:        "s1",
			MediaType:       mt,
			BaseURL:         "http://origin.test/",
			Init:            "$RepresentationID$/init.mp4",
			Media:           "$RepresentationID$/$Number$.m4s",
			Representations: []string{string(mt) + "-low", string(mt) + "-high"},
			SegmentDuration: 2,
			Count:           30,
			Timeline:        segments,
		})
		require.NoError(t, err)
		f.idx[mt] = x
		f.models[mt] = fragment.NewModel(mt)
	}
	return f
}

func (f *fixture) ctx(stage Stage, mt fragment.MediaType, playback float64) *Context {
	return &Context{
		Stage:           stage,
		StreamID:        "s1",
		MediaType:       mt,
		Now:             epoch,
		PlaybackTime:    playback,
		PlaybackStarted: true,
		History:         f.models[mt],
		StreamModels:    f.models,
		Buffer:          rangesView(f.bufs[mt]),
		Index:           f.idx[mt],
	}
}

func (f *fixture) schedule(mt fragment.MediaType, playback float64) SwitchRequest {
	return f.chain.Execute(f.ctx(StageSchedule, mt, playback))
}

// add registers a request for segment i of mt in the given state.
func (f *fixture) add(mt fragment.MediaType, i int, state fragment.State) *fragment.Request {
	f.t.Helper()
	req := f.idx[mt].RequestForTime(float64(i)*2+0.5, index.Options{KeepIndex: true, IgnoreFinished: true})
	require.NotNil(f.t, req)
	m := f.models[mt]
	require.NoError(f.t, m.Add(req))
	if state == fragment.StatePending {
		return req
	}
	require.NoError(f.t, m.MarkLoading(req))
	switch state {
	case fragment.StateExecuted:
		require.NoError(f.t, m.MarkExecuted(req))
	case fragment.StateRejected:
		require.NoError(f.t, m.MarkRejected(req))
	}
	return req
}

func TestChain_TiesKeepEarliest(t *testing.T) {
	c := NewChain(stub("a", 1, PriorityDefault), stub("b", 2, PriorityDefault))
	res := c.Execute(&Context{Stage: StageQuality, StreamID: "s"})
	assert.Equal(t, 1, res.Quality)
}

func TestChain_HigherPriorityReplaces(t *testing.T) {
	c := NewChain(stub("a", 1, PriorityWeak), stub("b", 2, PriorityDefault))
	res := c.Execute(&Context{Stage: StageQuality, StreamID: "s"})
	assert.Equal(t, 2, res.Quality)
	assert.Equal(t, PriorityDefault, res.Priority)
}

func TestChain_LowerPriorityDoesNotReplace(t *testing.T) {
	c := NewChain(stub("a", 1, PriorityStrong), stub("b", 2, PriorityDefault))
	res := c.Execute(&Context{Stage: StageQuality, StreamID: "s"})
	assert.Equal(t, 1, res.Quality)
}

func TestChain_LaterStrongReplacesStrong(t *testing.T) {
	c := NewChain(stub("a", 1, PriorityStrong), stub("b", 2, PriorityStrong))
	res := c.Execute(&Context{Stage: StageQuality, StreamID: "s"})
	assert.Equal(t, 2, res.Quality)
}

func TestChain_NoChangeNeverReplaces(t *testing.T) {
	c := NewChain(stub("a", 1, PriorityDefault), stub("b", NoChange, PriorityStrong))
	res := c.Execute(&Context{Stage: StageQuality, StreamID: "s"})
	assert.Equal(t, 1, res.Quality)

	empty := NewChain(stub("a", NoChange, PriorityStrong))
	assert.True(t, empty.Execute(&Context{Stage: StageQuality, StreamID: "s"}).IsNoChange())
}

func TestChain_OnlyRunsRulesOfStage(t *testing.T) {
	q := stub("q", 1, PriorityDefault)
	d := &stubRule{name: "d", stage: StageDispatch, result: noChange(PriorityDefault)}
	c := NewChain(q, d)

	c.Execute(&Context{Stage: StageDispatch, StreamID: "s"})
	assert.Equal(t, 0, q.calls)
	assert.Equal(t, 1, d.calls)
}

func TestChain_CollectsSuperseded(t *testing.T) {
	old := &fragment.Request{Index: 4}
	r := &stubRule{name: "r", stage: StageSchedule, result: SwitchRequest{Quality: NoChange, Superseded: []*fragment.Request{old}}}
	c := NewChain(r)

	res := c.Execute(&Context{Stage: StageSchedule, StreamID: "s", MediaType: fragment.MediaVideo})
	assert.True(t, res.IsNoChange())
	assert.Equal(t, []*fragment.Request{old}, res.Superseded)
}

func TestChain_OwnsRecordsPerStream(t *testing.T) {
	c := NewChain()
	c.Stream("a").Type(fragment.MediaVideo).SetSeekTarget(3)

	_, ok := c.Stream("b").Type(fragment.MediaVideo).SeekTarget()
	assert.False(t, ok)

	ctx := &Context{Stage: StageSchedule, StreamID: "a", MediaType: fragment.MediaVideo}
	c.Execute(ctx)
	target, ok := ctx.Type.SeekTarget()
	require.True(t, ok)
	assert.Equal(t, 3.0, target)

	c.Reset()
	_, ok = c.Stream("a").Type(fragment.MediaVideo).SeekTarget()
	assert.False(t, ok)
}

func TestChain_ResetResetsRules(t *testing.T) {
	r := stub("a", 1, PriorityDefault)
	c := NewChain(r)
	c.Reset()
	assert.Equal(t, 1, r.resets)
}

func TestResolveSeek_AudioOnlyStreamTakesTarget(t *testing.T) {
	s := newStreamState()
	s.BeginSeek()
	assert.True(t, s.Seeking())

	s.ResolveSeek(7, fragment.MediaAudio)
	assert.False(t, s.Seeking())
	target, ok := s.Type(fragment.MediaAudio).SeekTarget()
	require.True(t, ok)
	assert.Equal(t, 7.0, target)
}
