// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/segflow/internal/bus"
	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/download"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/loop"
	"github.com/ManuGH/segflow/internal/player"
)

// inline runs Call functions on the calling goroutine.
type inline struct{}

func (inline) Call(_ context.Context, fn func()) error {
	fn()
	return nil
}

func testSession(t *testing.T) *player.Session {
	t.Helper()
	cfg := config.Default()
	tracks, err := buildTracks(cfg, 0)
	require.NoError(t, err)

	m := loop.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	disp := bus.NewDispatcher(nil)
	s, err := player.NewSession(m, cfg, disp, download.New(m, cfg.Download, disp), player.Options{
		StreamID: cfg.Stream.ID,
		Tracks:   tracks,
	})
	require.NoError(t, err)
	return s
}

func TestBuildTracks(t *testing.T) {
	cfg := config.Default()
	tracks, err := buildTracks(cfg, 30)
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	video := tracks[fragment.MediaVideo]
	require.NotNil(t, video.Index)
	assert.Equal(t, 30.0, video.Capacity)
	assert.Equal(t, 600.0, video.Index.Duration())
	assert.Equal(t, "http://127.0.0.1:8080/v0/init.mp4", video.Index.InitRequest().URL)

	cfg.Stream.Representations = map[string][]string{"subtitles": {"s0"}}
	_, err = buildTracks(cfg, 0)
	assert.ErrorContains(t, err, "unknown media type")

	cfg.Stream.Representations = nil
	_, err = buildTracks(cfg, 0)
	assert.ErrorIs(t, err, player.ErrNoTracks)
}

func TestWriteHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	snap := map[fragment.MediaType][]fragment.Request{
		fragment.MediaVideo: {
			{Index: 3, Type: fragment.TypeMediaSegment, Action: fragment.ActionDownload, State: fragment.StateExecuted, StartTime: 6, Duration: 2},
		},
	}
	require.NoError(t, writeHistory(path, "sess-1", snap))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc historyDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "sess-1", doc.SessionID)
	require.Len(t, doc.Tracks["video"], 1)
	got := doc.Tracks["video"][0]
	assert.Equal(t, 3, got.Index)
	assert.Equal(t, 6.0, got.StartTime)
	assert.Equal(t, fragment.StateExecuted.String(), got.State)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestDebugRoutes(t *testing.T) {
	d := newDebugServer(config.DebugConfig{RateLimit: 100}, inline{}, testSession(t))
	ts := httptest.NewServer(d.routes())
	t.Cleanup(ts.Close)

	for _, tc := range []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/healthz?verbose=true", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/history", http.StatusOK},
		{"/nope", http.StatusNotFound},
	} {
		resp, err := ts.Client().Get(ts.URL + tc.path)
		require.NoError(t, err, tc.path)
		_ = resp.Body.Close()
		assert.Equal(t, tc.want, resp.StatusCode, tc.path)
	}

	resp, err := ts.Client().Get(ts.URL + "/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var doc historyDoc
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Contains(t, doc.Tracks, "video")
	assert.Contains(t, doc.Tracks, "audio")
}

func TestDebugRoutes_RateLimited(t *testing.T) {
	d := newDebugServer(config.DebugConfig{RateLimit: 1}, inline{}, testSession(t))
	ts := httptest.NewServer(d.routes())
	t.Cleanup(ts.Close)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := ts.Client().Get(ts.URL + "/healthz")
		require.NoError(t, err)
		_ = resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)
}
