// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIDs(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		session string
		stream  string
	}{
		{name: "nil context", ctx: nil, session: "s-1", stream: "video"},
		{name: "background context", ctx: context.Background(), session: "s-2", stream: "audio"},
		{name: "empty ids", ctx: context.Background(), session: "", stream: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithSessionID(tt.ctx, tt.session)
			ctx = ContextWithStreamID(ctx, tt.stream)
			assert.Equal(t, tt.session, SessionIDFromContext(ctx))
			assert.Equal(t, tt.stream, StreamIDFromContext(ctx))
		})
	}
}

func TestFromContextNil(t *testing.T) {
	//nolint:staticcheck // nil context is part of the contract
	assert.Equal(t, "", SessionIDFromContext(nil))
	assert.Equal(t, "", StreamIDFromContext(nil))
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := ContextWithSessionID(context.Background(), "sess-42")
	ctx = ContextWithStreamID(ctx, "stream-7")

	l := WithContext(ctx, base)
	l.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sess-42", entry[FieldSessionID])
	assert.Equal(t, "stream-7", entry[FieldStreamID])
}

func TestWithContextWithoutFieldsReturnsSameLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	l := WithContext(context.Background(), base)
	l.Info().Msg("plain")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, hasSession := entry[FieldSessionID]
	assert.False(t, hasSession)
}

func TestSetLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	assert.True(t, SetLevel("debug"))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	assert.False(t, SetLevel("loud"))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
