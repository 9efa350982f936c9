// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package buffer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestRanges_AddCoalesces(t *testing.T) {
	var rs Ranges
	rs = rs.Add(Range{Start: 4, End: 6}, coalesceGap)
	rs = rs.Add(Range{Start: 0, End: 2}, coalesceGap)
	rs = rs.Add(Range{Start: 2.005, End: 4}, coalesceGap)
	rs = rs.Add(Range{Start: 10, End: 12}, coalesceGap)

	want := Ranges{{Start: 0, End: 6}, {Start: 10, End: 12}}
	if diff := cmp.Diff(want, rs, approx); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 8, rs.Total(), 1e-9)
}

func TestRanges_RemoveSplits(t *testing.T) {
	rs := Ranges{{Start: 0, End: 10}, {Start: 12, End: 20}}

	got := rs.Remove(Range{Start: 4, End: 14})
	want := Ranges{{Start: 0, End: 4}, {Start: 14, End: 20}}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, rs.Remove(Range{Start: -1, End: 25}))
	assert.Equal(t, rs, rs.Remove(Range{Start: 5, End: 5}))
}

func TestRanges_AtJoinsWithinTolerance(t *testing.T) {
	rs := Ranges{{Start: 0, End: 4}, {Start: 4.1, End: 8}, {Start: 9, End: 10}}

	r, ok := rs.At(5, DefaultTolerance)
	assert.True(t, ok)
	assert.Equal(t, Range{Start: 0, End: 8}, r)

	_, ok = rs.At(8.5, DefaultTolerance)
	assert.False(t, ok)

	r, ok = rs.At(8.9, DefaultTolerance)
	assert.True(t, ok, "position slightly before a range counts as inside")
	assert.Equal(t, Range{Start: 9, End: 10}, r)

	assert.InDelta(t, 5, rs.LengthAt(3, DefaultTolerance), 1e-9)
	assert.InDelta(t, 1, rs.LengthAt(8.9, DefaultTolerance), 1e-9)
	assert.Zero(t, rs.LengthAt(12, DefaultTolerance))
}
