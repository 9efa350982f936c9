// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package buffer

import (
	"fmt"
	"sort"
)

// DefaultTolerance is the gap up to which neighbouring ranges are treated as
// contiguous when measuring the level at a playback position.
const DefaultTolerance = 0.15

// Range is a buffered media interval [Start, End) in seconds.
type Range struct {
	Start float64
	End   float64
}

func (r Range) Len() float64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether t lies in [Start, End).
func (r Range) Contains(t float64) bool { return t >= r.Start && t < r.End }

// Empty reports whether the range covers no time.
func (r Range) Empty() bool { return r.End <= r.Start }

func (r Range) String() string { return fmt.Sprintf("[%.3f-%.3f]", r.Start, r.End) }

// Ranges is a sorted list of disjoint ranges.
type Ranges []Range

// Total is the summed length of all ranges.
func (rs Ranges) Total() float64 {
	var total float64
	for _, r := range rs {
		total += r.Len()
	}
	return total
}

// First returns the earliest range.
func (rs Ranges) First() (Range, bool) {
	if len(rs) == 0 {
		return Range{}, false
	}
	return rs[0], true
}

// Last returns the latest range.
func (rs Ranges) Last() (Range, bool) {
	if len(rs) == 0 {
		return Range{}, false
	}
	return rs[len(rs)-1], true
}

// At returns the range holding t. Ranges separated by at most tolerance are
// joined, and t may precede the joined start by up to tolerance.
func (rs Ranges) At(t, tolerance float64) (Range, bool) {
	for i := 0; i < len(rs); i++ {
		joined := rs[i]
		for i+1 < len(rs) && rs[i+1].Start-joined.End <= tolerance {
			i++
			joined.End = rs[i].End
		}
		if t >= joined.Start-tolerance && t < joined.End {
			return joined, true
		}
	}
	return Range{}, false
}

// LengthAt is the buffered time ahead of t.
func (rs Ranges) LengthAt(t, tolerance float64) float64 {
	r, ok := rs.At(t, tolerance)
	if !ok {
		return 0
	}
	return r.End - max(t, r.Start)
}

// Add inserts r, merging every range that overlaps it or lies within gap.
func (rs Ranges) Add(r Range, gap float64) Ranges {
	if r.Empty() {
		return rs
	}
	out := make(Ranges, 0, len(rs)+1)
	for _, cur := range rs {
		if cur.End+gap < r.Start || r.End+gap < cur.Start {
			out = append(out, cur)
			continue
		}
		r.Start = min(r.Start, cur.Start)
		r.End = max(r.End, cur.End)
	}
	out = append(out, r)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Remove cuts r out of the ranges.
func (rs Ranges) Remove(r Range) Ranges {
	if r.Empty() {
		return rs
	}
	out := make(Ranges, 0, len(rs)+1)
	for _, cur := range rs {
		if cur.End <= r.Start || cur.Start >= r.End {
			out = append(out, cur)
			continue
		}
		if cur.Start < r.Start {
			out = append(out, Range{Start: cur.Start, End: r.Start})
		}
		if cur.End > r.End {
			out = append(out, Range{Start: r.End, End: cur.End})
		}
	}
	return out
}
