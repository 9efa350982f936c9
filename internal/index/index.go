// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package index maps media time onto segment requests for one adaptation
// set. TemplateIndex addresses segments through $Number$ and
// $RepresentationID$ URL templates over a fixed segment timeline.
package index

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/segflow/internal/fragment"
)

// Options tune a RequestForTime lookup.
type Options struct {
	// Threshold widens every segment interval on both sides.
	Threshold float64
	// KeepIndex leaves the NextRequest cursor where it was.
	KeepIndex bool
	// IgnoreFinished resolves segments even after the end marker was handed out.
	IgnoreFinished bool
}

// Handler resolves requests for the current representation of a media type.
type Handler interface {
	// RequestForTime returns the segment at t, a completion marker past the
	// last segment, or nil.
	RequestForTime(t float64, opts Options) *fragment.Request
	// NextRequest returns the segment after the cursor.
	NextRequest() *fragment.Request
	// Time is the next target time, NaN when unset.
	Time() float64
	SetTime(t float64)
}

// Segment is one entry of a timeline, in media seconds.
type Segment struct {
	Start    float64
	Duration float64
}

// Template describes a templated origin.
type Template struct {
	StreamID  string
	MediaType fragment.MediaType
	BaseURL   string
	// Init and Media may contain $RepresentationID$; Media also $Number$.
	Init  string
	Media string
	// Representations are ordered by quality, lowest first.
	Representations []string
	// StartNumber is the $Number$ of the first segment. Zero means 1.
	StartNumber int

	// Either a uniform grid of Count segments of SegmentDuration, or an
	// explicit Timeline.
	SegmentDuration float64
	Count           int
	Timeline        []Segment

	AvailabilityStart time.Time
}

var (
	ErrNoRepresentations = errors.New("template has no representations")
	ErrNoSegments        = errors.New("template has no segments")
	ErrUnknownQuality    = errors.New("quality out of range")
)

// TemplateIndex implements Handler. It is used from the loop goroutine only.
type TemplateIndex struct {
	tpl      Template
	base     *url.URL
	segments []Segment
	quality  int

	cursor   int
	time     float64
	finished bool
}

var _ Handler = (*TemplateIndex)(nil)

// NewTemplate validates tpl and returns an index positioned before the
// first segment at quality 0.
func NewTemplate(tpl Template) (*TemplateIndex, error) {
	if len(tpl.Representations) == 0 {
		return nil, ErrNoRepresentations
	}
	base, err := url.Parse(tpl.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", tpl.BaseURL, err)
	}
	if tpl.StartNumber == 0 {
		tpl.StartNumber = 1
	}

	segments := tpl.Timeline
	if len(segments) == 0 {
		if tpl.Count <= 0 || tpl.SegmentDuration <= 0 {
			return nil, ErrNoSegments
		}
		segments = make([]Segment, tpl.Count)
		for i := range segments {
			segments[i] = Segment{Start: float64(i) * tpl.SegmentDuration, Duration: tpl.SegmentDuration}
		}
	}

	return &TemplateIndex{
		tpl:      tpl,
		base:     base,
		segments: segments,
		cursor:   -1,
		time:     math.NaN(),
	}, nil
}

// Duration is the end of the last segment.
func (x *TemplateIndex) Duration() float64 {
	last := x.segments[len(x.segments)-1]
	return last.Start + last.Duration
}

// Count is the number of media segments.
func (x *TemplateIndex) Count() int { return len(x.segments) }

// MediaType returns the media type of the adaptation set.
func (x *TemplateIndex) MediaType() fragment.MediaType { return x.tpl.MediaType }

// Quality is the representation currently addressed.
func (x *TemplateIndex) Quality() int { return x.quality }

// SetQuality switches the representation. Timeline position is kept.
func (x *TemplateIndex) SetQuality(q int) error {
	if q < 0 || q >= len(x.tpl.Representations) {
		return fmt.Errorf("%w: %d", ErrUnknownQuality, q)
	}
	x.quality = q
	return nil
}

// Time implements Handler.
func (x *TemplateIndex) Time() float64 { return x.time }

// SetTime implements Handler. The cursor moves to just before the segment
// at t.
func (x *TemplateIndex) SetTime(t float64) {
	x.time = t
	x.cursor = -1
}

// Finished reports whether the completion marker has been handed out.
func (x *TemplateIndex) Finished() bool { return x.finished }

// Reset forgets the cursor, the time and the finished flag.
func (x *TemplateIndex) Reset() {
	x.cursor = -1
	x.time = math.NaN()
	x.finished = false
}

// InitRequest returns the initialization segment of the current
// representation.
func (x *TemplateIndex) InitRequest() *fragment.Request {
	return &fragment.Request{
		StreamID:          x.tpl.StreamID,
		MediaType:         x.tpl.MediaType,
		Type:              fragment.TypeInitSegment,
		Action:            fragment.ActionDownload,
		Quality:           x.quality,
		RepresentationID:  x.representation(),
		Index:             fragment.NoIndex,
		URL:               x.resolve(x.expand(x.tpl.Init, 0)),
		AvailabilityStart: x.tpl.AvailabilityStart,
	}
}

// RequestForTime implements Handler.
func (x *TemplateIndex) RequestForTime(t float64, opts Options) *fragment.Request {
	if math.IsNaN(t) {
		return nil
	}
	if x.finished && !opts.IgnoreFinished {
		return nil
	}

	i := x.indexFor(t, opts.Threshold)
	if i < 0 {
		return nil
	}
	if !opts.KeepIndex {
		x.cursor = i
	}
	return x.requestAt(i)
}

// NextRequest implements Handler.
func (x *TemplateIndex) NextRequest() *fragment.Request {
	if x.finished {
		return nil
	}
	if x.cursor < 0 && !math.IsNaN(x.time) {
		x.cursor = x.indexFor(x.time, 0) - 1
	}
	x.cursor++
	return x.requestAt(x.cursor)
}

// indexFor prefers the segment containing t, then the nearest one within
// threshold. len(segments) means past the end, -1 means before the start.
func (x *TemplateIndex) indexFor(t, threshold float64) int {
	n := len(x.segments)
	if t-threshold >= x.Duration() {
		return n
	}
	best, bestDist := -1, math.Inf(1)
	for i, s := range x.segments {
		end := s.Start + s.Duration
		if t >= s.Start && t < end {
			return i
		}
		if t+threshold >= s.Start && t-threshold < end {
			d := math.Min(math.Abs(t-s.Start), math.Abs(t-end))
			if d < bestDist {
				best, bestDist = i, d
			}
		}
	}
	if best < 0 && t >= x.Duration() {
		return n
	}
	return best
}

func (x *TemplateIndex) requestAt(i int) *fragment.Request {
	if i < 0 {
		return nil
	}
	if i >= len(x.segments) {
		x.finished = true
		return &fragment.Request{
			StreamID:         x.tpl.StreamID,
			MediaType:        x.tpl.MediaType,
			Type:             fragment.TypeMediaSegment,
			Action:           fragment.ActionComplete,
			Quality:          x.quality,
			RepresentationID: x.representation(),
			Index:            len(x.segments),
			StartTime:        x.Duration(),
		}
	}
	s := x.segments[i]
	return &fragment.Request{
		StreamID:          x.tpl.StreamID,
		MediaType:         x.tpl.MediaType,
		Type:              fragment.TypeMediaSegment,
		Action:            fragment.ActionDownload,
		Quality:           x.quality,
		RepresentationID:  x.representation(),
		Index:             i,
		StartTime:         s.Start,
		Duration:          s.Duration,
		URL:               x.resolve(x.expand(x.tpl.Media, i+x.tpl.StartNumber)),
		AvailabilityStart: x.tpl.AvailabilityStart,
	}
}

func (x *TemplateIndex) representation() string {
	return x.tpl.Representations[x.quality]
}

func (x *TemplateIndex) expand(pattern string, number int) string {
	p := strings.ReplaceAll(pattern, "$RepresentationID$", x.representation())
	return strings.ReplaceAll(p, "$Number$", strconv.Itoa(number))
}

func (x *TemplateIndex) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	return x.base.ResolveReference(ref).String()
}
