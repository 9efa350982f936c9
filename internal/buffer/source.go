// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package buffer

import (
	"errors"

	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/loop"
)

// ErrQuotaExceeded is returned by a backing store that cannot take more data.
var ErrQuotaExceeded = errors.New("buffer quota exceeded")

// coalesceGap joins appended ranges whose edges nearly touch.
const coalesceGap = 0.01

// Chunk is one downloaded fragment ready to be appended.
type Chunk struct {
	StreamID  string
	MediaType fragment.MediaType
	Quality   int
	// Index is fragment.NoIndex for initialization data.
	Index    int
	Start    float64
	Duration float64
	Bytes    []byte

	// Request is the executed request the chunk was loaded by, if any.
	Request    *fragment.Request
	Throughput float64
}

// IsInit reports whether the chunk carries initialization data.
func (c Chunk) IsInit() bool { return c.Index == fragment.NoIndex }

// End is the media time the chunk ends at.
func (c Chunk) End() float64 { return c.Start + c.Duration }

// SourceBuffer is the backing store the engine appends to. Completion
// callbacks run on the loop goroutine, never synchronously.
type SourceBuffer interface {
	Append(c Chunk, done func(error))
	Remove(start, end float64, done func(error))
	Buffered() Ranges
}

// MemorySource is an in-memory SourceBuffer holding at most Capacity seconds
// of media. A zero capacity is unbounded.
type MemorySource struct {
	loop     loop.Loop
	capacity float64
	ranges   Ranges
	bytes    int64

	appends int
	removes int
	// Fail, when set, is consulted before every append.
	Fail func(Chunk) error
}

// NewMemorySource creates a backing store bound to l.
func NewMemorySource(l loop.Loop, capacity float64) *MemorySource {
	return &MemorySource{loop: l, capacity: capacity}
}

// Append stores the chunk's interval. Initialization data takes no time.
func (s *MemorySource) Append(c Chunk, done func(error)) {
	err := s.store(c)
	s.loop.Post(func() { done(err) })
}

func (s *MemorySource) store(c Chunk) error {
	if s.Fail != nil {
		if err := s.Fail(c); err != nil {
			return err
		}
	}
	s.appends++
	if c.IsInit() || c.Duration <= 0 {
		s.bytes += int64(len(c.Bytes))
		return nil
	}
	next := s.ranges.Add(Range{Start: c.Start, End: c.End()}, coalesceGap)
	if s.capacity > 0 && next.Total() > s.capacity {
		return ErrQuotaExceeded
	}
	s.ranges = next
	s.bytes += int64(len(c.Bytes))
	return nil
}

// Remove drops [start, end).
func (s *MemorySource) Remove(start, end float64, done func(error)) {
	s.removes++
	s.ranges = s.ranges.Remove(Range{Start: start, End: end})
	s.loop.Post(func() { done(nil) })
}

// Buffered returns a copy of the buffered ranges.
func (s *MemorySource) Buffered() Ranges {
	return append(Ranges(nil), s.ranges...)
}

// Appends is the number of accepted appends.
func (s *MemorySource) Appends() int { return s.appends }

// Removes is the number of remove operations.
func (s *MemorySource) Removes() int { return s.removes }

// Bytes is the number of stored payload bytes.
func (s *MemorySource) Bytes() int64 { return s.bytes }
