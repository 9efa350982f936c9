// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package fragment

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrAlreadyLoading is returned when a second request for the same segment
// would enter the loading state.
var ErrAlreadyLoading = errors.New("segment already loading")

// ErrUnknownRequest is returned when a request is not tracked by the model.
var ErrUnknownRequest = errors.New("request not tracked by model")

// Filter narrows a Query.
type Filter func(*Request) bool

// ByState keeps requests in state s.
func ByState(s State) Filter {
	return func(r *Request) bool { return r.State == s }
}

// AtTime keeps requests whose interval contains t within threshold.
func AtTime(t, threshold float64) Filter {
	return func(r *Request) bool { return r.Contains(t, threshold) }
}

// ByQuality keeps requests for quality q.
func ByQuality(q int) Filter {
	return func(r *Request) bool { return r.Quality == q }
}

// ByIndex keeps requests with segment index i.
func ByIndex(i int) Filter {
	return func(r *Request) bool { return r.Index == i }
}

// ByType keeps requests of resource type t.
func ByType(t Type) Filter {
	return func(r *Request) bool { return r.Type == t }
}

type entry struct {
	req       *Request
	discarded bool
}

// Model is the request history of one media type. It is safe for concurrent
// readers; mutations are expected from the loop goroutine.
type Model struct {
	mu        sync.RWMutex
	mediaType MediaType
	entries   []*entry
}

// NewModel creates an empty history for mediaType.
func NewModel(mediaType MediaType) *Model {
	return &Model{mediaType: mediaType}
}

// MediaType returns the media type tracked by the model.
func (m *Model) MediaType() MediaType { return m.mediaType }

// Add registers a pending request.
func (m *Model) Add(req *Request) error {
	if req == nil {
		return fmt.Errorf("add request: %w", ErrUnknownRequest)
	}
	if req.State != StatePending {
		return fmt.Errorf("add %s request #%d: %w", req.State, req.Index, ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &entry{req: req})
	return nil
}

// Query returns tracked requests matching every filter, newest first.
func (m *Model) Query(filters ...Filter) []*Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for i := len(m.entries) - 1; i >= 0; i-- {
		r := m.entries[i].req
		match := true
		for _, f := range filters {
			if !f(r) {
				match = false
				break
			}
		}
		if match {
			out = append(out, r)
		}
	}
	return out
}

// First returns the newest request matching every filter.
func (m *Model) First(filters ...Filter) *Request {
	reqs := m.Query(filters...)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[0]
}

// Pending returns pending requests sorted by index; init segments sort first
// and completion markers last.
func (m *Model) Pending() []*Request {
	reqs := m.Query(ByState(StatePending))
	SortByIndex(reqs)
	return reqs
}

// SortByIndex orders requests by index with init segments ahead of media
// segments and completion markers at the end.
func SortByIndex(reqs []*Request) {
	rank := func(r *Request) int {
		switch {
		case r.IsComplete():
			return 2
		case r.IsInit():
			return 0
		default:
			return 1
		}
	}
	sort.SliceStable(reqs, func(i, j int) bool {
		ri, rj := rank(reqs[i]), rank(reqs[j])
		if ri != rj {
			return ri < rj
		}
		return reqs[i].Index < reqs[j].Index
	})
}

// LoadingCount returns the number of in-flight requests.
func (m *Model) LoadingCount() int {
	return len(m.Query(ByState(StateLoading)))
}

// MarkLoading moves a pending request to loading.
func (m *Model) MarkLoading(req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.find(req) == nil {
		return ErrUnknownRequest
	}
	for _, e := range m.entries {
		if e.req == req || e.req.State != StateLoading {
			continue
		}
		if e.req.SameIndex(req) || (req.IsInit() && e.req.SameSegment(req)) {
			return fmt.Errorf("%s #%d: %w", req.MediaType, req.Index, ErrAlreadyLoading)
		}
	}
	return req.Transition(StateLoading)
}

// MarkExecuted moves a loading request to executed.
func (m *Model) MarkExecuted(req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.find(req) == nil {
		return ErrUnknownRequest
	}
	return req.Transition(StateExecuted)
}

// MarkRejected moves a loading request to rejected.
func (m *Model) MarkRejected(req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.find(req) == nil {
		return ErrUnknownRequest
	}
	return req.Transition(StateRejected)
}

// Remove drops a request from the history regardless of state.
func (m *Model) Remove(req *Request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.req == req {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveRejected drops a rejected request once the scheduler has re-issued it.
func (m *Model) RemoveRejected(req *Request) bool {
	if req == nil || req.State != StateRejected {
		return false
	}
	return m.Remove(req)
}

// CancelPending drops every pending request and returns them.
func (m *Model) CancelPending() []*Request {
	return m.drop(StatePending)
}

// CancelLoading drops every loading request and returns them. Used after the
// download engine has been aborted.
func (m *Model) CancelLoading() []*Request {
	return m.drop(StateLoading)
}

func (m *Model) drop(state State) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped []*Request
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.req.State == state {
			dropped = append(dropped, e.req)
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return dropped
}

// Discard flags executed requests inside [start, end) as no longer buffered.
func (m *Model) Discard(start, end float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		r := e.req
		if r.State != StateExecuted || r.IsInit() || e.discarded {
			continue
		}
		if r.StartTime >= start && r.End() <= end {
			e.discarded = true
			n++
		}
	}
	return n
}

// IsLoaded reports whether an executed request for the same segment exists.
func (m *Model) IsLoaded(req *Request) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.req.State == StateExecuted && !e.discarded && e.req.SameSegment(req) {
			return true
		}
	}
	return false
}

// IsLoadedOrPending reports whether the segment is executed (and still
// buffered), loading or pending.
func (m *Model) IsLoadedOrPending(req *Request) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.req == req || !e.req.SameSegment(req) {
			continue
		}
		switch e.req.State {
		case StatePending, StateLoading:
			return true
		case StateExecuted:
			if !e.discarded {
				return true
			}
		}
	}
	return false
}

// IsInFlight reports whether a pending or loading request exists for the
// timeline position of req at any quality.
func (m *Model) IsInFlight(req *Request) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.req == req {
			continue
		}
		if (e.req.State == StatePending || e.req.State == StateLoading) && e.req.SameIndex(req) {
			return true
		}
	}
	return false
}

// Reset clears the history.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}

// Snapshot returns copies of every tracked request, oldest first.
func (m *Model) Snapshot() []Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Request, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e.req)
	}
	return out
}

func (m *Model) find(req *Request) *entry {
	for _, e := range m.entries {
		if e.req == req {
			return e
		}
	}
	return nil
}
