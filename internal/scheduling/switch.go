// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduling

import "github.com/ManuGH/segflow/internal/fragment"

// Priority orders competing switch requests.
type Priority int

const (
	PriorityWeak Priority = iota
	PriorityDefault
	PriorityStrong
)

func (p Priority) String() string {
	switch p {
	case PriorityWeak:
		return "weak"
	case PriorityDefault:
		return "default"
	case PriorityStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// NoChange is the quality of a request that proposes no quality switch.
const NoChange = -1

// SwitchRequest is a rule's proposal: a new quality, requests to schedule,
// or nothing.
type SwitchRequest struct {
	Quality  int
	Requests []*fragment.Request
	Priority Priority

	// Superseded lists rejected requests the rule has taken over. The
	// caller drops them from the history.
	Superseded []*fragment.Request
}

// IsNoChange reports whether the request proposes nothing.
func (s SwitchRequest) IsNoChange() bool {
	return s.Quality == NoChange && len(s.Requests) == 0
}

func noChange(p Priority) SwitchRequest {
	return SwitchRequest{Quality: NoChange, Priority: p}
}

func toQuality(q int, p Priority) SwitchRequest {
	return SwitchRequest{Quality: q, Priority: p}
}

func withRequests(p Priority, reqs ...*fragment.Request) SwitchRequest {
	return SwitchRequest{Quality: NoChange, Requests: reqs, Priority: p}
}
