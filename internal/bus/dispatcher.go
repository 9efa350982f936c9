// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"sync"

	"github.com/ManuGH/segflow/internal/events"
)

// Publisher is what engines emit signals through.
type Publisher interface {
	Emit(ev events.Event)
}

// Handler reacts to an event on the loop goroutine.
type Handler func(ev events.Event)

// Dispatcher delivers events synchronously to in-loop handlers in
// registration order and then forwards them to an optional Bus without
// blocking. Emit must be called from the loop goroutine.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.Topic][]Handler
	forward  Bus
}

// NewDispatcher creates a Dispatcher forwarding to b. b may be nil.
func NewDispatcher(b Bus) *Dispatcher {
	return &Dispatcher{handlers: make(map[events.Topic][]Handler), forward: b}
}

// On registers h for topic.
func (d *Dispatcher) On(topic events.Topic, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topic] = append(d.handlers[topic], h)
}

// Emit implements Publisher.
func (d *Dispatcher) Emit(ev events.Event) {
	d.mu.RLock()
	hs := append([]Handler(nil), d.handlers[ev.Topic]...)
	d.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
	if d.forward != nil {
		d.forward.TryPublish(ev)
	}
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Emit(events.Event) {}

// Recorder collects emitted events, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Emit implements Publisher.
func (r *Recorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns the recorded events of the given topics, or all of them
// when no topic is given.
func (r *Recorder) Events(topics ...events.Topic) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(topics) == 0 {
		return append([]events.Event(nil), r.events...)
	}
	var out []events.Event
	for _, ev := range r.events {
		for _, t := range topics {
			if ev.Topic == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
