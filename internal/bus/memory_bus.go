// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/segflow/internal/events"
	"github.com/ManuGH/segflow/internal/log"
	"github.com/ManuGH/segflow/internal/metrics"
)

// DefaultBuffer is the channel capacity of each subscriber.
const DefaultBuffer = 64

const dropLogEvery = 100

// MemoryBus is an in-process pub/sub. It is not durable; delivery is
// best-effort for TryPublish and bounded by the caller context for Publish.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[events.Topic][]chan events.Event
	buffer  int
	dropped atomic.Uint64
}

// NewMemoryBus creates a bus whose subscribers buffer DefaultBuffer events.
func NewMemoryBus() *MemoryBus {
	return NewMemoryBusWithBuffer(DefaultBuffer)
}

// NewMemoryBusWithBuffer creates a bus with a custom subscriber capacity.
func NewMemoryBusWithBuffer(n int) *MemoryBus {
	if n <= 0 {
		n = DefaultBuffer
	}
	return &MemoryBus{subs: make(map[events.Topic][]chan events.Event), buffer: n}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

func (b *MemoryBus) targets(topic events.Topic) []chan events.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	chs := append([]chan events.Event(nil), b.subs[topic]...)
	return append(chs, b.subs[AllTopics]...)
}

func (b *MemoryBus) drop(topic events.Topic, reason string) {
	metrics.IncBusDropReason(string(topic), reason)
	count := b.dropped.Add(1)
	if count%dropLogEvery == 0 {
		logger := log.WithComponent("bus")
		logger.Warn().
			Str(log.FieldEvent, "bus.drop").
			Str("topic", string(topic)).
			Str("reason", reason).
			Uint64("dropped", count).
			Msg("memory bus dropped events")
	}
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, ev events.Event) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	for _, ch := range b.targets(ev.Topic) {
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.drop(ev.Topic, publishDropReason(ctx.Err()))
			return fmt.Errorf("publish topic %q: %w", ev.Topic, ctx.Err())
		}
	}
	return nil
}

// TryPublish implements Bus.
func (b *MemoryBus) TryPublish(ev events.Event) {
	for _, ch := range b.targets(ev.Topic) {
		select {
		case ch <- ev:
		default:
			b.drop(ev.Topic, "full")
		}
	}
}

// Dropped returns the number of events dropped since creation.
func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }

// Subscribe implements Bus. Use AllTopics to receive every event.
func (b *MemoryBus) Subscribe(_ context.Context, topic events.Topic) (Subscriber, error) {
	ch := make(chan events.Event, b.buffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &memSub{b: b, topic: topic, ch: ch}, nil
}

type memSub struct {
	b      *MemoryBus
	topic  events.Topic
	ch     chan events.Event
	closed sync.Once
}

func (s *memSub) C() <-chan events.Event {
	return s.ch
}

func (s *memSub) Close() error {
	s.closed.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		lst := s.b.subs[s.topic]
		out := lst[:0]
		for _, c := range lst {
			if c != s.ch {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.topic)
		} else {
			s.b.subs[s.topic] = out
		}
		close(s.ch)
	})
	return nil
}

var _ Bus = (*MemoryBus)(nil)
