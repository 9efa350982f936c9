// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus carries core signals to collaborators outside the loop.
package bus

import (
	"context"

	"github.com/ManuGH/segflow/internal/events"
)

// AllTopics subscribes to every topic.
const AllTopics events.Topic = "*"

type Subscriber interface {
	// C returns a read-only event channel.
	C() <-chan events.Event
	// Close unsubscribes.
	Close() error
}

// Bus is the event transport abstraction.
type Bus interface {
	// Publish delivers ev to every subscriber, waiting for room until ctx is done.
	Publish(ctx context.Context, ev events.Event) error
	// TryPublish delivers ev without blocking, dropping it for full subscribers.
	TryPublish(ev events.Event)
	Subscribe(ctx context.Context, topic events.Topic) (Subscriber, error)
}
