// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package loop provides the single logical thread every engine runs on.
//
// Engines never block: network goroutines, timers and collaborators post
// closures onto a Loop and all state transitions happen inside those
// closures, one at a time.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Call once the loop has stopped running.
var ErrClosed = errors.New("loop closed")

// Timer is a cancellable callback scheduled with AfterFunc.
type Timer interface {
	// Stop prevents the callback from running. Called from the loop
	// goroutine it is a hard guarantee, even if the underlying clock has
	// already fired. It reports whether the timer was still armed.
	Stop() bool
}

// Loop serialises work onto one logical thread.
type Loop interface {
	Now() time.Time
	// Post queues fn. It is safe to call from any goroutine.
	Post(fn func())
	// AfterFunc runs fn on the loop after d.
	AfterFunc(d time.Duration, fn func()) Timer
}

// EventLoop is a goroutine-backed Loop.
type EventLoop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
}

// New creates an EventLoop. Nothing runs until Run is called.
func New() *EventLoop {
	return &EventLoop{wake: make(chan struct{}, 1)}
}

// Now returns the wall clock.
func (l *EventLoop) Now() time.Time { return time.Now() }

// Post queues fn. Work posted after Run returned is dropped.
func (l *EventLoop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc schedules fn on the loop after d.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &wallTimer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return t
}

// Run processes posted work until ctx is cancelled.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		for _, fn := range l.take() {
			fn()
		}
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.queue = nil
			l.mu.Unlock()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Call posts fn and waits until it has run on the loop.
func (l *EventLoop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *EventLoop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.queue
	l.queue = nil
	return q
}

type wallTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (t *wallTimer) Stop() bool {
	t.t.Stop()
	return !t.stopped.Swap(true)
}
