// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package loop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualAdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)

	var got []string
	m.AfterFunc(300*time.Millisecond, func() { got = append(got, "c") })
	m.AfterFunc(100*time.Millisecond, func() { got = append(got, "a") })
	m.AfterFunc(100*time.Millisecond, func() { got = append(got, "b") })
	assert.Equal(t, 3, m.Pending())

	m.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, start.Add(200*time.Millisecond), m.Now())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Zero(t, m.Pending())
}

func TestManualTimerSeesItsDeadlineAsNow(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)

	var at time.Time
	m.AfterFunc(250*time.Millisecond, func() { at = m.Now() })
	m.Advance(time.Second)
	assert.Equal(t, start.Add(250*time.Millisecond), at)
}

func TestManualRearmingTimerWithinAdvance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		m.AfterFunc(333*time.Millisecond, tick)
	}
	m.AfterFunc(333*time.Millisecond, tick)

	m.Advance(time.Second)
	assert.Equal(t, 3, ticks)
	assert.Equal(t, 1, m.Pending())
}

func TestManualStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	m.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestManualRunUntil(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	done := false
	go m.Post(func() { done = true })

	assert.True(t, m.RunUntil(func() bool { return done }, time.Second))
}
