// Package clock abstracts wall time and delayed execution so time-based rules
// and retry schedules can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d has elapsed.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// System is the production clock and scheduler backed by package time.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Manual is a virtual clock. Scheduled callbacks fire synchronously, in due
// order, from Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*manualTimer
}

type manualTimer struct {
	m       *Manual
	at      time.Time
	seq     int
	fn      func()
	stopped bool
}

// NewManual returns a virtual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t without firing timers.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, at: m.now.Add(d), seq: m.seq, fn: fn}
	m.pending = append(m.pending, t)
	return t
}

// Pending returns the delays, relative to now, of timers not yet fired.
func (m *Manual) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, 0, len(m.pending))
	for _, t := range m.pending {
		if !t.stopped {
			out = append(out, t.at.Sub(m.now))
		}
	}
	return out
}

// Advance moves the clock forward by d, firing every timer that comes due.
// Timers scheduled by fired callbacks also fire if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		next := m.popDue(target)
		if next == nil {
			break
		}
		next.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) popDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].at.Equal(m.pending[j].at) {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].at.Before(m.pending[j].at)
	})
	for i, t := range m.pending {
		if t.stopped {
			continue
		}
		if t.at.After(target) {
			return nil
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		m.now = t.at
		return t
	}
	return nil
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.stopped {
		return false
	}
	for _, p := range t.m.pending {
		if p == t {
			t.stopped = true
			return true
		}
	}
	return false
}
