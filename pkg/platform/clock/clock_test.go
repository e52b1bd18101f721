package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_AdvanceFiresDueTimersInOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)

	var fired []string
	m.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	m.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	m.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	m.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, start.Add(3*time.Second), m.Now())

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestManual_ChainedTimersFireWithinWindow(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	var schedule func()
	schedule = func() {
		count++
		if count < 3 {
			m.AfterFunc(time.Second, schedule)
		}
	}
	m.AfterFunc(time.Second, schedule)

	m.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
	assert.Empty(t, m.Pending())
}

func TestManual_StoppedTimerDoesNotFire(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	m.Advance(time.Minute)
	assert.False(t, fired)
}
