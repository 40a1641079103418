package reactor

import (
	"sort"
	"time"
)

// Timer tracks pending wakeup deadlines in ascending order.
type Timer struct {
	deadlines []time.Time
}

func (t *Timer) Set(at time.Time) {
	i := sort.Search(len(t.deadlines), func(i int) bool { return !t.deadlines[i].Before(at) })
	if i < len(t.deadlines) && t.deadlines[i].Equal(at) {
		return
	}
	t.deadlines = append(t.deadlines, time.Time{})
	copy(t.deadlines[i+1:], t.deadlines[i:])
	t.deadlines[i] = at
}

// Next returns the time left until the earliest deadline.
func (t *Timer) Next(now time.Time) (time.Duration, bool) {
	if len(t.deadlines) == 0 {
		return 0, false
	}
	d := t.deadlines[0].Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Expire drops every deadline at or before now and reports how many fired.
func (t *Timer) Expire(now time.Time) int {
	n := sort.Search(len(t.deadlines), func(i int) bool { return t.deadlines[i].After(now) })
	t.deadlines = t.deadlines[n:]
	return n
}

func (t *Timer) Len() int {
	return len(t.deadlines)
}
