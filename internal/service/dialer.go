package service

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// nextBackoffDelay returns the retry delay for attempt N (1-based).
func nextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

type dialState int

const (
	dialWaiting dialState = iota
	dialInFlight
	dialConnected
)

func (s dialState) String() string {
	switch s {
	case dialInFlight:
		return "dialing"
	case dialConnected:
		return "connected"
	default:
		return "waiting"
	}
}

// PendingDial tracks one persistent peer address.
type PendingDial struct {
	Addr          string
	State         string
	Attempts      int
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	LastError     string
}

type dialEntry struct {
	addr     string
	state    dialState
	attempts int
	lastAt   time.Time
	nextAt   time.Time
	lastErr  string
}

// dialOutbox schedules dials for persistent peers. It is owned by the
// reactor goroutine.
type dialOutbox struct {
	backoff BackoffConfig
	rng     *rand.Rand
	items   map[string]*dialEntry
}

func newDialOutbox(backoff BackoffConfig, rng *rand.Rand) *dialOutbox {
	return &dialOutbox{backoff: backoff, rng: rng, items: make(map[string]*dialEntry)}
}

// Add schedules addr for an immediate dial unless it is already tracked.
func (o *dialOutbox) Add(addr string, now time.Time) bool {
	if addr == "" {
		return false
	}
	if _, ok := o.items[addr]; ok {
		return false
	}
	o.items[addr] = &dialEntry{addr: addr, nextAt: now}
	return true
}

func (o *dialOutbox) Tracked(addr string) bool {
	_, ok := o.items[addr]
	return ok
}

// Due marks every waiting entry whose time has come as in flight.
func (o *dialOutbox) Due(now time.Time) []string {
	var out []string
	for _, e := range o.items {
		if e.state == dialWaiting && !e.nextAt.After(now) {
			e.state = dialInFlight
			e.attempts++
			e.lastAt = now
			out = append(out, e.addr)
		}
	}
	sort.Strings(out)
	return out
}

// Failed reschedules addr and returns the delay until the next attempt.
func (o *dialOutbox) Failed(addr string, now time.Time, err error) (time.Duration, bool) {
	e, ok := o.items[addr]
	if !ok {
		return 0, false
	}
	if err != nil {
		e.lastErr = err.Error()
	}
	delay := nextBackoffDelay(o.backoff, e.attempts, o.rng)
	e.state = dialWaiting
	e.nextAt = now.Add(delay)
	return delay, true
}

// Established resets the attempt counter once the handshake completed.
func (o *dialOutbox) Established(addr string) {
	if e, ok := o.items[addr]; ok {
		e.state = dialConnected
		e.attempts = 0
		e.lastErr = ""
	}
}

func (o *dialOutbox) Next(now time.Time) (time.Duration, bool) {
	var (
		best  time.Duration
		found bool
	)
	for _, e := range o.items {
		if e.state != dialWaiting {
			continue
		}
		d := e.nextAt.Sub(now)
		if d < 0 {
			d = 0
		}
		if !found || d < best {
			best, found = d, true
		}
	}
	return best, found
}

func (o *dialOutbox) List() []PendingDial {
	out := make([]PendingDial, 0, len(o.items))
	for _, e := range o.items {
		out = append(out, PendingDial{
			Addr:          e.addr,
			State:         e.state.String(),
			Attempts:      e.attempts,
			LastAttemptAt: e.lastAt,
			NextAttemptAt: e.nextAt,
			LastError:     e.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
