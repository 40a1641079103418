package reactor

import (
	"time"

	"github.com/danmuck/peerctl/internal/slot"
)

// Interest selects which readiness a registration reports.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event is one readiness notification for a registered slot.
type Event struct {
	Slot     slot.Slot
	Readable bool
	Writable bool
	Hangup   bool
	Error    bool
}

// poller multiplexes readiness over registered descriptors. The wake source
// always reports as slot.Waker.
type poller interface {
	Add(fd int, s slot.Slot, in Interest) error
	Modify(fd int, s slot.Slot, in Interest) error
	Remove(fd int) error
	// Wait blocks until readiness or timeout. A negative timeout waits
	// without bound.
	Wait(events []Event, timeout time.Duration) (int, error)
	Wake() error
	DrainWake() error
	Close() error
}
