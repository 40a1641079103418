// Package slot hands out connection identifiers for the reactor.
package slot

import (
	"strconv"

	"github.com/rs/zerolog/log"
)

// Slot identifies one registered I/O source within a reactor.
type Slot uint64

// Waker is reserved for the reactor wake source and never allocated.
const Waker Slot = 0

// DefaultInitial is the first slot handed out by a fresh registry.
const DefaultInitial Slot = 1

func (s Slot) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// Registry allocates slots by counting upward from an initial value. It is
// owned by a single reactor goroutine.
type Registry struct {
	initial Slot
	current Slot
	wraps   uint64
}

func NewRegistry(initial Slot) *Registry {
	if initial == Waker {
		initial = DefaultInitial
	}
	return &Registry{initial: initial, current: initial}
}

// Allocate returns the next slot. When the counter would land on the
// reserved waker value it restarts at the initial slot.
func (r *Registry) Allocate() Slot {
	s := r.current
	next := r.current + 1
	if next == Waker {
		next = r.initial
		r.wraps++
		log.Info().Msgf("slot.Registry.Allocate wrapped initial=%d wraps=%d", r.initial, r.wraps)
	}
	r.current = next
	return s
}

// Wraps reports how many times the registry restarted at its initial slot.
func (r *Registry) Wraps() uint64 {
	return r.wraps
}
