package reactor

import (
	"sync/atomic"

	"github.com/danmuck/peerctl/internal/queue"
)

// Controller is the goroutine-safe handle to a running reactor.
type Controller struct {
	commands *queue.Bounded[any]
	wake     func() error
	stop     atomic.Bool
}

func newController(capacity int, wake func() error) *Controller {
	return &Controller{
		commands: queue.New[any](capacity, queue.PolicyReject),
		wake:     wake,
	}
}

// Wake interrupts the reactor's readiness wait.
func (c *Controller) Wake() error {
	return c.wake()
}

// Command hands cmd to the handler on the reactor goroutine.
func (c *Controller) Command(cmd any) error {
	if c.stop.Load() {
		return ErrStopped
	}
	if err := c.commands.TryPush(cmd); err != nil {
		return ErrCommandQueueFull
	}
	return c.wake()
}

// Shutdown asks the reactor to close every peer and return from Run.
func (c *Controller) Shutdown() error {
	if c.stop.Swap(true) {
		return nil
	}
	return c.wake()
}

func (c *Controller) stopping() bool {
	return c.stop.Load()
}
