package reactor

import (
	"time"

	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/slot"
	"github.com/danmuck/peerctl/internal/worker"
)

// Link is the direction a connection was established in.
type Link int

const (
	Inbound Link = iota
	Outbound
)

func (l Link) String() string {
	if l == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Action is an instruction from the handler to the reactor.
type Action interface {
	action()
}

// Send queues a message on a peer's write buffer.
type Send struct {
	Slot    slot.Slot
	Message protocol.Message
}

// Disconnect flushes what it can and closes a peer.
type Disconnect struct {
	Slot   slot.Slot
	Reason error
}

// Dial opens an outbound connection.
type Dial struct {
	Addr string
}

// Wakeup asks for a Tick no later than After from now.
type Wakeup struct {
	After time.Duration
}

func (Send) action()       {}
func (Disconnect) action() {}
func (Dial) action()       {}
func (Wakeup) action()     {}

// Handler is driven by the reactor goroutine only. Implementations must not
// block.
type Handler interface {
	Connected(s slot.Slot, link Link, addr string)
	DialFailed(addr string, err error)
	Received(s slot.Slot, msg protocol.Message)
	// Failed reports a transport or framing error. The handler is expected
	// to answer with a Disconnect.
	Failed(s slot.Slot, err error)
	// Flushed reports that every byte queued for s reached the socket.
	Flushed(s slot.Slot)
	Disconnected(s slot.Slot, reason error)
	WorkDone(res worker.Result)
	Command(cmd any)
	Tick(now time.Time)
	// Stopping is called once before the reactor closes every peer.
	Stopping()
	Drain() []Action
}
