package worker

import (
	"errors"
	"fmt"

	"github.com/danmuck/peerctl/internal/slot"
	"github.com/danmuck/peerctl/internal/storage"
)

var (
	// ErrUnitFailed answers an item whose unit panicked while running it.
	ErrUnitFailed  = errors.New("worker: unit failed")
	ErrUnknownKind = errors.New("worker: unknown item kind")
)

type Kind uint8

const (
	// KindLoad walks an object's operations and encodes them for transfer.
	KindLoad Kind = iota + 1
	// KindApply commits operations received from a peer.
	KindApply
	// KindInventory lists local object tips.
	KindInventory
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindApply:
		return "apply"
	case KindInventory:
		return "inventory"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Item is one unit of repository work. Slot and Session identify the peer
// session that asked for it; Session is zero for node level work.
type Item struct {
	Kind      Kind
	Slot      slot.Slot
	Session   uint64
	RequestID uint64
	Repo      storage.RepoID
	Object    storage.ObjectID
	Since     storage.OpID
	Manifest  storage.Manifest
	Ops       []storage.Operation
}

// Result carries the outcome of an Item back to the reactor. Repository
// failures travel in Err; they never take down the pool.
type Result struct {
	Item     Item
	Manifest storage.Manifest
	Data     []byte
	Count    int
	Tip      storage.OpID
	Tips     []storage.ObjectTip
	Err      error
}

func resultFor(item Item) Result {
	item.Ops = nil
	return Result{Item: item}
}
