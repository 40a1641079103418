package service

import (
	"context"
	"time"

	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/storage"
)

// Commander hands a command to the reactor goroutine.
type Commander interface {
	Command(cmd any) error
}

// PeersCommand asks for a snapshot of every session.
type PeersCommand struct {
	Reply chan<- PeersReply
}

type PeersReply struct {
	Peers []PeerInfo
	Dials []PendingDial
}

// FetchCommand requests an object from a peer. A zero Node picks the lowest
// slot established peer that advertised Repo.
type FetchCommand struct {
	Repo   storage.RepoID
	Object storage.ObjectID
	Since  storage.OpID
	Node   identity.NodeID
	Reply  chan<- FetchResult
}

type FetchResult struct {
	RequestID uint64           `json:"request_id"`
	Node      string           `json:"node,omitempty"`
	Repo      storage.RepoID   `json:"repo"`
	Object    storage.ObjectID `json:"object"`
	Applied   int              `json:"applied"`
	Tip       storage.OpID     `json:"tip,omitempty"`
	Duration  time.Duration    `json:"duration"`
	Err       error            `json:"-"`
}

// ConnectCommand dials addr. Persistent addresses are redialled on loss.
type ConnectCommand struct {
	Addr       string
	Persistent bool
	Reply      chan<- error
}

// Peers asks the service for a snapshot over c.
func Peers(ctx context.Context, c Commander) (PeersReply, error) {
	reply := make(chan PeersReply, 1)
	if err := c.Command(PeersCommand{Reply: reply}); err != nil {
		return PeersReply{}, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return PeersReply{}, ctx.Err()
	}
}

// Fetch waits until the transfer completes or ctx is done.
func Fetch(ctx context.Context, c Commander, cmd FetchCommand) (FetchResult, error) {
	reply := make(chan FetchResult, 1)
	cmd.Reply = reply
	if err := c.Command(cmd); err != nil {
		return FetchResult{}, err
	}
	select {
	case r := <-reply:
		return r, r.Err
	case <-ctx.Done():
		return FetchResult{}, ctx.Err()
	}
}

func Connect(ctx context.Context, c Commander, addr string, persistent bool) error {
	reply := make(chan error, 1)
	if err := c.Command(ConnectCommand{Addr: addr, Persistent: persistent, Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
