package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/policy"
	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/reactor"
	"github.com/danmuck/peerctl/internal/slot"
	"github.com/danmuck/peerctl/internal/storage"
	"github.com/danmuck/peerctl/internal/worker"
)

type fakeWork struct {
	items []worker.Item
	err   error
}

func (f *fakeWork) Submit(_ context.Context, item worker.Item) error {
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

func (f *fakeWork) take() []worker.Item {
	out := f.items
	f.items = nil
	return out
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time         { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testNode struct {
	name   string
	svc    *Service
	signer *identity.Signer
	work   *fakeWork
	store  *storage.MemoryStore
	policy *policy.Store
	clock  *fakeClock
}

func newTestNode(t *testing.T, name string, mutate func(*Config)) *testNode {
	t.Helper()
	signer, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Backoff.Jitter = false
	if mutate != nil {
		mutate(&cfg)
	}
	n := &testNode{
		name:   name,
		signer: signer,
		work:   &fakeWork{},
		store:  storage.NewMemoryStore(),
		policy: policy.NewMemory(policy.Config{DefaultPolicy: policy.Allow, DefaultScope: policy.ScopeAll}),
		clock:  &fakeClock{now: time.Unix(1_700_000_000, 0)},
	}
	n.svc = New(cfg, signer, n.policy, n.work, WithClock(n.clock.Now), WithRand(rand.New(rand.NewSource(1))))
	return n
}

func (n *testNode) addr() string {
	return n.name + ":9470"
}

// run executes queued work against the node's store and feeds results back.
func (n *testNode) run() int {
	exec := worker.RepositoryExecutor{Store: n.store}
	items := n.work.take()
	for _, item := range items {
		n.svc.WorkDone(exec.Execute(context.Background(), item))
	}
	return len(items)
}

func (n *testNode) commit(t *testing.T, repo storage.RepoID, object storage.ObjectID, ops []storage.Operation) {
	t.Helper()
	manifest := storage.Manifest{TypeName: "xyz.radicle.issue", Version: 1}
	if _, err := n.store.Commit(context.Background(), repo, object, manifest, ops); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func makeOps(from, to int) []storage.Operation {
	ops := make([]storage.Operation, 0, to-from+1)
	for i := from; i <= to; i++ {
		op := storage.Operation{
			ID:        storage.OpID(fmt.Sprintf("op-%02d", i)),
			Author:    "z6MkAuthor",
			Timestamp: uint64(i),
			Action:    []byte(strings.Repeat("a", 40)),
		}
		if i > 1 {
			op.Parents = []storage.OpID{storage.OpID(fmt.Sprintf("op-%02d", i-1))}
		}
		ops = append(ops, op)
	}
	return ops
}

// wire passes msg through the codec the way the reactor would.
func wire(t *testing.T, msg protocol.Message) protocol.Message {
	t.Helper()
	b, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.Type(), err)
	}
	out, err := protocol.Decode(b)
	if err != nil {
		t.Fatalf("decode %s: %v", msg.Type(), err)
	}
	return out
}

type endpoint struct {
	n *testNode
	s slot.Slot
}

// network shuttles actions between services in place of reactors.
type network struct {
	t       *testing.T
	nodes   []*testNode
	links   map[endpoint]endpoint
	down    map[endpoint]bool
	reasons map[endpoint]error
	sent    map[endpoint][]protocol.Message
	inboxes map[endpoint]*protocol.Deserializer
}

func newNetwork(t *testing.T, nodes ...*testNode) *network {
	return &network{
		t:       t,
		nodes:   nodes,
		links:   make(map[endpoint]endpoint),
		down:    make(map[endpoint]bool),
		reasons: make(map[endpoint]error),
		sent:    make(map[endpoint][]protocol.Message),
		inboxes: make(map[endpoint]*protocol.Deserializer),
	}
}

// connect dials from -> to and settles the handshake.
func (nw *network) connect(from *testNode, fromSlot slot.Slot, to *testNode, toSlot slot.Slot) {
	a, b := endpoint{from, fromSlot}, endpoint{to, toSlot}
	nw.links[a] = b
	nw.links[b] = a
	to.svc.Connected(toSlot, reactor.Inbound, from.addr())
	from.svc.Connected(fromSlot, reactor.Outbound, to.addr())
	nw.settle()
}

func (nw *network) settle() {
	for i := 0; i < 1000; i++ {
		moved := false
		for _, n := range nw.nodes {
			if nw.deliver(n) {
				moved = true
			}
			if n.run() > 0 {
				moved = true
			}
		}
		if !moved {
			return
		}
	}
	nw.t.Fatalf("network did not settle")
}

func (nw *network) deliver(n *testNode) bool {
	actions := n.svc.Drain()
	for _, act := range actions {
		switch a := act.(type) {
		case reactor.Send:
			from := endpoint{n, a.Slot}
			nw.sent[from] = append(nw.sent[from], a.Message)
			to, ok := nw.links[from]
			if ok && !nw.down[from] && !nw.down[to] {
				to.n.svc.Received(to.s, wire(nw.t, a.Message))
				// Delivery stands in for a write buffer that drains at once.
				n.svc.Flushed(a.Slot)
			}
		case reactor.Disconnect:
			from := endpoint{n, a.Slot}
			if nw.down[from] {
				continue
			}
			nw.down[from] = true
			nw.reasons[from] = a.Reason
			n.svc.Disconnected(a.Slot, a.Reason)
			if to, ok := nw.links[from]; ok && !nw.down[to] {
				to.n.svc.Failed(to.s, &reactor.TransportError{Op: "read", Err: io.EOF})
			}
		}
	}
	return len(actions) > 0
}

// feed hands raw bytes to the session at ep through its own deserializer,
// the way the reactor reads a socket.
func (nw *network) feed(ep endpoint, b []byte) {
	d := nw.inboxes[ep]
	if d == nil {
		d = protocol.NewDeserializer(frame.DefaultLimits())
		nw.inboxes[ep] = d
	}
	msgs, err := d.Feed(b)
	for _, msg := range msgs {
		ep.n.svc.Received(ep.s, msg)
	}
	if err != nil {
		ep.n.svc.Failed(ep.s, err)
	}
}

func messagesOf[T protocol.Message](msgs []protocol.Message) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func sends(actions []reactor.Action, s slot.Slot) []protocol.Message {
	var out []protocol.Message
	for _, act := range actions {
		if a, ok := act.(reactor.Send); ok && a.Slot == s {
			out = append(out, a.Message)
		}
	}
	return out
}

func disconnectReason(actions []reactor.Action, s slot.Slot) (error, bool) {
	for _, act := range actions {
		if a, ok := act.(reactor.Disconnect); ok && a.Slot == s {
			return a.Reason, true
		}
	}
	return nil, false
}

func violationKind(err error) ViolationKind {
	var v *Violation
	if errors.As(err, &v) {
		return v.Kind
	}
	return ""
}

// serviceCommander delivers commands synchronously, standing in for the
// reactor controller.
type serviceCommander struct {
	svc *Service
}

func (c serviceCommander) Command(cmd any) error {
	c.svc.Command(cmd)
	return nil
}
