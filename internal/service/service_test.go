package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/queue"
	"github.com/danmuck/peerctl/internal/reactor"
	"github.com/danmuck/peerctl/internal/storage"
	"github.com/danmuck/peerctl/internal/testutil/testlog"
	"github.com/danmuck/peerctl/internal/worker"
)

func TestHandshakeEstablishesBothSides(t *testing.T) {
	testlog.Start(t)
	a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 7)

	sa, ok := a.svc.Session(1)
	if !ok || sa.State != Established || sa.Node != b.signer.ID() {
		t.Fatalf("outbound session not established: %+v", sa)
	}
	sb, ok := b.svc.Session(7)
	if !ok || sb.State != Established || sb.Node != a.signer.ID() || sb.Agent != "peerctl/0.1" {
		t.Fatalf("inbound session not established: %+v", sb)
	}

	fromA := nw.sent[endpoint{a, 1}]
	if _, ok := fromA[0].(protocol.Handshake); !ok {
		t.Fatalf("dialer must open with a handshake, got %T", fromA[0])
	}
	fromB := nw.sent[endpoint{b, 7}]
	if _, ok := fromB[0].(protocol.HandshakeAck); !ok {
		t.Fatalf("listener must answer with an ack, got %T", fromB[0])
	}
	if len(messagesOf[protocol.GossipAnnounce](fromA)) != 1 || len(messagesOf[protocol.GossipAnnounce](fromB)) != 1 {
		t.Fatalf("both sides announce once established")
	}
}

func signedHello(t *testing.T, n *testNode, ft frame.Type, mutate func(*protocol.Hello)) protocol.Hello {
	t.Helper()
	h := protocol.Sign(ft, protocol.Hello{Timestamp: 1, Nonce: []byte("0123456789abcdef"), Agent: "test"}, n.signer)
	if mutate != nil {
		mutate(&h)
		h.Signature = n.signer.Sign(protocol.SigningBytes(ft, h))
	}
	return h
}

func TestHandshakeRejections(t *testing.T) {
	testlog.Start(t)
	peer := newTestNode(t, "peer", nil)
	cases := []struct {
		name string
		msg  func(self *testNode) protocol.Message
		want ViolationKind
	}{
		{
			name: "version mismatch",
			msg: func(*testNode) protocol.Message {
				return protocol.Handshake{Hello: signedHello(t, peer, frame.TypeHandshake, func(h *protocol.Hello) { h.Version = 2 })}
			},
			want: ViolationVersionMismatch,
		},
		{
			name: "tampered signature",
			msg: func(*testNode) protocol.Message {
				h := signedHello(t, peer, frame.TypeHandshake, nil)
				h.Agent = "forged"
				return protocol.Handshake{Hello: h}
			},
			want: ViolationBadProof,
		},
		{
			name: "ack signature replayed as handshake",
			msg: func(*testNode) protocol.Message {
				return protocol.Handshake{Hello: signedHello(t, peer, frame.TypeHandshakeAck, nil)}
			},
			want: ViolationBadProof,
		},
		{
			name: "self connection",
			msg: func(self *testNode) protocol.Message {
				return protocol.Handshake{Hello: signedHello(t, self, frame.TypeHandshake, nil)}
			},
			want: ViolationSelfConnection,
		},
		{
			name: "ack on inbound session",
			msg: func(*testNode) protocol.Message {
				return protocol.HandshakeAck{Hello: signedHello(t, peer, frame.TypeHandshakeAck, nil)}
			},
			want: ViolationUnexpectedMessage,
		},
		{
			name: "request before handshake",
			msg: func(*testNode) protocol.Message {
				return protocol.SyncRequest{RequestID: 1, Repo: "rad:z1", Object: "issue/1"}
			},
			want: ViolationUnexpectedMessage,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestNode(t, "listener", nil)
			n.svc.Connected(3, reactor.Inbound, "peer:1")
			n.svc.Drain()
			n.svc.Received(3, wire(t, tc.msg(n)))

			actions := n.svc.Drain()
			if acks := messagesOf[protocol.HandshakeAck](sends(actions, 3)); len(acks) != 0 {
				t.Fatalf("rejected handshake must not be acknowledged")
			}
			reason, ok := disconnectReason(actions, 3)
			if !ok || violationKind(reason) != tc.want {
				t.Fatalf("expected %s disconnect, got %v", tc.want, reason)
			}
			if sess, _ := n.svc.Session(3); sess.State != Failed {
				t.Fatalf("expected failed session, got %s", sess.State)
			}
		})
	}
}

func TestOutboundRejectsAckWithWrongNonce(t *testing.T) {
	testlog.Start(t)
	a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
	a.svc.Connected(1, reactor.Outbound, b.addr())
	a.svc.Drain()
	a.svc.Received(1, wire(t, protocol.HandshakeAck{Hello: signedHello(t, b, frame.TypeHandshakeAck, nil)}))
	reason, ok := disconnectReason(a.svc.Drain(), 1)
	if !ok || violationKind(reason) != ViolationBadProof {
		t.Fatalf("expected bad proof, got %v", reason)
	}
}

func TestBlockedPeerIsTurnedAway(t *testing.T) {
	testlog.Start(t)
	a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
	if err := b.policy.Block(a.signer.ID()); err != nil {
		t.Fatalf("block: %v", err)
	}
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)

	fromB := nw.sent[endpoint{b, 1}]
	if len(messagesOf[protocol.HandshakeAck](fromB)) != 0 {
		t.Fatalf("blocked peer must not be acknowledged")
	}
	errs := messagesOf[protocol.Error](fromB)
	if len(errs) != 1 || errs[0].Code != protocol.CodeBlocked {
		t.Fatalf("expected a blocked error, got %+v", fromB)
	}
	if !errors.Is(nw.reasons[endpoint{b, 1}], ErrBlocked) {
		t.Fatalf("unexpected close reason %v", nw.reasons[endpoint{b, 1}])
	}
	var remote *RemoteError
	if !errors.As(nw.reasons[endpoint{a, 1}], &remote) || remote.Code != protocol.CodeBlocked {
		t.Fatalf("dialer should close on the error, got %v", nw.reasons[endpoint{a, 1}])
	}
}

func TestFetchTransfersObjectInChunks(t *testing.T) {
	testlog.Start(t)
	a := newTestNode(t, "a", nil)
	b := newTestNode(t, "b", func(c *Config) { c.ChunkSize = 256 })
	b.commit(t, "rad:z1", "issue/1", makeOps(1, 30))

	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)
	b.svc.Tick(b.clock.Now())
	nw.settle()
	if sess, _ := a.svc.Session(1); !sess.provides("rad:z1") {
		t.Fatalf("gossip should advertise rad:z1 to a")
	}

	res, err := Fetch(context.Background(), deferredCommander{svc: a.svc, nw: nw}, FetchCommand{Repo: "rad:z1", Object: "issue/1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Applied != 30 || res.Tip != "op-30" || res.Node != b.signer.ID().String() {
		t.Fatalf("unexpected result: %+v", res)
	}
	chunks := messagesOf[protocol.ObjectChunk](nw.sent[endpoint{b, 1}])
	if len(chunks) < 2 || !chunks[len(chunks)-1].Final {
		t.Fatalf("expected a multi chunk transfer, got %d chunks", len(chunks))
	}
	got, err := storage.Collect(mustOps(t, a.store, "rad:z1", "issue/1", ""))
	if err != nil || len(got) != 30 || got[29].ID != "op-30" {
		t.Fatalf("replica mismatch: %d ops err=%v", len(got), err)
	}

	// The completed sync is re-announced with the new tip.
	if sess, _ := b.svc.Session(1); sess.tips["rad:z1"]["issue/1"] != "op-30" {
		t.Fatalf("a should re-announce after sync, view=%v", sess.tips)
	}

	b.commit(t, "rad:z1", "issue/1", makeOps(31, 34))
	res, err = Fetch(context.Background(), deferredCommander{svc: a.svc, nw: nw}, FetchCommand{
		Repo: "rad:z1", Object: "issue/1", Since: "op-30", Node: b.signer.ID(),
	})
	if err != nil || res.Applied != 4 || res.Tip != "op-34" {
		t.Fatalf("incremental fetch: %+v err=%v", res, err)
	}
}

// deferredCommander issues the command and settles the network so the
// reply is ready before Fetch waits on it.
type deferredCommander struct {
	svc *Service
	nw  *network
}

func (c deferredCommander) Command(cmd any) error {
	c.svc.Command(cmd)
	c.nw.settle()
	return nil
}

func mustOps(t *testing.T, s storage.Store, repo storage.RepoID, object storage.ObjectID, since storage.OpID) storage.Iterator {
	t.Helper()
	it, err := s.Ops(context.Background(), repo, object, since)
	if err != nil {
		t.Fatalf("ops: %v", err)
	}
	return it
}

func TestSyncRequestRefusals(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name   string
		setup  func(b *testNode)
		object storage.ObjectID
		repo   storage.RepoID
		status protocol.SyncStatus
		want   error
	}{
		{
			name:   "busy when the work queue is full",
			setup:  func(b *testNode) { b.work.err = queue.ErrFull },
			repo:   "rad:z1",
			object: "issue/1",
			status: protocol.StatusBusy,
			want:   ErrRemoteBusy,
		},
		{
			name:   "denied by policy",
			setup:  func(b *testNode) { _ = b.policy.BlockRepo("rad:z1") },
			repo:   "rad:z1",
			object: "issue/1",
			status: protocol.StatusDenied,
			want:   ErrRemoteDenied,
		},
		{
			name:   "unknown object",
			setup:  func(*testNode) {},
			repo:   "rad:z1",
			object: "issue/404",
			status: protocol.StatusNotFound,
			want:   ErrRemoteNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
			b.commit(t, "rad:z1", "issue/1", makeOps(1, 3))
			nw := newNetwork(t, a, b)
			nw.connect(a, 1, b, 1)
			tc.setup(b)

			_, err := Fetch(context.Background(), deferredCommander{svc: a.svc, nw: nw}, FetchCommand{
				Repo: tc.repo, Object: tc.object, Node: b.signer.ID(),
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			resp := messagesOf[protocol.SyncResponse](nw.sent[endpoint{b, 1}])
			if len(resp) != 1 || resp[0].Status != tc.status {
				t.Fatalf("unexpected responses %+v", resp)
			}
			for _, n := range []*testNode{a, b} {
				if sess, ok := n.svc.Session(1); !ok || sess.State != Established {
					t.Fatalf("%s session should survive a refused sync", n.name)
				}
			}
		})
	}
}

func TestFetchWithoutProvider(t *testing.T) {
	testlog.Start(t)
	a := newTestNode(t, "a", nil)
	_, err := Fetch(context.Background(), serviceCommander{svc: a.svc}, FetchCommand{Repo: "rad:z1", Object: "issue/1"})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestResponseViolations(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name   string
		fetch  bool
		inject []protocol.Message
		want   ViolationKind
	}{
		{
			name:   "unmatched response",
			inject: []protocol.Message{protocol.SyncResponse{RequestID: 99, Status: protocol.StatusOK}},
			want:   ViolationUnmatchedResponse,
		},
		{
			name:   "unmatched chunk",
			inject: []protocol.Message{protocol.ObjectChunk{RequestID: 99, Final: true, Data: []byte{1}}},
			want:   ViolationUnmatchedResponse,
		},
		{
			name:   "chunk before response",
			fetch:  true,
			inject: []protocol.Message{protocol.ObjectChunk{RequestID: 1, Final: true, Data: []byte{1}}},
			want:   ViolationChunkBeforeHeader,
		},
		{
			name:  "chunk out of sequence",
			fetch: true,
			inject: []protocol.Message{
				protocol.SyncResponse{RequestID: 1, Status: protocol.StatusOK, Chunks: 2},
				protocol.ObjectChunk{RequestID: 1, Seq: 1, Final: true, Data: []byte{1}},
			},
			want: ViolationChunkOutOfSequence,
		},
		{
			name:  "final flag on a middle chunk",
			fetch: true,
			inject: []protocol.Message{
				protocol.SyncResponse{RequestID: 1, Status: protocol.StatusOK, Chunks: 2},
				protocol.ObjectChunk{RequestID: 1, Seq: 0, Final: true, Data: []byte{1}},
			},
			want: ViolationChunkOutOfSequence,
		},
		{
			name:  "second response",
			fetch: true,
			inject: []protocol.Message{
				protocol.SyncResponse{RequestID: 1, Status: protocol.StatusOK, Chunks: 1},
				protocol.SyncResponse{RequestID: 1, Status: protocol.StatusOK, Chunks: 1},
			},
			want: ViolationUnexpectedMessage,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
			nw := newNetwork(t, a, b)
			nw.connect(a, 1, b, 1)
			if tc.fetch {
				a.svc.Command(FetchCommand{Repo: "rad:z1", Object: "issue/1", Node: b.signer.ID()})
				a.svc.Drain()
			}
			for _, msg := range tc.inject {
				a.svc.Received(1, wire(t, msg))
			}
			reason, ok := disconnectReason(a.svc.Drain(), 1)
			if !ok || violationKind(reason) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, reason)
			}
		})
	}
}

func TestPeerErrorFailsOnlyThatRequest(t *testing.T) {
	testlog.Start(t)
	a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)

	replies := make(chan FetchResult, 1)
	a.svc.Command(FetchCommand{Repo: "rad:z1", Object: "issue/1", Node: b.signer.ID(), Reply: replies})
	a.svc.Drain()
	a.svc.Received(1, wire(t, protocol.Error{RequestID: 1, Code: protocol.CodeRepository, Reason: "disk"}))

	res := <-replies
	var remote *RemoteError
	if !errors.As(res.Err, &remote) || remote.Reason != "disk" {
		t.Fatalf("unexpected result error %v", res.Err)
	}
	if _, ok := disconnectReason(a.svc.Drain(), 1); ok {
		t.Fatalf("request error must not close the session")
	}
	if sess, _ := a.svc.Session(1); sess.State != Established {
		t.Fatalf("session should stay established")
	}
}

func TestSessionIsolation(t *testing.T) {
	testlog.Start(t)
	a, b, c := newTestNode(t, "a", nil), newTestNode(t, "b", nil), newTestNode(t, "c", nil)
	b.commit(t, "rad:z1", "issue/1", makeOps(1, 5))
	nw := newNetwork(t, a, b, c)
	nw.connect(a, 1, b, 1)
	nw.connect(c, 1, b, 2)

	// A well formed frame followed by one with an unknown type tag, arriving
	// a byte at a time.
	stream, err := protocol.Encode(protocol.Error{RequestID: 99, Code: protocol.CodeRepository, Reason: "stale"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stream = append(stream, frame.Version, 0x7f, 0, 0, 0, 0)
	for i := range stream {
		nw.feed(endpoint{b, 1}, stream[i:i+1])
	}
	nw.settle()
	var pe *protocol.ParseError
	if reason := nw.reasons[endpoint{b, 1}]; !errors.As(reason, &pe) || !errors.Is(reason, frame.ErrUnknownType) {
		t.Fatalf("expected an unknown type parse error, got %v", reason)
	}
	if _, ok := b.svc.Session(1); ok {
		t.Fatalf("failed session should be removed")
	}
	if _, ok := a.svc.Session(1); ok {
		t.Fatalf("peer of the failed session should observe the close")
	}

	res, err := Fetch(context.Background(), deferredCommander{svc: c.svc, nw: nw}, FetchCommand{
		Repo: "rad:z1", Object: "issue/1", Node: b.signer.ID(),
	})
	if err != nil || res.Applied != 5 {
		t.Fatalf("healthy session should keep syncing: %+v err=%v", res, err)
	}
	if sess, ok := b.svc.Session(2); !ok || sess.State != Established {
		t.Fatalf("session 2 should remain established")
	}
	if resp := messagesOf[protocol.SyncResponse](nw.sent[endpoint{b, 2}]); len(resp) != 1 || resp[0].Status != protocol.StatusOK {
		t.Fatalf("expected one ok response on session 2, got %+v", resp)
	}
}

func TestClosingDiscardsWorkResults(t *testing.T) {
	testlog.Start(t)
	a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
	b.commit(t, "rad:z1", "issue/1", makeOps(1, 3))
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)

	a.svc.Command(FetchCommand{Repo: "rad:z1", Object: "issue/1", Node: b.signer.ID()})
	nw.deliver(a)
	if len(b.work.items) != 1 {
		t.Fatalf("expected a queued load, got %d", len(b.work.items))
	}
	b.svc.Received(1, wire(t, protocol.Close{Reason: "bye"}))
	if sess, _ := b.svc.Session(1); sess.State != Closing {
		t.Fatalf("expected closing, got %s", sess.State)
	}
	b.run()
	actions := b.svc.Drain()
	if msgs := sends(actions, 1); len(msgs) != 0 {
		t.Fatalf("closing session must not send results, got %+v", msgs)
	}
	if reason, ok := disconnectReason(actions, 1); !ok || !errors.Is(reason, ErrPeerClosed) {
		t.Fatalf("expected disconnect on close, got %v", reason)
	}
}

func TestResultsForReplacedSessionAreDropped(t *testing.T) {
	testlog.Start(t)
	a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
	b.commit(t, "rad:z1", "issue/1", makeOps(1, 3))
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)

	a.svc.Command(FetchCommand{Repo: "rad:z1", Object: "issue/1", Node: b.signer.ID()})
	nw.deliver(a)
	items := b.work.take()
	b.svc.Disconnected(1, nil)
	b.svc.Connected(1, reactor.Inbound, "other:1")
	b.svc.Drain()

	exec := worker.RepositoryExecutor{Store: b.store}
	b.svc.WorkDone(exec.Execute(context.Background(), items[0]))
	if msgs := sends(b.svc.Drain(), 1); len(msgs) != 0 {
		t.Fatalf("result for an old session leaked into slot reuse: %+v", msgs)
	}
}

func TestGossipRateLimitAndPolicy(t *testing.T) {
	testlog.Start(t)
	a := newTestNode(t, "a", nil)
	b := newTestNode(t, "b", func(c *Config) {
		c.GossipBurst = 2
		c.GossipRate = 0.001
	})
	_ = b.policy.BlockRepo("rad:hidden")
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)

	b.svc.Received(1, wire(t, protocol.GossipAnnounce{
		Timestamp: 2,
		Inventory: []string{"rad:z1", "rad:hidden"},
		Tips:      []protocol.Tip{{Repo: "rad:hidden", Object: "issue/1", Tip: "op-01"}},
	}))
	b.svc.Received(1, wire(t, protocol.GossipAnnounce{Timestamp: 3, Inventory: []string{"rad:z2"}}))

	peers := b.svc.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected one peer, got %d", len(peers))
	}
	if inv := peers[0].Inventory; len(inv) != 1 || inv[0] != "rad:z1" {
		t.Fatalf("unexpected peer view %v", inv)
	}
	if len(peers[0].Tips) != 0 {
		t.Fatalf("blocked repo tips must be dropped: %v", peers[0].Tips)
	}
	if len(b.work.items) != 0 {
		t.Fatalf("gossip must never trigger work")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	testlog.Start(t)
	n := newTestNode(t, "n", nil)
	n.svc.Connected(4, reactor.Inbound, "slow:1")
	var wake reactor.Wakeup
	for _, act := range n.svc.Drain() {
		if w, ok := act.(reactor.Wakeup); ok {
			wake = w
		}
	}
	if wake.After != DefaultConfig().HandshakeTimeout {
		t.Fatalf("expected a handshake wakeup, got %v", wake.After)
	}
	n.clock.Advance(time.Second)
	n.svc.Tick(n.clock.Now())
	if _, ok := disconnectReason(n.svc.Drain(), 4); ok {
		t.Fatalf("closed before the deadline")
	}
	n.clock.Advance(DefaultConfig().HandshakeTimeout)
	n.svc.Tick(n.clock.Now())
	if reason, ok := disconnectReason(n.svc.Drain(), 4); !ok || !errors.Is(reason, ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", reason)
	}
}

func TestIdleSessionIsClosed(t *testing.T) {
	testlog.Start(t)
	a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)

	a.clock.Advance(DefaultConfig().IdleTimeout)
	a.svc.Tick(a.clock.Now())
	actions := a.svc.Drain()
	closes := messagesOf[protocol.Close](sends(actions, 1))
	if len(closes) != 1 || closes[0].Reason != "idle" {
		t.Fatalf("expected idle close, got %+v", sends(actions, 1))
	}
	if reason, ok := disconnectReason(actions, 1); !ok || !errors.Is(reason, ErrIdle) {
		t.Fatalf("expected idle disconnect, got %v", reason)
	}
}

func TestStoppingClosesEstablishedSessions(t *testing.T) {
	testlog.Start(t)
	a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)

	a.svc.Stopping()
	actions := a.svc.Drain()
	if closes := messagesOf[protocol.Close](sends(actions, 1)); len(closes) != 1 || closes[0].Reason != "shutdown" {
		t.Fatalf("expected shutdown close")
	}
	if reason, ok := disconnectReason(actions, 1); !ok || !errors.Is(reason, ErrShutdown) {
		t.Fatalf("expected shutdown disconnect, got %v", reason)
	}
}

func TestPeersSnapshot(t *testing.T) {
	testlog.Start(t)
	a, b := newTestNode(t, "a", nil), newTestNode(t, "b", nil)
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)

	reply, err := Peers(context.Background(), serviceCommander{svc: a.svc})
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(reply.Peers) != 1 {
		t.Fatalf("expected one peer, got %d", len(reply.Peers))
	}
	p := reply.Peers[0]
	if p.Node != b.signer.ID().String() || p.State != "established" || p.Link != "outbound" || p.Addr != b.addr() {
		t.Fatalf("unexpected peer info %+v", p)
	}
}

func TestServeHoldsChunksUntilFlushed(t *testing.T) {
	testlog.Start(t)
	a := newTestNode(t, "a", nil)
	b := newTestNode(t, "b", func(c *Config) {
		c.ChunkSize = 256
		c.TransferWindow = 512
	})
	b.commit(t, "rad:z1", "issue/1", makeOps(1, 30))
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)

	a.svc.Command(FetchCommand{Repo: "rad:z1", Object: "issue/1", Node: b.signer.ID()})
	nw.deliver(a)
	b.run()
	first := sends(b.svc.Drain(), 1)
	resp := messagesOf[protocol.SyncResponse](first)
	if len(resp) != 1 || resp[0].Chunks < 4 {
		t.Fatalf("expected one response announcing several chunks, got %+v", resp)
	}
	// 297 bytes per chunk: the second one crosses the 512 byte window.
	chunks := messagesOf[protocol.ObjectChunk](first)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks before the first flush, got %d", len(chunks))
	}
	for len(chunks) < int(resp[0].Chunks) {
		before := len(chunks)
		b.svc.Flushed(1)
		chunks = append(chunks, messagesOf[protocol.ObjectChunk](sends(b.svc.Drain(), 1))...)
		if n := len(chunks) - before; n == 0 || n > 2 {
			t.Fatalf("flush released %d chunks", n)
		}
	}
	for i, c := range chunks {
		if c.Seq != uint32(i) || c.Final != (i == len(chunks)-1) {
			t.Fatalf("chunk %d out of order: seq=%d final=%t", i, c.Seq, c.Final)
		}
	}
	b.svc.Flushed(1)
	if extra := sends(b.svc.Drain(), 1); len(extra) != 0 {
		t.Fatalf("finished transfer sent %d more messages", len(extra))
	}
}

func TestOversizedChunkIsViolation(t *testing.T) {
	testlog.Start(t)
	a := newTestNode(t, "a", func(c *Config) { c.MaxChunkBytes = 128 })
	b := newTestNode(t, "b", func(c *Config) { c.ChunkSize = 256 })
	b.commit(t, "rad:z1", "issue/1", makeOps(1, 10))
	nw := newNetwork(t, a, b)
	nw.connect(a, 1, b, 1)

	replies := make(chan FetchResult, 1)
	a.svc.Command(FetchCommand{Repo: "rad:z1", Object: "issue/1", Node: b.signer.ID(), Reply: replies})
	nw.settle()
	if kind := violationKind(nw.reasons[endpoint{a, 1}]); kind != ViolationChunkTooLarge {
		t.Fatalf("expected %s, got %v", ViolationChunkTooLarge, nw.reasons[endpoint{a, 1}])
	}
	if res := <-replies; !errors.Is(res.Err, ErrSessionClosed) {
		t.Fatalf("fetch should fail with the session, got %v", res.Err)
	}
}
