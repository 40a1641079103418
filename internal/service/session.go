package service

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/reactor"
	"github.com/danmuck/peerctl/internal/slot"
	"github.com/danmuck/peerctl/internal/storage"
)

type State int

const (
	AwaitingHandshake State = iota
	Established
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the protocol state of one connection. It refers to other
// sessions only by slot.
type Session struct {
	Slot          slot.Slot
	Serial        uint64
	Link          reactor.Link
	Addr          string
	State         State
	Node          identity.NodeID
	Agent         string
	ConnectedAt   time.Time
	EstablishedAt time.Time
	LastActive    time.Time

	nonce    []byte
	gossip   *rate.Limiter
	requests map[uint64]*request
	serving  map[uint64]struct{}
	// outgoing holds served transfers whose chunks are not all sent yet.
	outgoing  []*transfer
	unflushed int
	// Peer view from gossip, filtered by policy.
	inventory map[storage.RepoID]struct{}
	tips      map[storage.RepoID]map[storage.ObjectID]storage.OpID
}

func newSession(s slot.Slot, serial uint64, link reactor.Link, addr string, now time.Time, cfg Config) *Session {
	return &Session{
		Slot:        s,
		Serial:      serial,
		Link:        link,
		Addr:        addr,
		State:       AwaitingHandshake,
		ConnectedAt: now,
		LastActive:  now,
		gossip:      rate.NewLimiter(rate.Limit(cfg.GossipRate), cfg.GossipBurst),
		requests:    make(map[uint64]*request),
		serving:     make(map[uint64]struct{}),
		inventory:   make(map[storage.RepoID]struct{}),
		tips:        make(map[storage.RepoID]map[storage.ObjectID]storage.OpID),
	}
}

func (s *Session) provides(repo storage.RepoID) bool {
	if _, ok := s.inventory[repo]; ok {
		return true
	}
	_, ok := s.tips[repo]
	return ok
}

// transfer is an object being served in chunks.
type transfer struct {
	id     uint64
	chunks [][]byte
	next   int
}

// request is a fetch this node issued on a session.
type request struct {
	id        uint64
	repo      storage.RepoID
	object    storage.ObjectID
	since     storage.OpID
	startedAt time.Time
	responded bool
	manifest  storage.Manifest
	chunks    uint32
	nextSeq   uint32
	final     bool
	ingest    *storage.Ingest
	// backlog holds decoded batches the work queue rejected.
	backlog [][]storage.Operation
	applies int
	applied int
	tip     storage.OpID
	err     error
	reply   chan<- FetchResult
}

func (r *request) complete() bool {
	return r.final && r.applies == 0 && len(r.backlog) == 0
}

// PeerInfo is a snapshot of one session for the admin surface.
type PeerInfo struct {
	Slot        slot.Slot `json:"slot"`
	Link        string    `json:"link"`
	Addr        string    `json:"addr"`
	State       string    `json:"state"`
	Node        string    `json:"node,omitempty"`
	Agent       string    `json:"agent,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`
	Requests    int       `json:"requests"`
	Serving     int       `json:"serving"`
	Inventory   []string  `json:"inventory,omitempty"`
	Tips        []TipInfo `json:"tips,omitempty"`
}

type TipInfo struct {
	Repo   string `json:"repo"`
	Object string `json:"object"`
	Tip    string `json:"tip"`
}
