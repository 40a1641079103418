// Package service implements the per-session protocol state machine. A
// Service is a reactor.Handler and is only ever driven by the reactor
// goroutine, so none of its state is locked.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	mrand "math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/reactor"
	"github.com/danmuck/peerctl/internal/slot"
	"github.com/danmuck/peerctl/internal/storage"
	"github.com/danmuck/peerctl/internal/worker"
)

const nonceLen = 16

// Policy is the part of policy.Store consulted by sessions.
type Policy interface {
	IsBlocked(node identity.NodeID) bool
	AllowServe(node identity.NodeID, repo storage.RepoID) error
	AllowGossip(node identity.NodeID, repo storage.RepoID) bool
}

// Submitter queues repository work. With a reject policy it never blocks.
type Submitter interface {
	Submit(ctx context.Context, item worker.Item) error
}

type Option func(*Service)

// WithClock replaces time.Now for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRand seeds backoff jitter.
func WithRand(rng *mrand.Rand) Option {
	return func(s *Service) { s.rng = rng }
}

type Service struct {
	cfg      Config
	signer   *identity.Signer
	policy   Policy
	work     Submitter
	now      func() time.Time
	rng      *mrand.Rand
	sessions map[slot.Slot]*Session
	serial   uint64
	nextID   uint64
	actions  []reactor.Action
	dials    *dialOutbox
	stopping bool

	inventory       []storage.ObjectTip
	inventoryBusy   bool
	announcePending bool
	lastGossip      time.Time
}

var _ reactor.Handler = (*Service)(nil)

func New(cfg Config, signer *identity.Signer, pol Policy, work Submitter, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.WithDefaults(),
		signer:   signer,
		policy:   pol,
		work:     work,
		now:      time.Now,
		sessions: make(map[slot.Slot]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = mrand.New(mrand.NewSource(time.Now().UnixNano()))
	}
	s.dials = newDialOutbox(s.cfg.Backoff, s.rng)
	now := s.now()
	for _, addr := range s.cfg.Connect {
		s.dials.Add(addr, now)
	}
	return s
}

func (s *Service) ID() identity.NodeID {
	return s.signer.ID()
}

func (s *Service) Session(sl slot.Slot) (*Session, bool) {
	sess, ok := s.sessions[sl]
	return sess, ok
}

func (s *Service) Drain() []reactor.Action {
	out := s.actions
	s.actions = nil
	return out
}

func (s *Service) emit(a reactor.Action) {
	s.actions = append(s.actions, a)
}

func (s *Service) send(sess *Session, msg protocol.Message) {
	s.emit(reactor.Send{Slot: sess.Slot, Message: msg})
}

func (s *Service) stamp() uint64 {
	return uint64(s.now().UnixMilli())
}

// fail moves sess to Failed and asks the reactor to drop it.
func (s *Service) fail(sess *Session, err error) {
	if sess.State == Failed || sess.State == Closed {
		return
	}
	var v *Violation
	if errors.As(err, &v) {
		observability.RecordViolation(string(v.Kind))
	}
	log.Warn().Msgf("service.Service.fail slot=%d remote=%s state=%s err=%v", sess.Slot, sess.Addr, sess.State, err)
	sess.State = Failed
	s.emit(reactor.Disconnect{Slot: sess.Slot, Reason: err})
}

// close moves sess to Closing, optionally sending a final message first.
func (s *Service) close(sess *Session, reason error, final protocol.Message) {
	if sess.State != AwaitingHandshake && sess.State != Established {
		return
	}
	log.Info().Msgf("service.Service.close slot=%d remote=%s reason=%v", sess.Slot, sess.Addr, reason)
	sess.State = Closing
	if final != nil {
		s.send(sess, final)
	}
	s.emit(reactor.Disconnect{Slot: sess.Slot, Reason: reason})
}

func (s *Service) Connected(sl slot.Slot, link reactor.Link, addr string) {
	now := s.now()
	s.serial++
	sess := newSession(sl, s.serial, link, addr, now, s.cfg)
	s.sessions[sl] = sess
	if link == reactor.Outbound {
		sess.nonce = newNonce()
		hello := protocol.Sign(protocol.Handshake{}.Type(), protocol.Hello{
			Timestamp: s.stamp(),
			Nonce:     sess.nonce,
			Agent:     s.cfg.Agent,
		}, s.signer)
		s.send(sess, protocol.Handshake{Hello: hello})
	}
	s.emit(reactor.Wakeup{After: s.cfg.HandshakeTimeout})
	observability.SetSessionsActive(len(s.sessions))
	log.Info().Msgf("service.Service.Connected slot=%d link=%s remote=%s serial=%d", sl, link, addr, sess.Serial)
}

func (s *Service) DialFailed(addr string, err error) {
	log.Warn().Msgf("service.Service.DialFailed remote=%s err=%v", addr, err)
	if s.stopping {
		return
	}
	if delay, ok := s.dials.Failed(addr, s.now(), err); ok {
		s.emit(reactor.Wakeup{After: delay})
	}
}

func (s *Service) Received(sl slot.Slot, msg protocol.Message) {
	sess := s.sessions[sl]
	if sess == nil {
		log.Debug().Msgf("service.Service.Received unknown slot=%d type=%s", sl, msg.Type())
		return
	}
	if sess.State != AwaitingHandshake && sess.State != Established {
		return
	}
	sess.LastActive = s.now()
	if sess.State == AwaitingHandshake {
		s.handshake(sess, msg)
		return
	}
	switch m := msg.(type) {
	case protocol.GossipAnnounce:
		s.announce(sess, m)
	case protocol.SyncRequest:
		s.syncRequest(sess, m)
	case protocol.SyncResponse:
		s.syncResponse(sess, m)
	case protocol.ObjectChunk:
		s.objectChunk(sess, m)
	case protocol.Error:
		s.peerError(sess, m)
	case protocol.Close:
		log.Info().Msgf("service.Service.Received close slot=%d reason=%q", sl, m.Reason)
		s.close(sess, ErrPeerClosed, nil)
	default:
		s.fail(sess, violation(ViolationUnexpectedMessage, "%s while established", msg.Type()))
	}
}

func (s *Service) Failed(sl slot.Slot, err error) {
	if sess := s.sessions[sl]; sess != nil {
		s.fail(sess, err)
	}
}

func (s *Service) Flushed(sl slot.Slot) {
	sess := s.sessions[sl]
	if sess == nil || sess.State != Established {
		return
	}
	sess.unflushed = 0
	s.pushChunks(sess)
}

func (s *Service) Disconnected(sl slot.Slot, reason error) {
	sess := s.sessions[sl]
	if sess == nil {
		return
	}
	delete(s.sessions, sl)
	if sess.State != Failed {
		sess.State = Closed
	}
	for _, req := range sess.requests {
		s.finish(sess, req, ErrSessionClosed)
	}
	observability.RecordSessionClosed(sess.Link.String(), closeLabel(reason))
	observability.SetSessionsActive(len(s.sessions))
	log.Info().Msgf("service.Service.Disconnected slot=%d remote=%s state=%s reason=%v", sl, sess.Addr, sess.State, reason)

	if sess.Link == reactor.Outbound && !s.stopping {
		if delay, ok := s.dials.Failed(sess.Addr, s.now(), reason); ok {
			s.emit(reactor.Wakeup{After: delay})
		}
	}
}

func (s *Service) WorkDone(res worker.Result) {
	item := res.Item
	if item.Session == 0 {
		if item.Kind == worker.KindInventory {
			s.inventoryDone(res)
		}
		return
	}
	sess := s.sessions[item.Slot]
	if sess == nil || sess.Serial != item.Session || sess.State != Established {
		log.Debug().Msgf("service.Service.WorkDone discard slot=%d kind=%s request_id=%d", item.Slot, item.Kind, item.RequestID)
		return
	}
	switch item.Kind {
	case worker.KindLoad:
		s.serve(sess, res)
	case worker.KindApply:
		s.applied(sess, res)
	}
}

func (s *Service) Tick(now time.Time) {
	for _, sess := range s.sessions {
		switch sess.State {
		case AwaitingHandshake:
			if now.Sub(sess.ConnectedAt) >= s.cfg.HandshakeTimeout {
				s.fail(sess, ErrHandshakeTimeout)
			}
		case Established:
			if now.Sub(sess.LastActive) >= s.cfg.IdleTimeout {
				s.close(sess, ErrIdle, protocol.Close{Reason: "idle"})
				continue
			}
			for _, req := range sess.requests {
				s.pump(sess, req)
			}
		}
	}
	if s.stopping {
		return
	}
	if s.lastGossip.IsZero() || now.Sub(s.lastGossip) >= s.cfg.GossipInterval {
		s.lastGossip = now
		s.refreshInventory(true)
	} else if s.announcePending {
		s.refreshInventory(false)
	}
	for _, addr := range s.dials.Due(now) {
		log.Debug().Msgf("service.Service.Tick dial remote=%s", addr)
		s.emit(reactor.Dial{Addr: addr})
	}
}

func (s *Service) Command(cmd any) {
	switch c := cmd.(type) {
	case PeersCommand:
		reply(c.Reply, PeersReply{Peers: s.Peers(), Dials: s.dials.List()})
	case FetchCommand:
		s.fetch(c)
	case ConnectCommand:
		if c.Persistent {
			s.dials.Add(c.Addr, s.now())
		} else {
			s.emit(reactor.Dial{Addr: c.Addr})
		}
		reply(c.Reply, error(nil))
	default:
		log.Warn().Msgf("service.Service.Command unknown %T", cmd)
	}
}

func (s *Service) Stopping() {
	s.stopping = true
	for _, sess := range s.sessions {
		if sess.State == Established {
			s.close(sess, ErrShutdown, protocol.Close{Reason: "shutdown"})
		}
	}
}

// Peers returns a snapshot of every session ordered by slot.
func (s *Service) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		info := PeerInfo{
			Slot:        sess.Slot,
			Link:        sess.Link.String(),
			Addr:        sess.Addr,
			State:       sess.State.String(),
			Agent:       sess.Agent,
			ConnectedAt: sess.ConnectedAt,
			LastActive:  sess.LastActive,
			Requests:    len(sess.requests),
			Serving:     len(sess.serving),
		}
		if !sess.Node.IsZero() {
			info.Node = sess.Node.String()
		}
		for repo := range sess.inventory {
			info.Inventory = append(info.Inventory, string(repo))
		}
		sort.Strings(info.Inventory)
		for repo, objects := range sess.tips {
			for object, tip := range objects {
				info.Tips = append(info.Tips, TipInfo{Repo: string(repo), Object: string(object), Tip: string(tip)})
			}
		}
		sort.Slice(info.Tips, func(i, j int) bool {
			if info.Tips[i].Repo != info.Tips[j].Repo {
				return info.Tips[i].Repo < info.Tips[j].Repo
			}
			return info.Tips[i].Object < info.Tips[j].Object
		})
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func reply[T any](ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
		log.Warn().Msgf("service.reply dropped %T", v)
	}
}

func newNonce() []byte {
	b := make([]byte, nonceLen)
	if _, err := rand.Read(b); err != nil {
		panic("service: nonce: " + err.Error())
	}
	return b
}

func closeLabel(reason error) string {
	var (
		v  *Violation
		te *reactor.TransportError
		pe *protocol.ParseError
	)
	switch {
	case reason == nil:
		return "closed"
	case errors.As(reason, &v):
		return "violation"
	case errors.As(reason, &pe):
		return "parse"
	case errors.As(reason, &te):
		return "transport"
	case errors.Is(reason, ErrIdle):
		return "idle"
	case errors.Is(reason, ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(reason, ErrPeerClosed):
		return "peer_closed"
	case errors.Is(reason, ErrBlocked):
		return "blocked"
	case errors.Is(reason, ErrShutdown), errors.Is(reason, reactor.ErrStopped):
		return "shutdown"
	case errors.Is(reason, reactor.ErrEncode):
		return "encode"
	default:
		return "error"
	}
}
