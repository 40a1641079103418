// Package reactor runs the single-threaded readiness loop that owns every
// socket. Handlers react to events and answer with Actions.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/queue"
	"github.com/danmuck/peerctl/internal/slot"
	"github.com/danmuck/peerctl/internal/worker"
)

const (
	maxReadsPerEvent   = 16
	maxAcceptsPerEvent = 64
	maxApplyRounds     = 16
)

type Config struct {
	// ListenAddr is left empty for a dial-only reactor.
	ListenAddr string
	// PollInterval bounds how long one readiness wait may block.
	PollInterval    time.Duration
	ReadBufferSize  int
	MaxWriteBuffer  int
	MaxEvents       int
	CommandCapacity int
	InitialSlot     slot.Slot
	Limits          frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:9470",
		PollInterval:    time.Second,
		ReadBufferSize:  64 << 10,
		MaxWriteBuffer:  16 << 20,
		MaxEvents:       128,
		CommandCapacity: 64,
		InitialSlot:     slot.DefaultInitial,
		Limits:          frame.DefaultLimits(),
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.MaxWriteBuffer <= 0 {
		c.MaxWriteBuffer = d.MaxWriteBuffer
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.CommandCapacity <= 0 {
		c.CommandCapacity = d.CommandCapacity
	}
	if c.InitialSlot == slot.Waker {
		c.InitialSlot = d.InitialSlot
	}
	c.Limits = c.Limits.WithDefaults()
	return c
}

type peer struct {
	slot       slot.Slot
	conn       *fdConn
	link       Link
	addr       string
	inbox      *protocol.Deserializer
	out        []byte
	interest   Interest
	connecting bool
	failed     bool
	err        error
}

type Reactor struct {
	cfg        Config
	handler    Handler
	results    *queue.Bounded[worker.Result]
	poller     poller
	slots      *slot.Registry
	listener   *fdListener
	listenSlot slot.Slot
	peers      map[slot.Slot]*peer
	timers     Timer
	controller *Controller
	readBuf    []byte
	wraps      uint64
	running    atomic.Bool
}

// New binds the listener immediately so LocalAddr is known before Run.
// results may be nil when no worker pool feeds this reactor.
func New(cfg Config, handler Handler, results *queue.Bounded[worker.Result]) (*Reactor, error) {
	cfg = cfg.WithDefaults()
	p, err := newPoller(cfg.MaxEvents)
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		cfg:     cfg,
		handler: handler,
		results: results,
		poller:  p,
		slots:   slot.NewRegistry(cfg.InitialSlot),
		peers:   make(map[slot.Slot]*peer),
		readBuf: make([]byte, cfg.ReadBufferSize),
	}
	r.controller = newController(cfg.CommandCapacity, p.Wake)
	if cfg.ListenAddr != "" {
		l, err := listenTCP(cfg.ListenAddr)
		if err != nil {
			return nil, multierr.Append(err, p.Close())
		}
		r.listener = l
		r.listenSlot = r.slots.Allocate()
		if err := p.Add(l.Fd(), r.listenSlot, Readable); err != nil {
			return nil, multierr.Combine(err, l.Close(), p.Close())
		}
		log.Info().Msgf("reactor.New listening addr=%s slot=%d", l.Addr(), r.listenSlot)
	}
	return r, nil
}

func (r *Reactor) Controller() *Controller {
	return r.controller
}

// LocalAddr is the bound listen address, empty for a dial-only reactor.
func (r *Reactor) LocalAddr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr()
}

// Run drives the loop until ctx is done or Shutdown is requested.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reactor: already running")
	}
	stop := context.AfterFunc(ctx, func() { _ = r.controller.Shutdown() })
	defer stop()

	log.Info().Msgf("reactor.Reactor.Run poll=%s events=%d", r.cfg.PollInterval, r.cfg.MaxEvents)
	events := make([]Event, r.cfg.MaxEvents)
	for !r.controller.stopping() {
		n, err := r.poller.Wait(events, r.waitTimeout(time.Now()))
		if err != nil {
			log.Error().Msgf("reactor.Reactor.Run wait err=%v", err)
			return multierr.Append(err, r.shutdown())
		}
		r.dispatch(events[:n])
		r.drainResults()
		now := time.Now()
		r.timers.Expire(now)
		r.handler.Tick(now)
		r.apply()
		r.recordWraps()
	}
	return r.shutdown()
}

func (r *Reactor) waitTimeout(now time.Time) time.Duration {
	d := r.cfg.PollInterval
	if next, ok := r.timers.Next(now); ok && next < d {
		d = next
	}
	return d
}

// dispatch handles the wake source before any socket readiness.
func (r *Reactor) dispatch(events []Event) {
	for _, ev := range events {
		if ev.Slot == slot.Waker {
			if err := r.poller.DrainWake(); err != nil {
				log.Warn().Msgf("reactor.Reactor.dispatch drain wake err=%v", err)
			}
			r.drainCommands()
			break
		}
	}
	for _, ev := range events {
		switch {
		case ev.Slot == slot.Waker:
		case r.listener != nil && ev.Slot == r.listenSlot:
			r.accept()
		default:
			if p := r.peers[ev.Slot]; p != nil {
				r.service(p, ev)
			}
		}
	}
}

func (r *Reactor) drainCommands() {
	for {
		cmd, ok := r.controller.commands.TryPop()
		if !ok {
			return
		}
		r.handler.Command(cmd)
	}
}

func (r *Reactor) drainResults() {
	if r.results == nil {
		return
	}
	for i := 0; i < r.results.Cap(); i++ {
		res, ok := r.results.TryPop()
		if !ok {
			return
		}
		r.handler.WorkDone(res)
	}
}

func (r *Reactor) accept() {
	for i := 0; i < maxAcceptsPerEvent; i++ {
		conn, addr, err := r.listener.Accept()
		if errors.Is(err, errWouldBlock) {
			return
		}
		if err != nil {
			log.Warn().Msgf("reactor.Reactor.accept err=%v", err)
			return
		}
		if _, err := r.attach(conn, Inbound, addr); err != nil {
			log.Warn().Msgf("reactor.Reactor.accept attach addr=%s err=%v", addr, err)
		}
	}
}

// attach registers an established connection and reports it to the handler.
func (r *Reactor) attach(conn *fdConn, link Link, addr string) (slot.Slot, error) {
	s := r.slots.Allocate()
	if err := r.poller.Add(conn.Fd(), s, Readable); err != nil {
		return 0, multierr.Append(err, conn.Close())
	}
	r.peers[s] = r.newPeer(s, conn, link, addr, Readable)
	log.Debug().Msgf("reactor.Reactor.attach slot=%d link=%s addr=%s", s, link, addr)
	r.handler.Connected(s, link, addr)
	return s, nil
}

func (r *Reactor) newPeer(s slot.Slot, conn *fdConn, link Link, addr string, in Interest) *peer {
	return &peer{
		slot:     s,
		conn:     conn,
		link:     link,
		addr:     addr,
		inbox:    protocol.NewDeserializer(r.cfg.Limits),
		interest: in,
	}
}

func (r *Reactor) dial(addr string) {
	conn, err := dialTCP(addr)
	if err != nil {
		r.handler.DialFailed(addr, err)
		return
	}
	s := r.slots.Allocate()
	if err := r.poller.Add(conn.Fd(), s, Writable); err != nil {
		_ = conn.Close()
		r.handler.DialFailed(addr, err)
		return
	}
	p := r.newPeer(s, conn, Outbound, addr, Writable)
	p.connecting = true
	r.peers[s] = p
	log.Debug().Msgf("reactor.Reactor.dial slot=%d addr=%s", s, addr)
}

func (r *Reactor) service(p *peer, ev Event) {
	if p.failed {
		return
	}
	if p.connecting {
		if !ev.Writable && !ev.Error && !ev.Hangup {
			return
		}
		if err := p.conn.SocketError(); err != nil {
			r.abandonDial(p, &TransportError{Op: "dial", Addr: p.addr, Err: err})
			return
		}
		p.connecting = false
		r.updateInterest(p)
		log.Debug().Msgf("reactor.Reactor.service connected slot=%d addr=%s", p.slot, p.addr)
		r.handler.Connected(p.slot, Outbound, p.addr)
		if len(p.out) > 0 {
			r.flush(p)
		}
		return
	}
	if ev.Readable || ev.Hangup || ev.Error {
		r.read(p)
	}
	if !p.failed && ev.Writable {
		r.flush(p)
	}
}

func (r *Reactor) abandonDial(p *peer, err error) {
	_ = r.poller.Remove(p.conn.Fd())
	_ = p.conn.Close()
	delete(r.peers, p.slot)
	log.Debug().Msgf("reactor.Reactor.abandonDial slot=%d err=%v", p.slot, err)
	r.handler.DialFailed(p.addr, err)
}

func (r *Reactor) read(p *peer) {
	for i := 0; i < maxReadsPerEvent; i++ {
		n, err := p.conn.Read(r.readBuf)
		if n > 0 {
			msgs, ferr := p.inbox.Feed(r.readBuf[:n])
			for _, msg := range msgs {
				observability.RecordMessage("in", msg.Type().String())
				r.handler.Received(p.slot, msg)
			}
			if ferr != nil {
				observability.RecordParseError()
				r.fail(p, ferr)
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, errWouldBlock):
			return
		default:
			r.fail(p, &TransportError{Op: "read", Addr: p.addr, Err: err})
			return
		}
	}
}

// fail stops polling the peer and reports err. Peers the handler leaves
// failed are closed at the end of the iteration.
func (r *Reactor) fail(p *peer, err error) {
	if p.failed {
		return
	}
	p.failed = true
	p.err = err
	_ = r.poller.Remove(p.conn.Fd())
	log.Debug().Msgf("reactor.Reactor.fail slot=%d addr=%s err=%v", p.slot, p.addr, err)
	r.handler.Failed(p.slot, err)
}

func (r *Reactor) send(p *peer, msg protocol.Message) {
	b, err := protocol.EncodeWithLimits(msg, r.cfg.Limits)
	if err != nil {
		log.Error().Msgf("reactor.Reactor.send encode slot=%d type=%s err=%v", p.slot, msg.Type(), err)
		r.fail(p, fmt.Errorf("%w %s: %w", ErrEncode, msg.Type(), err))
		return
	}
	if len(p.out)+len(b) > r.cfg.MaxWriteBuffer {
		r.fail(p, &TransportError{Op: "write", Addr: p.addr, Err: ErrWriteBufferFull})
		return
	}
	p.out = append(p.out, b...)
	observability.RecordMessage("out", msg.Type().String())
	if !p.connecting && !p.failed {
		r.flush(p)
	}
}

func (r *Reactor) flush(p *peer) {
	pending := len(p.out) > 0
	if err := r.write(p); err != nil {
		r.fail(p, &TransportError{Op: "write", Addr: p.addr, Err: err})
		return
	}
	r.updateInterest(p)
	if pending && len(p.out) == 0 && !p.failed {
		r.handler.Flushed(p.slot)
	}
}

// write pushes buffered bytes until the socket would block.
func (r *Reactor) write(p *peer) error {
	for len(p.out) > 0 {
		n, err := p.conn.Write(p.out)
		if n > 0 {
			p.out = p.out[n:]
		}
		if errors.Is(err, errWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	p.out = nil
	return nil
}

func (r *Reactor) updateInterest(p *peer) {
	want := Readable
	if len(p.out) > 0 {
		want |= Writable
	}
	if want == p.interest {
		return
	}
	if err := r.poller.Modify(p.conn.Fd(), p.slot, want); err != nil {
		r.fail(p, err)
		return
	}
	p.interest = want
}

func (r *Reactor) disconnect(p *peer, reason error) {
	if !p.connecting {
		_ = r.write(p)
	}
	if !p.failed {
		_ = r.poller.Remove(p.conn.Fd())
	}
	if err := p.conn.Close(); err != nil {
		log.Debug().Msgf("reactor.Reactor.disconnect close slot=%d err=%v", p.slot, err)
	}
	delete(r.peers, p.slot)
	log.Debug().Msgf("reactor.Reactor.disconnect slot=%d addr=%s reason=%v", p.slot, p.addr, reason)
	if p.connecting {
		r.handler.DialFailed(p.addr, reason)
		return
	}
	r.handler.Disconnected(p.slot, reason)
}

// apply executes handler actions until none remain, then closes peers that
// failed without being disconnected.
func (r *Reactor) apply() {
	for round := 0; round < maxApplyRounds; round++ {
		actions := r.handler.Drain()
		if len(actions) == 0 {
			break
		}
		for _, a := range actions {
			r.execute(a)
		}
	}
	for _, p := range r.peers {
		if p.failed {
			r.disconnect(p, p.err)
		}
	}
}

func (r *Reactor) execute(a Action) {
	switch a := a.(type) {
	case Send:
		if p := r.peers[a.Slot]; p != nil {
			r.send(p, a.Message)
		}
	case Disconnect:
		if p := r.peers[a.Slot]; p != nil {
			r.disconnect(p, a.Reason)
		}
	case Dial:
		r.dial(a.Addr)
	case Wakeup:
		r.timers.Set(time.Now().Add(a.After))
	default:
		log.Warn().Msgf("reactor.Reactor.execute unknown action %T", a)
	}
}

func (r *Reactor) recordWraps() {
	if w := r.slots.Wraps(); w > r.wraps {
		observability.RecordSlotWraps(w - r.wraps)
		r.wraps = w
	}
}

// Close releases the listener and poller of a reactor that never ran. After
// Run it is a no-op.
func (r *Reactor) Close() error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if r.listener != nil {
		err = multierr.Append(err, r.listener.Close())
	}
	return multierr.Append(err, r.poller.Close())
}

func (r *Reactor) shutdown() error {
	log.Info().Msgf("reactor.Reactor.shutdown peers=%d", len(r.peers))
	r.handler.Stopping()
	r.apply()
	for _, p := range r.peers {
		r.disconnect(p, ErrStopped)
	}
	r.handler.Drain()
	var err error
	if r.listener != nil {
		err = multierr.Append(err, r.poller.Remove(r.listener.Fd()))
		err = multierr.Append(err, r.listener.Close())
	}
	err = multierr.Append(err, r.poller.Close())
	r.controller.commands.Close()
	return err
}
