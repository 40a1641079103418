//go:build linux

package reactor

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/protocol/frame"
	"github.com/danmuck/peerctl/internal/slot"
	"github.com/danmuck/peerctl/internal/testutil/testlog"
	"github.com/danmuck/peerctl/internal/worker"
)

type record struct {
	kind string
	slot slot.Slot
	link Link
	addr string
	msg  protocol.Message
	err  error
	cmd  any
}

type recordingHandler struct {
	mu        sync.Mutex
	pending   []Action
	records   chan record
	ticks     chan time.Time
	onReceive func(s slot.Slot, msg protocol.Message) []Action
	onCommand func(cmd any) []Action
	flushes   atomic.Int64
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{records: make(chan record, 128), ticks: make(chan time.Time, 1024)}
}

func (h *recordingHandler) queue(actions []Action) {
	h.mu.Lock()
	h.pending = append(h.pending, actions...)
	h.mu.Unlock()
}

func (h *recordingHandler) emit(r record) {
	select {
	case h.records <- r:
	default:
	}
}

func (h *recordingHandler) Connected(s slot.Slot, link Link, addr string) {
	h.emit(record{kind: "connected", slot: s, link: link, addr: addr})
}

func (h *recordingHandler) DialFailed(addr string, err error) {
	h.emit(record{kind: "dial_failed", addr: addr, err: err})
}

func (h *recordingHandler) Received(s slot.Slot, msg protocol.Message) {
	h.emit(record{kind: "received", slot: s, msg: msg})
	if h.onReceive != nil {
		h.queue(h.onReceive(s, msg))
	}
}

func (h *recordingHandler) Failed(s slot.Slot, err error) {
	h.emit(record{kind: "failed", slot: s, err: err})
}

func (h *recordingHandler) Flushed(slot.Slot) {
	h.flushes.Add(1)
}

func (h *recordingHandler) Disconnected(s slot.Slot, reason error) {
	h.emit(record{kind: "disconnected", slot: s, err: reason})
}

func (h *recordingHandler) WorkDone(res worker.Result) {
	h.emit(record{kind: "work", slot: res.Item.Slot})
}

func (h *recordingHandler) Command(cmd any) {
	h.emit(record{kind: "command", cmd: cmd})
	if h.onCommand != nil {
		h.queue(h.onCommand(cmd))
	}
}

func (h *recordingHandler) Tick(now time.Time) {
	select {
	case h.ticks <- now:
	default:
	}
}

func (h *recordingHandler) Stopping() {
	h.emit(record{kind: "stopping"})
}

func (h *recordingHandler) Drain() []Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pending
	h.pending = nil
	return out
}

func expect(t *testing.T, h *recordingHandler, kind string) record {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case r := <-h.records:
			if r.kind == kind {
				return r
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func newReactor(t *testing.T, cfg Config, h Handler) *Reactor {
	t.Helper()
	r, err := New(cfg, h, nil)
	if err != nil {
		t.Fatalf("new reactor: %v", err)
	}
	return r
}

func run(t *testing.T, r *Reactor) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("reactor did not stop")
		}
	})
	return cancel, done
}

// pair attaches one end of a socketpair and returns the other as a net.Conn.
func pair(t *testing.T, r *Reactor) (slot.Slot, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	s, err := r.attach(&fdConn{fd: fds[0]}, Inbound, "pair")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	f := os.NewFile(uintptr(fds[1]), "pair")
	remote, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		t.Fatalf("file conn: %v", err)
	}
	t.Cleanup(func() { _ = remote.Close() })
	return s, remote
}

func readMessage(t *testing.T, c net.Conn) protocol.Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	head := make([]byte, frame.HeaderLen)
	if _, err := io.ReadFull(c, head); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := frame.DecodeHeader(head)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	body := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(c, body); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	msg, err := protocol.Decode(append(head, body...))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func dialOnly() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = ""
	return cfg
}

func TestSlotPacking(t *testing.T) {
	testlog.Start(t)
	for _, s := range []slot.Slot{1, 1 << 31, 1<<32 + 7, ^slot.Slot(0)} {
		var ev unix.EpollEvent
		packSlot(&ev, s)
		if got := unpackSlot(&ev); got != s {
			t.Fatalf("slot %d came back as %d", s, got)
		}
	}
}

func TestReactorDeliversAndReplies(t *testing.T) {
	testlog.Start(t)
	h := newRecordingHandler()
	h.onReceive = func(s slot.Slot, msg protocol.Message) []Action {
		return []Action{Send{Slot: s, Message: protocol.Close{Reason: "ack"}}}
	}
	r := newReactor(t, dialOnly(), h)
	s, remote := pair(t, r)
	expect(t, h, "connected")
	run(t, r)

	b, err := protocol.Encode(protocol.Close{Reason: "bye"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Split the frame to exercise partial reads.
	if _, err := remote.Write(b[:3]); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := remote.Write(b[3:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := expect(t, h, "received")
	if got.slot != s {
		t.Fatalf("wrong slot: %d", got.slot)
	}
	if c, ok := got.msg.(protocol.Close); !ok || c.Reason != "bye" {
		t.Fatalf("unexpected message: %#v", got.msg)
	}
	reply := readMessage(t, remote)
	if c, ok := reply.(protocol.Close); !ok || c.Reason != "ack" {
		t.Fatalf("unexpected reply: %#v", reply)
	}
}

func TestReactorParseErrorClosesPeer(t *testing.T) {
	testlog.Start(t)
	h := newRecordingHandler()
	r := newReactor(t, dialOnly(), h)
	s, remote := pair(t, r)
	run(t, r)

	if _, err := remote.Write([]byte{9, 1, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	failed := expect(t, h, "failed")
	if failed.slot != s || !errors.Is(failed.err, frame.ErrUnsupportedVersion) {
		t.Fatalf("unexpected failure: %+v", failed)
	}
	if d := expect(t, h, "disconnected"); d.slot != s {
		t.Fatalf("wrong slot disconnected: %d", d.slot)
	}
	_ = remote.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := remote.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

func TestReactorRemoteCloseReportsTransportError(t *testing.T) {
	testlog.Start(t)
	h := newRecordingHandler()
	r := newReactor(t, dialOnly(), h)
	s, remote := pair(t, r)
	run(t, r)

	_ = remote.Close()
	failed := expect(t, h, "failed")
	var te *TransportError
	if failed.slot != s || !errors.As(failed.err, &te) || !errors.Is(te, io.EOF) {
		t.Fatalf("unexpected failure: %+v", failed)
	}
	expect(t, h, "disconnected")
}

func TestReactorCommandWakesLoop(t *testing.T) {
	testlog.Start(t)
	cfg := dialOnly()
	cfg.PollInterval = time.Hour
	h := newRecordingHandler()
	r := newReactor(t, cfg, h)
	run(t, r)

	if err := r.Controller().Command("ping"); err != nil {
		t.Fatalf("command: %v", err)
	}
	if got := expect(t, h, "command"); got.cmd != "ping" {
		t.Fatalf("unexpected command %v", got.cmd)
	}
}

func TestReactorWakeupSchedulesTick(t *testing.T) {
	testlog.Start(t)
	cfg := dialOnly()
	cfg.PollInterval = time.Hour
	h := newRecordingHandler()
	h.onCommand = func(any) []Action { return []Action{Wakeup{After: 20 * time.Millisecond}} }
	r := newReactor(t, cfg, h)
	run(t, r)

	if err := r.Controller().Command("arm"); err != nil {
		t.Fatalf("command: %v", err)
	}
	expect(t, h, "command")
	// The command iteration ticks once; the timer must produce another.
	ticks := 0
	deadline := time.After(2 * time.Second)
	for ticks < 2 {
		select {
		case <-h.ticks:
			ticks++
		case <-deadline:
			t.Fatalf("timer did not wake the loop, ticks=%d", ticks)
		}
	}
}

func TestReactorDialAndAccept(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	h := newRecordingHandler()
	h.onCommand = func(cmd any) []Action { return []Action{Dial{Addr: cmd.(string)}} }
	r := newReactor(t, cfg, h)
	run(t, r)

	if err := r.Controller().Command(r.LocalAddr()); err != nil {
		t.Fatalf("command: %v", err)
	}
	seen := map[Link]bool{}
	for len(seen) < 2 {
		c := expect(t, h, "connected")
		seen[c.link] = true
	}
}

func TestReactorDialFailure(t *testing.T) {
	testlog.Start(t)
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := probe.Addr().String()
	_ = probe.Close()

	h := newRecordingHandler()
	h.onCommand = func(any) []Action { return []Action{Dial{Addr: addr}} }
	r := newReactor(t, dialOnly(), h)
	run(t, r)

	if err := r.Controller().Command("dial"); err != nil {
		t.Fatalf("command: %v", err)
	}
	if got := expect(t, h, "dial_failed"); got.addr != addr || got.err == nil {
		t.Fatalf("unexpected dial failure record: %+v", got)
	}
}

func TestReactorShutdownClosesPeers(t *testing.T) {
	testlog.Start(t)
	h := newRecordingHandler()
	r := newReactor(t, dialOnly(), h)
	s, _ := pair(t, r)
	cancel, done := run(t, r)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
		done <- nil
	case <-time.After(3 * time.Second):
		t.Fatalf("reactor did not stop")
	}
	expect(t, h, "stopping")
	d := expect(t, h, "disconnected")
	if d.slot != s || !errors.Is(d.err, ErrStopped) {
		t.Fatalf("unexpected disconnect: %+v", d)
	}
	if err := r.Controller().Command("late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestReactorEncodeFailureFailsPeer(t *testing.T) {
	testlog.Start(t)
	cfg := dialOnly()
	cfg.Limits = frame.Limits{MaxPayloadBytes: 64}
	h := newRecordingHandler()
	h.onReceive = func(s slot.Slot, msg protocol.Message) []Action {
		return []Action{Send{Slot: s, Message: protocol.ObjectChunk{RequestID: 1, Final: true, Data: make([]byte, 128)}}}
	}
	r := newReactor(t, cfg, h)
	s, remote := pair(t, r)
	run(t, r)

	b, err := protocol.Encode(protocol.Close{Reason: "go"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := remote.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
	failed := expect(t, h, "failed")
	if failed.slot != s || !errors.Is(failed.err, ErrEncode) || !errors.Is(failed.err, frame.ErrPayloadTooLarge) {
		t.Fatalf("unexpected failure: %+v", failed)
	}
	if d := expect(t, h, "disconnected"); d.slot != s {
		t.Fatalf("wrong slot disconnected: %d", d.slot)
	}
	_ = remote.SetReadDeadline(time.Now().Add(3 * time.Second))
	if n, err := remote.Read(make([]byte, 1)); n != 0 || err != io.EOF {
		t.Fatalf("nothing may be written for an unencodable message, n=%d err=%v", n, err)
	}
}

func TestReactorReportsFlushedWriteBuffer(t *testing.T) {
	testlog.Start(t)
	h := newRecordingHandler()
	h.onCommand = func(cmd any) []Action {
		return []Action{Send{Slot: cmd.(slot.Slot), Message: protocol.Close{Reason: "flush me"}}}
	}
	r := newReactor(t, dialOnly(), h)
	s, remote := pair(t, r)
	run(t, r)

	if err := r.Controller().Command(s); err != nil {
		t.Fatalf("command: %v", err)
	}
	if c, ok := readMessage(t, remote).(protocol.Close); !ok || c.Reason != "flush me" {
		t.Fatalf("unexpected message %#v", c)
	}
	deadline := time.Now().Add(3 * time.Second)
	for h.flushes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no Flushed after the write buffer emptied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
