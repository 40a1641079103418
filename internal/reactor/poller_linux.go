//go:build linux

package reactor

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
	"go.uber.org/multierr"

	"github.com/danmuck/peerctl/internal/slot"
)

type epollPoller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

func newPoller(maxEvents int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &TransportError{Op: "epoll_create", Err: err}
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, &TransportError{Op: "eventfd", Err: err}
	}
	p := &epollPoller{epfd: epfd, wakefd: wakefd, raw: make([]unix.EpollEvent, maxEvents)}
	if err := p.Add(wakefd, slot.Waker, Readable); err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	return p, nil
}

func epollMask(in Interest) uint32 {
	var mask uint32 = unix.EPOLLRDHUP
	if in&Readable != 0 {
		mask |= unix.EPOLLIN
	}
	if in&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// The slot rides in the Fd and Pad words of the event so the full 64 bits
// come back from the kernel.
func packSlot(ev *unix.EpollEvent, s slot.Slot) {
	ev.Fd = int32(uint32(s))
	ev.Pad = int32(uint32(uint64(s) >> 32))
}

func unpackSlot(ev *unix.EpollEvent) slot.Slot {
	return slot.Slot(uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32)
}

func (p *epollPoller) ctl(op, fd int, s slot.Slot, in Interest) error {
	ev := unix.EpollEvent{Events: epollMask(in)}
	packSlot(&ev, s)
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return &TransportError{Op: "epoll_ctl", Err: err}
	}
	return nil
}

func (p *epollPoller) Add(fd int, s slot.Slot, in Interest) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, s, in)
}

func (p *epollPoller) Modify(fd int, s slot.Slot, in Interest) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, s, in)
}

func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return &TransportError{Op: "epoll_ctl", Err: err}
	}
	return nil
}

func (p *epollPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	limit := len(events)
	if limit > len(p.raw) {
		limit = len(p.raw)
	}
	n, err := unix.EpollWait(p.epfd, p.raw[:limit], msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, &TransportError{Op: "epoll_wait", Err: err}
	}
	for i := 0; i < n; i++ {
		raw := &p.raw[i]
		events[i] = Event{
			Slot:     unpackSlot(raw),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hangup:   raw.Events&unix.EPOLLHUP != 0,
			Error:    raw.Events&unix.EPOLLERR != 0,
		}
	}
	return n, nil
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakefd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return &TransportError{Op: "wake", Err: err}
	}
	return nil
}

func (p *epollPoller) DrainWake() error {
	var buf [8]byte
	if _, err := unix.Read(p.wakefd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return &TransportError{Op: "wake", Err: err}
	}
	return nil
}

func (p *epollPoller) Close() error {
	return multierr.Combine(unix.Close(p.wakefd), unix.Close(p.epfd))
}
