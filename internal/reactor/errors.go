package reactor

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupported      = errors.New("reactor: platform not supported")
	ErrWriteBufferFull  = errors.New("reactor: write buffer full")
	ErrCommandQueueFull = errors.New("reactor: command queue full")
	ErrStopped          = errors.New("reactor: stopped")
	ErrEncode           = errors.New("reactor: cannot encode outbound message")

	errWouldBlock = errors.New("reactor: would block")
)

// TransportError is a socket level failure on one peer.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("reactor: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("reactor: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
