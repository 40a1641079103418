package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/peerctl/internal/protocol/frame"
)

var (
	ErrTruncated      = errors.New("protocol: truncated data")
	ErrTrailingBytes  = errors.New("protocol: trailing bytes after frame")
	ErrInvalidValue   = errors.New("protocol: invalid field value")
	ErrUnknownMessage = errors.New("protocol: unknown message")
)

// ParseError is a fatal decode failure. A session that produced one must be
// torn down.
type ParseError struct {
	Type frame.Type
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type == 0 {
		return fmt.Sprintf("protocol: parse: %v", e.Err)
	}
	return fmt.Sprintf("protocol: parse %s: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// MissingFieldError indicates a required field was not present.
type MissingFieldError struct {
	Type    frame.Type
	FieldID uint16
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("protocol: %s missing required field %d", e.Type, e.FieldID)
}
