// Package queue provides a fixed-capacity FIFO shared between goroutines.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrFull   = errors.New("queue: full")
	ErrClosed = errors.New("queue: closed")
)

// Policy decides what Push does when the queue is at capacity.
type Policy int

const (
	// PolicyReject fails the push with ErrFull.
	PolicyReject Policy = iota
	// PolicyBlock waits for space or context cancellation.
	PolicyBlock
)

func (p Policy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyBlock:
		return "block"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "reject":
		return PolicyReject, nil
	case "block":
		return PolicyBlock, nil
	default:
		return 0, fmt.Errorf("queue: unknown policy %q", raw)
	}
}

// Bounded is a FIFO that never holds more than its capacity.
type Bounded[T any] struct {
	items  chan T
	policy Policy

	closeOnce sync.Once
	done      chan struct{}
}

func New[T any](capacity int, policy Policy) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		items:  make(chan T, capacity),
		policy: policy,
		done:   make(chan struct{}),
	}
}

// Push enqueues item according to the queue policy.
func (q *Bounded[T]) Push(ctx context.Context, item T) error {
	if q.policy == PolicyReject {
		return q.TryPush(item)
	}
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.items <- item:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues item or returns ErrFull without blocking.
func (q *Bounded[T]) TryPush(item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.items <- item:
		return nil
	default:
		return ErrFull
	}
}

// Pop waits for the next item. Items left at Close are still delivered.
func (q *Bounded[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-q.items:
		return item, nil
	default:
	}
	select {
	case item := <-q.items:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.items:
			return item, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (q *Bounded[T]) TryPop() (T, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
		var zero T
		return zero, false
	}
}

func (q *Bounded[T]) Len() int {
	return len(q.items)
}

func (q *Bounded[T]) Cap() int {
	return cap(q.items)
}

func (q *Bounded[T]) Policy() Policy {
	return q.policy
}

// Close stops further pushes and wakes blocked callers.
func (q *Bounded[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
