// Package queue provides the bounded FIFO used between stream readers and
// their consumers.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

type Policy int

const (
	// DropOldest evicts the head of a full queue so producers never block.
	DropOldest Policy = iota
	// Block makes the producer wait for room or for its context to end.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "drop_oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropOldest, fmt.Errorf("unknown queue overflow policy %q", raw)
	}
}

type Queue[T any] struct {
	name    string
	policy  Policy
	items   chan T
	pushMu  sync.Mutex
	dropped atomic.Uint64
}

func New[T any](name string, capacity int, policy Policy) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		name:   name,
		policy: policy,
		items:  make(chan T, capacity),
	}
}

// Push enqueues v. With DropOldest it never blocks; with Block it returns
// ctx.Err() if the queue stays full until ctx ends.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	if q.policy == Block {
		select {
		case q.items <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	for {
		select {
		case q.items <- v:
			return nil
		default:
		}
		select {
		case <-q.items:
			q.dropped.Add(1)
		default:
		}
	}
}

// Pop waits for the next item.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	select {
	case v := <-q.items:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryPop returns the head without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.items:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// C exposes the receive side for select loops.
func (q *Queue[T]) C() <-chan T { return q.items }

func (q *Queue[T]) Name() string    { return q.name }
func (q *Queue[T]) Policy() Policy  { return q.policy }
func (q *Queue[T]) Len() int        { return len(q.items) }
func (q *Queue[T]) Cap() int        { return cap(q.items) }
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
