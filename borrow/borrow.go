// Package borrow provides a cross-goroutine hand-off channel: a
// Lender[T] owned by the goroutine that owns a mutable value, paired with
// cloneable Borrower[T] handles held by anyone else.
//
// A borrower submits a closure over the value and suspends until the
// owner has run it; the owner services at most one closure at a time, in
// submission order, at points of its own choosing. The value itself is
// never shared, so no lock guards it: exclusivity follows from the owner
// running every closure on its own goroutine, between its own uses of the
// value.
package borrow

import (
	"context"
	"errors"
)

// ErrClosed is returned from Borrow when the lender closed, or closes
// while the borrow is outstanding.
var ErrClosed = errors.New("borrow: channel closed")

// Request is a single pending borrow.
type Request[T any] struct {
	fn   func(*T)
	done chan struct{}
}

// Grant runs the request's closure against v and releases the waiting
// borrower. The closure has exclusive access to v until Grant returns.
func (r *Request[T]) Grant(v *T) {
	r.fn(v)
	close(r.done)
}

// Lender is the owner-side half. Exactly one goroutine, the one owning
// the value, may use it.
type Lender[T any] struct {
	reqs    chan *Request[T]
	closed  chan struct{}
	pending *Request[T]
}

// Borrower is the caller-side half. It is a value; copies share the same
// underlying channel and may be used from any number of goroutines.
type Borrower[T any] struct {
	reqs   chan *Request[T]
	closed chan struct{}
}

// New creates a connected Lender/Borrower pair.
func New[T any]() (*Lender[T], Borrower[T]) {
	reqs := make(chan *Request[T])
	closed := make(chan struct{})
	return &Lender[T]{reqs: reqs, closed: closed}, Borrower[T]{reqs: reqs, closed: closed}
}

// Borrow submits fn and blocks until the owner has run it, returning nil,
// or until the lender closes, returning ErrClosed. The context only
// bounds the wait to enqueue: once the request is accepted the closure is
// guaranteed to either run or be resolved by Close.
func (b Borrower[T]) Borrow(ctx context.Context, fn func(*T)) error {
	req := &Request[T]{fn: fn, done: make(chan struct{})}

	select {
	case b.reqs <- req:
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-b.closed:
		// Grant and Close can race; prefer the grant if it happened.
		select {
		case <-req.done:
			return nil
		default:
		}
		return ErrClosed
	}
}

// Requests exposes the pending borrow queue for use in a select loop.
// Pass a received request to Request.Grant.
func (l *Lender[T]) Requests() <-chan *Request[T] {
	return l.reqs
}

// WaitToLend blocks until a borrow request is pending, then returns nil.
// The request is held until the next Lend call.
func (l *Lender[T]) WaitToLend(ctx context.Context) error {
	if l.pending != nil {
		return nil
	}
	select {
	case req := <-l.reqs:
		l.pending = req
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lend services exactly one pending borrow against v, if any, and reports
// whether one ran.
func (l *Lender[T]) Lend(v *T) bool {
	req := l.pending
	l.pending = nil
	if req == nil {
		select {
		case req = <-l.reqs:
		default:
			return false
		}
	}
	req.Grant(v)
	return true
}

// Close resolves every outstanding and future Borrow with ErrClosed. The
// owner must call it when its loop exits so borrowers cannot hang on a
// vanished lender. Close must not be called twice.
func (l *Lender[T]) Close() {
	close(l.closed)
}
