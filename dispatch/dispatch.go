// Package dispatch implements the two multi-handler fan-out shapes the
// broker needs once more than one Binding can subscribe to the same
// upstream event: an ordered notification Emitter, and a RequestGate that
// fans a single forwarded request out to every Binding's handler and
// merges their responses.
//
// Grounded on spec.md §4.4 and the snapshot-before-dispatch note in §9
// (subscribers that detach mid-dispatch must not shrink the in-flight
// fan-out list, and new subscribers must not be called for an event that
// was already in flight when they attached). errgroup.Group is used for
// the concurrent-call side of RequestGate to run every handler and wait
// for all of them; each call records its own result and error, and the
// merger decides the outcome from the full set, the same way dshills-keystorm's internal/lsp manager leans on it for
// fanning a shutdown signal out to concurrently-owned resources.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrHandlerCountMismatch is returned by SingleHandler's merger when the
// number of non-nil responses isn't exactly one, per spec.md's
// HandlerCountMismatch error taxonomy entry.
var ErrHandlerCountMismatch = errors.New("dispatch: expected exactly one handler to respond")

// Emitter is an ordered, snapshot-before-dispatch fan-out point for a
// notification-shaped event (no response, no error to collect). Handlers
// are invoked in subscription order against a snapshot of the subscriber
// list taken at the start of Emit, so a handler that unsubscribes itself
// mid-dispatch does not affect the current Emit call, and a handler added
// during dispatch is not invoked until the next Emit.
type Emitter[T any] struct {
	mu          sync.Mutex
	subscribers []*subscriber[T]
	nextID      uint64
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscription allows a caller to unsubscribe from an Emitter.
type Subscription struct {
	unsubscribe func()
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// NewEmitter returns an empty Emitter.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// On registers fn to be called on every future Emit, in registration
// order relative to other still-subscribed handlers.
func (e *Emitter[T]) On(fn func(T)) Subscription {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subscribers = append(e.subscribers, &subscriber[T]{id: id, fn: fn})
	e.mu.Unlock()

	return Subscription{unsubscribe: func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subscribers {
			if s.id == id {
				e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
				break
			}
		}
	}}
}

// Emit calls every currently-subscribed handler, in order, against a
// snapshot taken before the first call.
func (e *Emitter[T]) Emit(event T) {
	e.mu.Lock()
	snapshot := make([]*subscriber[T], len(e.subscribers))
	copy(snapshot, e.subscribers)
	e.mu.Unlock()

	for _, s := range snapshot {
		s.fn(event)
	}
}

// Len reports the current subscriber count, for tests.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers)
}

// Handler is a registered responder to a forwarded request, keyed by id so
// RequestGate can unsubscribe it later.
type Handler[P, R any] func(ctx context.Context, params P) (R, error)

// Merger combines the per-handler results of a RequestGate.Dispatch call
// into the single response the original requester receives.
type Merger[R any] func(results []R, errs []error) (R, error)

// RequestGate fans a forwarded request out to every registered handler
// concurrently and merges the results with Merger, per spec.md §4.4.
type RequestGate[P, R any] struct {
	mu       sync.Mutex
	handlers []*gateHandler[P, R]
	nextID   uint64
	merge    Merger[R]
}

type gateHandler[P, R any] struct {
	id uint64
	fn Handler[P, R]
}

// NewRequestGate returns a RequestGate that merges results with merge.
func NewRequestGate[P, R any](merge Merger[R]) *RequestGate[P, R] {
	return &RequestGate[P, R]{merge: merge}
}

// On registers fn as a handler for future Dispatch calls.
func (g *RequestGate[P, R]) On(fn Handler[P, R]) Subscription {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.handlers = append(g.handlers, &gateHandler[P, R]{id: id, fn: fn})
	g.mu.Unlock()

	return Subscription{unsubscribe: func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, h := range g.handlers {
			if h.id == id {
				g.handlers = append(g.handlers[:i], g.handlers[i+1:]...)
				break
			}
		}
	}}
}

// Len reports the current handler count, for tests.
func (g *RequestGate[P, R]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handlers)
}

// Dispatch calls every currently-registered handler concurrently against
// a snapshot taken before the first call, then merges the results.
func (g *RequestGate[P, R]) Dispatch(ctx context.Context, params P) (R, error) {
	g.mu.Lock()
	snapshot := make([]*gateHandler[P, R], len(g.handlers))
	copy(snapshot, g.handlers)
	g.mu.Unlock()

	results := make([]R, len(snapshot))
	errs := make([]error, len(snapshot))

	grp, gctx := errgroup.WithContext(ctx)
	for i, h := range snapshot {
		i, h := i, h
		grp.Go(func() error {
			r, err := h.fn(gctx, params)
			results[i] = r
			errs[i] = err
			return nil // errors are collected, not propagated: the merger decides
		})
	}
	_ = grp.Wait() // no Go call above returns a non-nil error

	return g.merge(results, errs)
}

// AllVoid is a Merger for notification-shaped forwarded requests with no
// meaningful response value: it succeeds only if every handler succeeded,
// returning the first error encountered in handler order otherwise.
func AllVoid[R any]() Merger[R] {
	return func(results []R, errs []error) (R, error) {
		var zero R
		for _, err := range errs {
			if err != nil {
				return zero, err
			}
		}
		if len(results) == 0 {
			return zero, nil
		}
		return results[0], nil
	}
}

// SingleHandler is a Merger requiring exactly one handler to have returned
// a non-nil response (as decided by isNil) and no handler to have errored.
// onMismatch is invoked (and its result returned) when zero or more than
// one handler responded.
func SingleHandler[R any](isNil func(R) bool, onMismatch func() (R, error)) Merger[R] {
	return func(results []R, errs []error) (R, error) {
		var zero R
		for _, err := range errs {
			if err != nil {
				return zero, err
			}
		}

		var nonNil []R
		for _, r := range results {
			if !isNil(r) {
				nonNil = append(nonNil, r)
			}
		}

		if len(nonNil) == 1 {
			return nonNil[0], nil
		}
		if onMismatch != nil {
			return onMismatch()
		}
		return zero, ErrHandlerCountMismatch
	}
}
