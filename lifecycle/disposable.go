// Package lifecycle provides the cross-cutting scheduling primitives used
// by both the LanguageClient and every Binding: a scoped disposal
// collection, a promise-style timeout wrapper, and a trailing-edge
// debouncer with an inline flush.
//
// These are generic event-loop glue with no third-party shape to occupy —
// see SPEC_FULL.md §4.7 for why this package is intentionally stdlib-only.
package lifecycle

import (
	"context"
	"errors"
	"sync"
)

// ErrTimeout is returned when a Timeout-wrapped operation does not
// complete before its deadline.
var ErrTimeout = errors.New("lifecycle: timed out")

// Disposable releases one resource. Must be safe to call more than once;
// only the first call has an effect.
type Disposable interface {
	Dispose()
}

// DisposableFunc adapts a plain func() to a Disposable.
type DisposableFunc func()

// Dispose implements Disposable.
func (f DisposableFunc) Dispose() {
	if f != nil {
		f()
	}
}

// Disposables is a scoped holder that releases every registered resource
// exactly once when Dispose is called, even if one release panics or the
// registrants themselves don't guard against double-dispose.
type Disposables struct {
	mu       sync.Mutex
	items    []Disposable
	disposed bool
}

// Add registers d to be released on Dispose. If the collection has already
// been disposed, d is released immediately — a subscription opened after
// disposal must not outlive the thing that owns the collection.
func (d *Disposables) Add(item Disposable) {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		item.Dispose()
		return
	}
	d.items = append(d.items, item)
	d.mu.Unlock()
}

// AddFunc is a convenience wrapper for Add(DisposableFunc(fn)).
func (d *Disposables) AddFunc(fn func()) {
	d.Add(DisposableFunc(fn))
}

// Dispose releases every registered resource in reverse registration
// order (last opened, first closed — the usual scoping discipline), each
// guarded so one panicking/erroring release does not prevent the rest from
// running. Safe to call more than once; only the first call has an effect.
func (d *Disposables) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	items := d.items
	d.items = nil
	d.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		disposeOne(items[i])
	}
}

func disposeOne(item Disposable) {
	defer func() { _ = recover() }()
	item.Dispose()
}

// IsDisposed reports whether Dispose has already run.
func (d *Disposables) IsDisposed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disposed
}

// Timeout runs fn and returns its result, or ErrTimeout if ctx is
// cancelled or its deadline elapses first. fn's own goroutine is not
// forcibly killed on timeout (Go has no preemption primitive for that);
// it is simply abandoned and its eventual result, if any, is discarded.
func Timeout[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ErrTimeout
	}
}
