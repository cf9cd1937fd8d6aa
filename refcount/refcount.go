// Package refcount implements the dual-counter (strong/weak) shared-ownership
// cell used by every component in the virtual-microphone engine: Core, Sink,
// Source, Stream and the Queue are all owned through a *Cell rather than a
// bare Go pointer, so their teardown order is explicit and race-free instead
// of relying on the garbage collector.
package refcount

import (
	"sync"
	"sync/atomic"
)

// Cell is a reference-counted owner of a T. The zero value is not usable;
// construct one with New. A Cell starts with strong=1, weak=1 — the strong
// side collectively holds one weak reference so the cell survives exactly as
// long as either a strong or a weak reference remains.
type Cell[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	strong atomic.Int64
	weak   atomic.Int64

	payload  T
	finalize func(T)

	finalized atomic.Bool
	freed     atomic.Bool
}

// New allocates a Cell wrapping payload with strong=1, weak=1. finalize, if
// non-nil, runs exactly once at the strong->0 transition, outside any
// internal lock.
func New[T any](payload T, finalize func(T)) *Cell[T] {
	c := &Cell[T]{
		payload:  payload,
		finalize: finalize,
	}
	c.cond = sync.NewCond(&c.mu)
	c.strong.Store(1)
	c.weak.Store(1)
	return c
}

// Get returns the payload. Callers must hold a strong reference (directly or
// transitively) for the duration of use; Get does not itself extend the
// reference count.
func (c *Cell[T]) Get() T {
	return c.payload
}

// Ref increments the strong count and returns c, unless the cell has already
// been destructed (strong == 0), in which case it returns nil.
func (c *Cell[T]) Ref() *Cell[T] {
	for {
		cur := c.strong.Load()
		if cur <= 0 {
			return nil
		}
		if c.strong.CompareAndSwap(cur, cur+1) {
			return c
		}
	}
}

// Unref decrements the strong count. At the strong->0 transition it invokes
// the finalizer exactly once, then releases the weak reference the strong
// side collectively held. Unref tolerates being called on an already
// destructed cell that still has outstanding weak references (the call is a
// no-op); it panics when called on a destructed cell with no weak references
// left, which indicates a caller bug rather than a recoverable runtime
// condition.
func (c *Cell[T]) Unref() {
	remaining := c.strong.Add(-1)
	switch {
	case remaining > 0:
		return
	case remaining == 0:
		if c.finalized.CompareAndSwap(false, true) {
			if c.finalize != nil {
				c.finalize(c.payload)
			}
			c.cond.Broadcast()
			c.unrefWeakInternal()
		}
	default:
		if c.weak.Load() > 0 {
			// Already destructed, but weak references keep the cell alive:
			// undo this decrement and treat the call as a no-op.
			c.strong.Add(1)
			return
		}
		panic("refcount: Unref called more times than Ref")
	}
}

// IsDestructed reports whether the strong count has reached zero.
func (c *Cell[T]) IsDestructed() bool {
	return c.strong.Load() <= 0
}

// WeakCell is a weak reference to a Cell's lifetime, independent of the
// payload's liveness.
type WeakCell[T any] struct {
	cell *Cell[T]
}

// RefWeak increments the weak count and returns a WeakCell bound to c.
func (c *Cell[T]) RefWeak() *WeakCell[T] {
	c.weak.Add(1)
	return &WeakCell[T]{cell: c}
}

func (c *Cell[T]) unrefWeakInternal() {
	remaining := c.weak.Add(-1)
	switch {
	case remaining > 0:
		return
	case remaining == 0:
		if !c.freed.CompareAndSwap(false, true) {
			panic("refcount: cell freed more than once")
		}
	default:
		panic("refcount: weak count went negative")
	}
}

// Unref releases the weak reference. If this was the last weak reference and
// the cell was already destructed, the cell is marked freed.
func (w *WeakCell[T]) Unref() {
	w.cell.unrefWeakInternal()
}

// Upgrade attempts to obtain a strong reference from a weak one. It returns
// nil if the cell has already been destructed.
func (w *WeakCell[T]) Upgrade() *Cell[T] {
	return w.cell.Ref()
}

// Lock acquires the cell's mutex. Re-entrant locking is not supported, the
// same discipline the original C reference-counted cell follows.
func (c *Cell[T]) Lock() {
	c.mu.Lock()
}

// Unlock releases the cell's mutex.
func (c *Cell[T]) Unlock() {
	c.mu.Unlock()
}

// CondWait atomically releases the cell's mutex and waits on its condition
// variable, re-acquiring the mutex before returning. The caller must hold the
// lock when calling CondWait.
func (c *Cell[T]) CondWait() {
	c.cond.Wait()
}

// CondSignal wakes one CondWait waiter.
func (c *Cell[T]) CondSignal() {
	c.cond.Signal()
}

// CondBroadcast wakes all CondWait waiters.
func (c *Cell[T]) CondBroadcast() {
	c.cond.Broadcast()
}
