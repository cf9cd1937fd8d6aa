// Package audiocore wraps a backend.Server connection with the mainloop
// locking/signalling discipline every other component in this engine relies
// on, and turns the backend's asynchronous module load/unload primitives
// into simple blocking calls.
package audiocore

import (
	"context"
	"fmt"
	"log"

	"virtualmic/backend"
	"virtualmic/refcount"
	"virtualmic/verr"
)

var logger = log.New(log.Writer(), "[audiocore] ", log.LstdFlags)

// NoIndex marks a module index as never having been assigned.
const NoIndex uint32 = 1<<32 - 1

// Core owns the backend connection and is itself reference-counted: Sink,
// Source and Stream each hold a strong reference, and the connection closes
// only once the last of them releases it.
type Core struct {
	cell *refcount.Cell[*coreState]
}

type coreState struct {
	srv backend.Server
}

// New connects srv and returns a ready Core. The connect handshake runs on
// a dedicated goroutine standing in for the backend's mainloop thread (T1 in
// the concurrency model): this goroutine acquires the backend lock, drives
// the connect, and reports the outcome back to the caller. New blocks until
// that handshake completes.
func New(ctx context.Context, srv backend.Server) (*Core, error) {
	type result struct{ err error }
	done := make(chan result, 1)

	go func() {
		srv.Lock()
		err := srv.Connect(ctx)
		srv.Unlock()
		done <- result{err: err}
	}()

	res := <-done
	if res.err != nil {
		return nil, fmt.Errorf("audiocore: connect: %w", res.err)
	}

	st := &coreState{srv: srv}
	c := &Core{cell: refcount.New(st, func(st *coreState) {
		if err := st.srv.Close(); err != nil {
			logger.Printf("close backend: %v", err)
		}
	})}
	return c, nil
}

// Ref increments the Core's strong reference count.
func (c *Core) Ref() *Core {
	if c.cell.Ref() == nil {
		return nil
	}
	return c
}

// Unref decrements the Core's strong reference count, closing the backend
// connection at the final release.
func (c *Core) Unref() {
	c.cell.Unref()
}

// Server returns the underlying backend connection.
func (c *Core) Server() backend.Server {
	return c.cell.Get().srv
}

// Lock acquires the mainloop lock. Required around any backend-primitive
// call made from a goroutine other than the one already holding it.
func (c *Core) Lock() { c.cell.Get().srv.Lock() }

// Unlock releases the mainloop lock.
func (c *Core) Unlock() { c.cell.Get().srv.Unlock() }

// Signal wakes waiters blocked in Wait.
func (c *Core) Signal() { c.cell.Get().srv.Signal() }

// Wait blocks on the mainloop's condition variable. The caller must hold
// the lock.
func (c *Core) Wait() { c.cell.Get().srv.Wait() }

// ExecuteOperation waits, with the loop lock held, until op's state leaves
// OpRunning, and translates the terminal state into an error.
func (c *Core) ExecuteOperation(op backend.Operation) error {
	for op.State() == backend.OpRunning {
		c.Wait()
	}
	switch op.State() {
	case backend.OpDone:
		return nil
	default:
		return verr.ErrCustom
	}
}

// LoadVirtualDevice issues an asynchronous module-load operation and blocks
// until it completes, returning the server-assigned module index.
func (c *Core) LoadVirtualDevice(module, args string) (uint32, error) {
	c.Lock()
	defer c.Unlock()

	var idx uint32 = NoIndex
	op, err := c.cell.Get().srv.LoadModule(module, args, func(i uint32) {
		idx = i
	})
	if err != nil {
		return NoIndex, fmt.Errorf("audiocore: load %s: %w", module, verr.ErrAlloc)
	}
	if err := c.ExecuteOperation(op); err != nil {
		return NoIndex, fmt.Errorf("audiocore: load %s: %w", module, err)
	}
	return idx, nil
}

// UnloadVirtualDevice issues an asynchronous module-unload operation and
// blocks until it completes. It is a no-op when idx is NoIndex.
func (c *Core) UnloadVirtualDevice(idx uint32) error {
	if idx == NoIndex {
		return nil
	}
	c.Lock()
	defer c.Unlock()

	op, err := c.cell.Get().srv.UnloadModule(idx, nil)
	if err != nil {
		return fmt.Errorf("audiocore: unload module %d: %w", idx, verr.ErrAlloc)
	}
	if err := c.ExecuteOperation(op); err != nil {
		return fmt.Errorf("audiocore: unload module %d: %w", idx, err)
	}
	return nil
}
