// Package backend defines the abstract boundary this engine expects from an
// audio-server client library. It intentionally does not implement a real
// binding (e.g. to libpulse) — per the spec, the concrete wire protocol is an
// out-of-scope external collaborator. Two implementations live in this repo:
// backend/fake (an in-process simulation used by the test suite) and
// backend/padriver (a runnable demo backed by PortAudio).
package backend

import (
	"context"
	"time"

	"virtualmic/pcm"
)

// OperationState is the lifecycle of an asynchronous backend operation.
type OperationState int

const (
	OpRunning OperationState = iota
	OpDone
	OpCancelled
	OpFailed
)

// Operation is a handle to an in-flight or completed asynchronous backend
// call (module load/unload, cork, drain, sample-rate update, ...).
type Operation interface {
	State() OperationState
	Cancel()
}

// ModuleLoadedFunc is invoked once a LoadModule call completes successfully,
// reporting the server-assigned module index.
type ModuleLoadedFunc func(idx uint32)

// SuccessFunc is invoked once an operation with a boolean outcome completes.
type SuccessFunc func(success bool)

// Server is the abstract audio-server client connection: a mainloop lock and
// the handful of async primitives (module load/unload, new playback stream)
// the rest of this engine needs.
type Server interface {
	// Connect establishes the underlying connection. It blocks until the
	// connection is ready or fails.
	Connect(ctx context.Context) error

	// Lock/Unlock guard the mainloop: every other Server/Stream method must
	// be called with the lock held by the calling goroutine.
	Lock()
	Unlock()

	// Wait/Signal operate on the mainloop's internal condition variable.
	Wait()
	Signal()

	// LoadModule issues an asynchronous module-load operation. onLoaded is
	// invoked with the server-assigned module index once the module is up.
	LoadModule(name string, args string, onLoaded ModuleLoadedFunc) (Operation, error)

	// UnloadModule issues an asynchronous module-unload operation.
	UnloadModule(idx uint32, onDone SuccessFunc) (Operation, error)

	// NewStream creates a playback stream bound to this connection. The
	// stream is not yet connected to any sink; call Stream.Connect.
	NewStream(spec StreamSpec) (Stream, error)

	// Close tears down the connection.
	Close() error
}

// StreamSpec describes the sample format of a playback stream.
type StreamSpec struct {
	Format     pcm.Format
	SampleRate uint32
	Channels   uint8
}

// BufferAttr mirrors the wire-level buffer-attribute negotiation fields. A
// zero MaxLength or FragSize means "server default"; a zero PreBuf means
// playback starts as soon as data arrives.
type BufferAttr struct {
	MaxLength    uint32
	TargetLength uint32
	PreBuf       uint32
	MinRequest   uint32
	FragSize     uint32
}

// StreamFlags is the connect-time negotiation flag set.
type StreamFlags uint32

const (
	FlagInterpolateTiming StreamFlags = 1 << iota
	FlagNotMonotonic
	FlagAutoTimingUpdate
	FlagAdjustLatency
	FlagVariableRate
	FlagStartCorked
)

// StreamState is the connection-level state of a playback stream.
type StreamState int

const (
	StreamInitial StreamState = iota
	StreamConnecting
	StreamReady
	StreamFailed
	StreamTerminated
)

// Stream is the abstract playback-stream primitive: writable-size,
// zero-copy begin-write/write, drain, and on-the-fly sample-rate update.
type Stream interface {
	// SetStateCallback registers the callback invoked on every stream
	// state transition.
	SetStateCallback(func(state StreamState))
	// SetWriteCallback registers the write-request callback, invoked when
	// the server is willing to accept more bytes.
	SetWriteCallback(func(nbytes int))
	// SetUnderflowCallback registers the (non-fatal) underflow callback.
	SetUnderflowCallback(func())

	// Connect attaches the stream to the named sink (or routes to the
	// default sink if sinkName is empty) with the given buffer attributes
	// and negotiation flags.
	Connect(sinkName string, attr BufferAttr, flags StreamFlags) error

	// State returns the stream's current connection state.
	State() StreamState

	// WritableSize returns the number of bytes the server is currently
	// willing to accept.
	WritableSize() int
	// BeginWrite returns a slice of exactly size bytes (or fewer if the
	// backend cannot satisfy the full request) that the caller fills and
	// later commits with Write.
	BeginWrite(size int) ([]byte, error)
	// CancelWrite abandons a BeginWrite region without committing it.
	CancelWrite() error
	// Write commits data, previously obtained from BeginWrite, at
	// offsetRelative bytes relative to the current write position (always
	// 0 in this engine — there is no seeking).
	Write(data []byte, offsetRelative int64) error

	// Cork pauses (true) or resumes (false) playback.
	Cork(pause bool, onDone SuccessFunc) (Operation, error)
	// Drain waits for all written bytes to be consumed by the server.
	Drain(onDone SuccessFunc) (Operation, error)
	// UpdateSampleRate reconfigures the stream's sample rate without a
	// reconnect.
	UpdateSampleRate(rate uint32, onDone SuccessFunc) (Operation, error)
	// UpdateTimingInfo refreshes the data Latency() reports.
	UpdateTimingInfo(onDone SuccessFunc) (Operation, error)

	// Latency returns the current reported latency. negative indicates the
	// server could not establish a reliable read/write relationship yet.
	Latency() (usec int64, negative bool, err error)
	// Time returns the stream's accumulated playback time since it was
	// connected (resets to 0 on every reconnect).
	Time() (time.Duration, error)

	// Disconnect tears the stream down.
	Disconnect() error
}
