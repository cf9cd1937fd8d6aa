// Package fake is an in-process simulation of backend.Server/backend.Stream
// used by the rest of this module's test suites. It follows the teacher's
// mockPAStream pattern: blocking calls are gated on a channel the test
// controls, and an atomic "currently blocked" flag lets a test wait for a
// goroutine to reach a specific point before asserting or signalling.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"virtualmic/backend"
	"virtualmic/pcm"
)

// Operation is a backend.Operation whose terminal state a test (or the fake
// itself) assigns directly.
type Operation struct {
	state atomic.Int32
}

func newOperation(state backend.OperationState) *Operation {
	op := &Operation{}
	op.state.Store(int32(state))
	return op
}

func (op *Operation) State() backend.OperationState {
	return backend.OperationState(op.state.Load())
}

// Cancel moves a still-running operation to OpCancelled. It is a no-op once
// the operation has already reached a terminal state.
func (op *Operation) Cancel() {
	op.state.CompareAndSwap(int32(backend.OpRunning), int32(backend.OpCancelled))
}

// Server is a fully in-process backend.Server. LoadModule/UnloadModule
// always complete synchronously; setting ConnectBlockCh makes Connect
// block until that channel is closed, simulating a slow or hung connection
// attempt the way mockPAStream simulates a hung Read/Write.
type Server struct {
	mu   sync.Mutex
	cond *sync.Cond

	// ConnectErr, if set before Connect is called, is returned verbatim.
	ConnectErr error
	// ConnectBlockCh, if non-nil, makes Connect block until it is closed.
	ConnectBlockCh chan struct{}
	// blockedInConnect is set just before blocking in Connect so a test can
	// deterministically wait for the connect goroutine to actually be stuck
	// there before closing ConnectBlockCh.
	blockedInConnect atomic.Bool

	connected      bool
	closed         bool
	nextIndex      uint32
	newStreamCount atomic.Int64
	modules        map[uint32]string
}

// New returns a ready-to-use fake Server.
func New() *Server {
	s := &Server{modules: make(map[uint32]string)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Connect is called by audiocore.New with the server lock already held.
func (s *Server) Connect(ctx context.Context) error {
	if s.ConnectBlockCh != nil {
		s.blockedInConnect.Store(true)
		select {
		case <-s.ConnectBlockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.connected = true
	return nil
}

// BlockedInConnect reports whether a goroutine is currently parked inside
// Connect waiting on ConnectBlockCh.
func (s *Server) BlockedInConnect() bool { return s.blockedInConnect.Load() }

func (s *Server) Lock()   { s.mu.Lock() }
func (s *Server) Unlock() { s.mu.Unlock() }
func (s *Server) Wait()   { s.cond.Wait() }
func (s *Server) Signal() { s.cond.Broadcast() }

// LoadModule assigns the next module index and invokes onLoaded immediately,
// matching pulseaudio's actual async contract closely enough for a
// single-threaded fake: the returned Operation is already OpDone.
func (s *Server) LoadModule(name string, args string, onLoaded backend.ModuleLoadedFunc) (backend.Operation, error) {
	if s.closed {
		return nil, fmt.Errorf("fake: server closed")
	}
	idx := s.nextIndex
	s.nextIndex++
	s.modules[idx] = name
	if onLoaded != nil {
		onLoaded(idx)
	}
	return newOperation(backend.OpDone), nil
}

// UnloadModule removes the module record and invokes onDone immediately.
func (s *Server) UnloadModule(idx uint32, onDone backend.SuccessFunc) (backend.Operation, error) {
	if s.closed {
		return nil, fmt.Errorf("fake: server closed")
	}
	_, ok := s.modules[idx]
	delete(s.modules, idx)
	if onDone != nil {
		onDone(ok)
	}
	return newOperation(backend.OpDone), nil
}

// NewStream returns a fake playback stream bound to this server.
func (s *Server) NewStream(spec backend.StreamSpec) (backend.Stream, error) {
	if s.closed {
		return nil, fmt.Errorf("fake: server closed")
	}
	s.newStreamCount.Add(1)
	return newStream(spec), nil
}

// NewStreamCount returns the number of backend streams ever created by this
// server, for tests asserting whether a property change triggered a stream
// rebuild.
func (s *Server) NewStreamCount() int64 {
	return s.newStreamCount.Load()
}

// Close marks the server closed. Further LoadModule/UnloadModule/NewStream
// calls fail.
func (s *Server) Close() error {
	s.closed = true
	return nil
}

// LoadedModules returns a snapshot of currently loaded module name by index,
// for test assertions.
func (s *Server) LoadedModules() map[uint32]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]string, len(s.modules))
	for k, v := range s.modules {
		out[k] = v
	}
	return out
}

// Stream is a fake backend.Stream. BeginWrite/Write append to an internal
// byte ring retrievable via Captured, so a test can assert "the virtual
// source observed exactly these bytes".
type Stream struct {
	mu sync.Mutex

	spec  backend.StreamSpec
	state backend.StreamState

	stateCb     func(backend.StreamState)
	writeCb     func(nbytes int)
	underflowCb func()

	sinkName string
	attr     backend.BufferAttr
	flags    backend.StreamFlags

	writable int
	pending  []byte
	captured []byte

	latencyUsec     int64
	negativeLatency bool
	connectedAt     time.Time

	// blockedInWriteCallback is set while a write-request callback fired by
	// SetWritable or by the periodic pump is executing, so a test can wait
	// for the writer goroutine on the other end to have reacted to it.
	blockedInWriteCallback atomic.Bool
	writeCount             atomic.Int64

	pumpStop chan struct{}
	pumpDone sync.WaitGroup
}

const defaultWritable = 64 * 1024

// pumpInterval is how often the fake simulates the server announcing
// writable headroom while connected, standing in for the real backend's
// playback-clock-driven write-request callback.
const pumpInterval = 5 * time.Millisecond

func newStream(spec backend.StreamSpec) *Stream {
	return &Stream{
		spec:     spec,
		state:    backend.StreamInitial,
		writable: defaultWritable,
	}
}

func (s *Stream) SetStateCallback(cb func(backend.StreamState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateCb = cb
}

func (s *Stream) SetWriteCallback(cb func(nbytes int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCb = cb
}

func (s *Stream) SetUnderflowCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.underflowCb = cb
}

func (s *Stream) Connect(sinkName string, attr backend.BufferAttr, flags backend.StreamFlags) error {
	s.mu.Lock()
	s.sinkName = sinkName
	s.attr = attr
	s.flags = flags
	s.state = backend.StreamReady
	s.connectedAt = time.Now()
	s.pumpStop = make(chan struct{})
	stop := s.pumpStop
	stateCb := s.stateCb
	s.mu.Unlock()
	if stateCb != nil {
		stateCb(backend.StreamReady)
	}

	s.pumpDone.Add(1)
	go s.pumpWriteRequests(stop)
	return nil
}

// pumpWriteRequests periodically announces writable headroom for as long as
// the stream stays connected, standing in for the ongoing write-request
// callbacks a real audio-server clock would drive. It returns once stop is
// closed by Disconnect.
func (s *Stream) pumpWriteRequests(stop <-chan struct{}) {
	defer s.pumpDone.Done()
	ticker := time.NewTicker(pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			cb := s.writeCb
			writable := s.writable
			s.mu.Unlock()
			if cb == nil {
				continue
			}
			s.blockedInWriteCallback.Store(true)
			cb(writable)
			s.blockedInWriteCallback.Store(false)
		}
	}
}

func (s *Stream) State() backend.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) WritableSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable
}

func (s *Stream) BeginWrite(size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size > s.writable {
		size = s.writable
	}
	s.pending = make([]byte, size)
	return s.pending, nil
}

func (s *Stream) CancelWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

func (s *Stream) Write(data []byte, offsetRelative int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = append(s.captured, data...)
	s.pending = nil
	s.writeCount.Add(1)
	return nil
}

func (s *Stream) Cork(pause bool, onDone backend.SuccessFunc) (backend.Operation, error) {
	if onDone != nil {
		onDone(true)
	}
	return newOperation(backend.OpDone), nil
}

func (s *Stream) Drain(onDone backend.SuccessFunc) (backend.Operation, error) {
	if onDone != nil {
		onDone(true)
	}
	return newOperation(backend.OpDone), nil
}

func (s *Stream) UpdateSampleRate(rate uint32, onDone backend.SuccessFunc) (backend.Operation, error) {
	s.mu.Lock()
	s.spec.SampleRate = rate
	s.mu.Unlock()
	if onDone != nil {
		onDone(true)
	}
	return newOperation(backend.OpDone), nil
}

func (s *Stream) UpdateTimingInfo(onDone backend.SuccessFunc) (backend.Operation, error) {
	if onDone != nil {
		onDone(true)
	}
	return newOperation(backend.OpDone), nil
}

func (s *Stream) Latency() (usec int64, negative bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyUsec, s.negativeLatency, nil
}

func (s *Stream) Time() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectedAt.IsZero() {
		return 0, nil
	}
	w := pcm.ByteWidth(s.spec.Format)
	if w == 0 || s.spec.SampleRate == 0 {
		return 0, nil
	}
	samples := len(s.captured) / w
	return time.Duration(samples) * time.Second / time.Duration(s.spec.SampleRate), nil
}

func (s *Stream) Disconnect() error {
	s.mu.Lock()
	s.state = backend.StreamTerminated
	cb := s.stateCb
	pumpStop := s.pumpStop
	s.pumpStop = nil
	s.mu.Unlock()
	if pumpStop != nil {
		close(pumpStop)
		s.pumpDone.Wait()
	}
	if cb != nil {
		cb(backend.StreamTerminated)
	}
	return nil
}

// Captured returns every byte ever committed via Write, in order, for test
// assertions against the simulated virtual source's observed audio.
func (s *Stream) Captured() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.captured))
	copy(out, s.captured)
	return out
}

// WriteCount returns the number of completed Write calls, for tests that
// only care that writes happened rather than their exact content.
func (s *Stream) WriteCount() int64 {
	return s.writeCount.Load()
}

// SetWritable changes the value WritableSize reports and fires the
// write-request callback with it, simulating the server signalling that
// more room is available.
func (s *Stream) SetWritable(n int) {
	s.mu.Lock()
	s.writable = n
	cb := s.writeCb
	s.mu.Unlock()
	if cb == nil {
		return
	}
	s.blockedInWriteCallback.Store(true)
	cb(n)
	s.blockedInWriteCallback.Store(false)
}

// BlockedInWriteCallback reports whether a write-request callback invocation
// (from SetWritable or the periodic pump) is currently executing, for tests
// that need to synchronize with a writer goroutine reacting to it.
func (s *Stream) BlockedInWriteCallback() bool {
	return s.blockedInWriteCallback.Load()
}

// FireUnderflow invokes the registered underflow callback, if any.
func (s *Stream) FireUnderflow() {
	s.mu.Lock()
	cb := s.underflowCb
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// SetLatency sets the values Latency reports.
func (s *Stream) SetLatency(usec int64, negative bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencyUsec = usec
	s.negativeLatency = negative
}
