// Package padriver is a concrete, runnable backend.Server/backend.Stream
// implementation backed by github.com/gordonklaus/portaudio. It stands in
// for a real audio-server client library so cmd/virtualmicd has something
// that actually makes sound on a machine without a PulseAudio server to load
// modules against.
//
// Each playback stream opens a real PortAudio output stream on the default
// (or configured) device when it connects. LoadModule only does bookkeeping
// and returns a synthetic index for both roles; the source role has no
// PortAudio analogue to "remap a monitor of a sink into a capture source" —
// there is nothing upstream to remap, since this process is the producer,
// not a capture client. That is this backend's one documented departure
// from a real libpulse binding.
//
// PortAudio's sample type is fixed by the Go element type of the callback's
// buffer, chosen once at OpenStream time; this driver declares a []byte
// (uint8) buffer so it can pass queued PCM bytes straight through without a
// conversion step. That means only U8-tagged audio actually plays back at
// the right bit depth — other pcm.Format values still drive the ring buffer
// and exercise the full write path, they just don't sound correct on real
// hardware. Fine for a demo driver; a real binding would pick the PortAudio
// sample type per-format.
package padriver

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"virtualmic/backend"
	"virtualmic/pcm"
	"virtualmic/verr"

	"github.com/gordonklaus/portaudio"
)

var logger = log.New(log.Writer(), "[padriver] ", log.LstdFlags)

// Server is a backend.Server that opens real PortAudio output streams.
// Unlike a real audio-server client, there is no wire connection to
// negotiate: Connect only initializes the PortAudio library.
type Server struct {
	mu   sync.Mutex
	cond *sync.Cond

	deviceIndex int // -1 means the default output device

	connected bool
	closed    bool

	nextIndex uint32
	modules   map[uint32]string
}

// New returns a Server that will open streams on the system's default
// output device. Use WithDevice to target a specific one.
func New() *Server {
	s := &Server{deviceIndex: -1, modules: make(map[uint32]string)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// WithDevice selects a specific PortAudio device index (as reported by
// portaudio.Devices) for the sink role's output stream.
func (s *Server) WithDevice(idx int) *Server {
	s.deviceIndex = idx
	return s
}

// Connect initializes the PortAudio library. Must be called with the lock
// already held, matching backend.Server's documented calling convention.
func (s *Server) Connect(ctx context.Context) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("padriver: initialize: %w", err)
	}
	s.connected = true
	return nil
}

func (s *Server) Lock()   { s.mu.Lock() }
func (s *Server) Unlock() { s.mu.Unlock() }
func (s *Server) Wait()   { s.cond.Wait() }
func (s *Server) Signal() { s.cond.Broadcast() }

// LoadModule simulates the module-null-sink/module-remap-source load with
// bookkeeping only: it records the module, logs it (noting the missing
// capture-side analogue when args contains "source_name="), and reports a
// synthetic index. It opens no PortAudio stream; Stream.Connect does that.
func (s *Server) LoadModule(name string, args string, onLoaded backend.ModuleLoadedFunc) (backend.Operation, error) {
	if s.closed {
		return nil, verr.ErrBadState
	}
	idx := s.nextIndex
	s.nextIndex++
	s.modules[idx] = name
	if strings.Contains(args, "source_name=") {
		logger.Printf("load %s (%s): no PortAudio capture-side analogue, synthetic index %d", name, args, idx)
	} else {
		logger.Printf("load %s (%s): index %d", name, args, idx)
	}
	if onLoaded != nil {
		onLoaded(idx)
	}
	return newDoneOp(), nil
}

// UnloadModule removes the module's bookkeeping entry. The backing
// PortAudio stream, if any, is torn down separately by the Stream that
// owns it (via Disconnect), not by UnloadModule.
func (s *Server) UnloadModule(idx uint32, onDone backend.SuccessFunc) (backend.Operation, error) {
	if s.closed {
		return nil, verr.ErrBadState
	}
	_, ok := s.modules[idx]
	delete(s.modules, idx)
	if onDone != nil {
		onDone(ok)
	}
	return newDoneOp(), nil
}

// NewStream creates a Stream bound to this Server's selected device. The
// PortAudio stream itself is not opened until Connect.
func (s *Server) NewStream(spec backend.StreamSpec) (backend.Stream, error) {
	if s.closed {
		return nil, verr.ErrBadState
	}
	return newStream(s, spec), nil
}

// Close tears down PortAudio. Any streams still open must already have
// been disconnected by their owner.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return portaudio.Terminate()
}

type op struct {
	state atomic.Int32
}

func newDoneOp() *op {
	o := &op{}
	o.state.Store(int32(backend.OpDone))
	return o
}

func (o *op) State() backend.OperationState { return backend.OperationState(o.state.Load()) }
func (o *op) Cancel() {
	o.state.CompareAndSwap(int32(backend.OpRunning), int32(backend.OpCancelled))
}

// ringBuffer is a small fixed-capacity byte ring the PortAudio callback
// drains and tryWrite fills. It never blocks: a reader that finds fewer
// bytes than requested gets silence for the remainder, and a writer that
// finds no room is expected to retry (WritableSize reports the headroom).
type ringBuffer struct {
	buf   []byte
	start int
	n     int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, capacity)}
}

func (r *ringBuffer) writable() int { return len(r.buf) - r.n }

func (r *ringBuffer) write(data []byte) int {
	room := r.writable()
	if len(data) > room {
		data = data[:room]
	}
	end := (r.start + r.n) % len(r.buf)
	for _, b := range data {
		r.buf[end] = b
		end = (end + 1) % len(r.buf)
	}
	r.n += len(data)
	return len(data)
}

// read drains up to len(out) bytes into out, zero-filling any shortfall,
// and returns how many real bytes were available.
func (r *ringBuffer) read(out []byte) int {
	got := r.n
	if got > len(out) {
		got = len(out)
	}
	for i := 0; i < got; i++ {
		out[i] = r.buf[r.start]
		r.start = (r.start + 1) % len(r.buf)
	}
	r.n -= got
	for i := got; i < len(out); i++ {
		out[i] = 0
	}
	return got
}

// streamBufferBytes is the ring buffer's fixed capacity: roughly 200ms of
// 48kHz mono S16LE audio, comfortably ahead of a typical PortAudio period.
const streamBufferBytes = 48000 * 2 / 5

// Stream is a backend.Stream that, for the sink role, owns a real
// portaudio.Stream whose callback drains an internal ring buffer.
type Stream struct {
	srv  *Server
	spec backend.StreamSpec

	mu    sync.Mutex
	state backend.StreamState
	ring  *ringBuffer

	pending []byte

	stateCb     func(backend.StreamState)
	writeCb     func(int)
	underflowCb func()

	paStream *portaudio.Stream

	connectedAt time.Time
	writeCount  atomic.Int64
}

func newStream(srv *Server, spec backend.StreamSpec) *Stream {
	return &Stream{srv: srv, spec: spec, ring: newRingBuffer(streamBufferBytes)}
}

func (s *Stream) SetStateCallback(cb func(backend.StreamState)) {
	s.mu.Lock()
	s.stateCb = cb
	s.mu.Unlock()
}

func (s *Stream) SetWriteCallback(cb func(int)) {
	s.mu.Lock()
	s.writeCb = cb
	s.mu.Unlock()
}

func (s *Stream) SetUnderflowCallback(cb func()) {
	s.mu.Lock()
	s.underflowCb = cb
	s.mu.Unlock()
}

// Connect opens a real PortAudio output stream on the Server's selected
// device and marks the stream ready. sinkName, attr and flags are not used:
// every stream plays to that one device.
func (s *Stream) Connect(sinkName string, attr backend.BufferAttr, flags backend.StreamFlags) error {
	dev, err := resolveOutputDevice(s.srv.deviceIndex)
	if err != nil {
		s.mu.Lock()
		s.state = backend.StreamFailed
		s.mu.Unlock()
		return fmt.Errorf("padriver: resolve output device: %w", err)
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: int(s.spec.Channels),
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(s.spec.SampleRate),
		FramesPerBuffer: 960,
	}

	paStream, err := portaudio.OpenStream(params, func(_, outBuf []byte) {
		s.mu.Lock()
		short := s.ring.n < len(outBuf)
		s.ring.read(outBuf)
		writable := s.ring.writable()
		writeCb := s.writeCb
		underflowCb := s.underflowCb
		s.mu.Unlock()
		if short && underflowCb != nil {
			underflowCb()
		}
		if writeCb != nil {
			writeCb(writable)
		}
	})
	if err != nil {
		s.mu.Lock()
		s.state = backend.StreamFailed
		s.mu.Unlock()
		return fmt.Errorf("padriver: open stream: %w", err)
	}
	if err := paStream.Start(); err != nil {
		paStream.Close()
		s.mu.Lock()
		s.state = backend.StreamFailed
		s.mu.Unlock()
		return fmt.Errorf("padriver: start stream: %w", err)
	}

	s.mu.Lock()
	s.paStream = paStream
	s.state = backend.StreamReady
	s.connectedAt = time.Now()
	cb := s.stateCb
	s.mu.Unlock()

	if cb != nil {
		cb(backend.StreamReady)
	}
	return nil
}

func (s *Stream) State() backend.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) WritableSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.writable()
}

func (s *Stream) BeginWrite(size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.ring.writable()
	if size > room {
		size = room
	}
	s.pending = make([]byte, size)
	return s.pending, nil
}

func (s *Stream) CancelWrite() error {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return nil
}

func (s *Stream) Write(data []byte, offsetRelative int64) error {
	s.mu.Lock()
	s.ring.write(data)
	s.pending = nil
	s.mu.Unlock()
	s.writeCount.Add(1)
	return nil
}

func (s *Stream) Cork(pause bool, onDone backend.SuccessFunc) (backend.Operation, error) {
	// PortAudio has no native pause primitive that survives a resume
	// cleanly across all host APIs; silence already flows from the ring
	// buffer underrunning, so Cork is a no-op signal only.
	if onDone != nil {
		onDone(true)
	}
	return newDoneOp(), nil
}

func (s *Stream) Drain(onDone backend.SuccessFunc) (backend.Operation, error) {
	s.mu.Lock()
	remaining := s.ring.n
	rate := s.spec.SampleRate
	width := pcm.ByteWidth(s.spec.Format)
	s.mu.Unlock()
	if rate > 0 && width > 0 {
		samples := remaining / width
		time.Sleep(time.Duration(samples) * time.Second / time.Duration(rate))
	}
	if onDone != nil {
		onDone(true)
	}
	return newDoneOp(), nil
}

func (s *Stream) UpdateSampleRate(rate uint32, onDone backend.SuccessFunc) (backend.Operation, error) {
	s.mu.Lock()
	s.spec.SampleRate = rate
	s.mu.Unlock()
	if onDone != nil {
		onDone(true)
	}
	return newDoneOp(), nil
}

func (s *Stream) UpdateTimingInfo(onDone backend.SuccessFunc) (backend.Operation, error) {
	if onDone != nil {
		onDone(true)
	}
	return newDoneOp(), nil
}

func (s *Stream) Latency() (int64, bool, error) {
	s.mu.Lock()
	paStream := s.paStream
	s.mu.Unlock()
	if paStream == nil {
		return 0, true, nil
	}
	info := paStream.Info()
	if info == nil {
		return 0, true, nil
	}
	return info.OutputLatency.Microseconds(), false, nil
}

func (s *Stream) Time() (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectedAt.IsZero() {
		return 0, nil
	}
	return time.Since(s.connectedAt), nil
}

func (s *Stream) Disconnect() error {
	s.mu.Lock()
	paStream := s.paStream
	s.paStream = nil
	s.state = backend.StreamTerminated
	cb := s.stateCb
	s.mu.Unlock()

	var err error
	if paStream != nil {
		if stopErr := paStream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := paStream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if cb != nil {
		cb(backend.StreamTerminated)
	}
	return err
}

func resolveOutputDevice(idx int) (*portaudio.DeviceInfo, error) {
	if idx < 0 {
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if idx >= len(devices) {
		return nil, fmt.Errorf("padriver: device index %d out of range", idx)
	}
	return devices[idx], nil
}
