// Package stream implements the playback stream: the writer goroutine that
// continuously drains a pcmqueue.Queue into a backend.Stream attached to a
// virtual sink, adapting on the fly to format and sample-rate changes in
// the queued audio.
package stream

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"virtualmic/audiocore"
	"virtualmic/backend"
	"virtualmic/config"
	"virtualmic/device"
	"virtualmic/pcm"
	"virtualmic/pcmqueue"
	"virtualmic/verr"
)

var logger = log.New(log.Writer(), "[stream] ", log.LstdFlags)

// State is the PlaybackStream's connection-level state.
type State int

const (
	Initial State = iota
	Connecting
	ReadyCorked
	ReadyPlaying
	Draining
	Rebuilding
	Disconnected
)

// connectFlags is the fixed negotiation flag set every connect uses.
const connectFlags = backend.FlagInterpolateTiming |
	backend.FlagNotMonotonic |
	backend.FlagAutoTimingUpdate |
	backend.FlagAdjustLatency |
	backend.FlagVariableRate |
	backend.FlagStartCorked

// result is the small rendezvous value a success callback deposits for a
// goroutine blocked in waitResult.
type result struct {
	done    bool
	success bool
}

// PlaybackStream owns a backend.Stream and the goroutine that keeps it fed
// from a pcmqueue.Queue.
type PlaybackStream struct {
	mu   sync.Mutex
	cond *sync.Cond

	core  *audiocore.Core
	sink  *device.Sink
	queue *pcmqueue.Queue
	opts  config.Options

	backendStream backend.Stream
	format        pcm.Format
	rate          uint32

	state  State
	result result

	timeBase time.Duration

	playing        atomic.Bool
	outdatedProps  atomic.Bool
	destructing    atomic.Bool
	writeRequested atomic.Bool

	wg sync.WaitGroup
}

// New constructs a PlaybackStream: it takes strong references on core, sink
// and queue, opens a backend stream, connects it (corked) to sink, and
// starts the writer goroutine. On any failure it releases exactly the
// resources it had acquired so far and returns an error.
func New(core *audiocore.Core, sink *device.Sink, queue *pcmqueue.Queue, format pcm.Format, rate uint32, opts config.Options) (*PlaybackStream, error) {
	coreRef := core.Ref()
	if coreRef == nil {
		return nil, verr.ErrBadState
	}
	sinkRef := sink.Ref()
	if sinkRef == nil {
		coreRef.Unref()
		return nil, verr.ErrBadState
	}
	queueRef := queue.Ref()
	if queueRef == nil {
		sinkRef.Unref()
		coreRef.Unref()
		return nil, verr.ErrBadState
	}

	s := &PlaybackStream{
		core:   coreRef,
		sink:   sinkRef,
		queue:  queueRef,
		opts:   opts,
		format: format,
		rate:   rate,
		state:  Initial,
	}
	s.cond = sync.NewCond(&s.mu)

	if err := s.openAndConnect(); err != nil {
		queueRef.Unref()
		sinkRef.Unref()
		coreRef.Unref()
		return nil, err
	}

	s.wg.Add(1)
	go s.writerLoop()
	return s, nil
}

func (s *PlaybackStream) targetLength() uint32 {
	return s.opts.TargetLength()
}

func (s *PlaybackStream) bufferAttr() backend.BufferAttr {
	target := s.targetLength()
	return backend.BufferAttr{
		MaxLength:    0,
		TargetLength: target,
		PreBuf:       0,
		MinRequest:   target / 3,
		FragSize:     0,
	}
}

// openAndConnect creates the backend stream, attaches callbacks, connects
// it to the sink, and waits for StreamReady/StreamFailed.
func (s *PlaybackStream) openAndConnect() error {
	s.state = Connecting
	bs, err := s.core.Server().NewStream(backend.StreamSpec{
		Format:     s.format,
		SampleRate: s.rate,
		Channels:   1,
	})
	if err != nil {
		return fmt.Errorf("stream: new backend stream: %w", verr.ErrAlloc)
	}

	bs.SetStateCallback(s.onState)
	bs.SetWriteCallback(s.onWrite)
	bs.SetUnderflowCallback(s.onUnderflow)

	s.core.Lock()
	err = bs.Connect(s.sink.Name(), s.bufferAttr(), connectFlags)
	if err != nil {
		s.core.Unlock()
		return fmt.Errorf("stream: connect: %w", verr.ErrCustom)
	}
	for {
		st := bs.State()
		if st == backend.StreamReady || st == backend.StreamFailed {
			break
		}
		s.core.Wait()
	}
	finalState := bs.State()
	s.core.Unlock()

	if finalState != backend.StreamReady {
		bs.Disconnect()
		return fmt.Errorf("stream: backend stream failed to connect: %w", verr.ErrCustom)
	}

	s.backendStream = bs
	s.state = ReadyCorked
	return nil
}

// onState runs on the mainloop goroutine. On a terminal connect state it
// wakes whoever is waiting in openAndConnect.
func (s *PlaybackStream) onState(st backend.StreamState) {
	switch st {
	case backend.StreamReady, backend.StreamFailed, backend.StreamTerminated:
		s.core.Signal()
	}
}

// onWrite runs on the mainloop goroutine; it wakes the writer goroutine.
// writeRequested is sticky so a write-request that arrives before the
// writer goroutine reaches CondWait (e.g. the very first one, fired while
// the stream is still connecting) is not lost.
func (s *PlaybackStream) onWrite(nbytes int) {
	s.writeRequested.Store(true)
	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *PlaybackStream) onUnderflow() {
	logger.Printf("underflow")
}

// waitResult blocks on the Core's condition until a pending success
// callback deposits a result, then clears it for the next call.
func (s *PlaybackStream) waitResult() bool {
	for !s.result.done {
		s.core.Wait()
	}
	success := s.result.success
	s.result = result{}
	return success
}

func (s *PlaybackStream) successCallback() backend.SuccessFunc {
	return func(success bool) {
		s.result = result{done: true, success: success}
		s.core.Signal()
	}
}

// writerLoop is the single goroutine that keeps the backend stream fed.
func (s *PlaybackStream) writerLoop() {
	defer s.wg.Done()

	s.mu.Lock()
	for !s.destructing.Load() {
		for !s.writeRequested.Load() && !s.destructing.Load() {
			s.cond.Wait()
		}
		if s.destructing.Load() {
			break
		}
		s.writeRequested.Store(false)

		s.core.Lock()
		s.tryWrite()
		s.fixOutdatedProps()
		s.core.Unlock()
	}
	s.mu.Unlock()
}

// tryWrite fills and commits one writable region from the backend stream's
// currently reported writable size. Called with the Core lock held.
func (s *PlaybackStream) tryWrite() {
	size := s.backendStream.WritableSize()
	if size <= 0 {
		return
	}
	region, err := s.backendStream.BeginWrite(size)
	if err != nil {
		logger.Printf("begin write: %v", err)
		return
	}

	s.queue.Lock()
	filled := 0
	for filled < len(region) {
		n, sameProps := s.queue.ReadWithPropsLocked(region[filled:], s.format, s.rate)
		if n > 0 {
			filled += n
			continue
		}
		if !sameProps {
			s.outdatedProps.Store(true)
		}
		break
	}
	s.queue.Unlock()

	if filled == 0 {
		if err := s.backendStream.CancelWrite(); err != nil {
			logger.Printf("cancel write: %v", err)
		}
		return
	}
	if filled < len(region) {
		for i := filled; i < len(region); i++ {
			region[i] = 0
		}
	}

	if err := s.backendStream.Write(region, 0); err != nil {
		logger.Printf("write: %v", err)
	}
}

// fixOutdatedProps rebuilds or reconfigures the backend stream once the
// queue head's properties no longer match the stream's. Called with the
// Core lock held.
func (s *PlaybackStream) fixOutdatedProps() {
	if !s.outdatedProps.Load() {
		return
	}
	newFormat, ok := s.queue.FrontFormat()
	if !ok {
		return
	}
	newRate, ok := s.queue.FrontSampleRate()
	if !ok {
		return
	}
	s.updateProps(newFormat, newRate)
	s.outdatedProps.Store(false)
}

// streamTime returns timeBase plus the backend stream's own elapsed time.
// Called with the Core lock held.
func (s *PlaybackStream) streamTime() time.Duration {
	t, err := s.backendStream.Time()
	if err != nil {
		return s.timeBase
	}
	return s.timeBase + t
}

// updateProps adapts the stream to a new (format, rate). A format change
// rebuilds the backend stream; a rate-only change updates it in place.
// Called with the Core lock held.
func (s *PlaybackStream) updateProps(newFormat pcm.Format, newRate uint32) {
	if newFormat != s.format {
		if t, err := s.backendStream.Time(); err == nil {
			s.timeBase += t
		}

		wasPlaying := s.playing.Load()
		s.drainLocked()
		s.backendStream.Disconnect()

		s.format = newFormat
		s.rate = newRate

		bs, err := s.core.Server().NewStream(backend.StreamSpec{
			Format:     newFormat,
			SampleRate: newRate,
			Channels:   1,
		})
		if err != nil {
			logger.Printf("rebuild stream: %v", err)
			return
		}
		bs.SetStateCallback(s.onState)
		bs.SetWriteCallback(s.onWrite)
		bs.SetUnderflowCallback(s.onUnderflow)

		if err := bs.Connect(s.sink.Name(), s.bufferAttr(), connectFlags); err != nil {
			logger.Printf("rebuild connect: %v", err)
			return
		}
		for {
			st := bs.State()
			if st == backend.StreamReady || st == backend.StreamFailed {
				break
			}
			s.core.Wait()
		}
		s.backendStream = bs

		if bs.State() == backend.StreamReady && wasPlaying {
			s.uncorkLocked()
		}
		return
	}

	if newRate != s.rate {
		op, err := s.backendStream.UpdateSampleRate(newRate, s.successCallback())
		if err != nil {
			logger.Printf("update sample rate: %v", err)
			return
		}
		_ = op
		if s.waitResult() {
			s.rate = newRate
		}
	}
}

// uncorkLocked issues Cork(false, ...) and waits for the result. Called
// with the Core lock held.
func (s *PlaybackStream) uncorkLocked() {
	if _, err := s.backendStream.Cork(false, s.successCallback()); err != nil {
		logger.Printf("uncork: %v", err)
		return
	}
	if s.waitResult() {
		s.playing.Store(true)
	}
}

// drainLocked refreshes timing info until the backend reports a latency,
// sleeps that long unless the latency is flagged negative, then issues Drain
// and waits for it. Called with the Core lock held.
func (s *PlaybackStream) drainLocked() {
	if !s.playing.Load() {
		return
	}
	for {
		usec, negative, err := s.backendStream.Latency()
		if err == nil {
			if !negative {
				time.Sleep(time.Duration(usec) * time.Microsecond)
			}
			break
		}
		if op, err := s.backendStream.UpdateTimingInfo(s.successCallback()); err == nil {
			_ = op
			s.waitResult()
		} else {
			break
		}
	}
	if _, err := s.backendStream.Drain(s.successCallback()); err != nil {
		logger.Printf("drain: %v", err)
		return
	}
	s.waitResult()
	s.playing.Store(false)
}

// Play uncorks the stream if it is currently corked. Calling Play while
// already Playing is a no-op.
func (s *PlaybackStream) Play() {
	if s.playing.Load() {
		return
	}
	s.core.Lock()
	defer s.core.Unlock()
	s.uncorkLocked()
}

// Drain waits for all written bytes to be consumed. Calling Drain on an
// already-corked stream is a no-op.
func (s *PlaybackStream) Drain() {
	s.core.Lock()
	defer s.core.Unlock()
	s.drainLocked()
}

// State returns the stream's connection-level state.
func (s *PlaybackStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BackendStream returns the backend.Stream currently backing this
// PlaybackStream. It is replaced wholesale on a format-change rebuild, so
// callers should not cache the returned value across a call that might
// trigger one.
func (s *PlaybackStream) BackendStream() backend.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendStream
}

// Close tears the stream down: it marks Destructing, wakes and joins the
// writer goroutine, drains and disconnects the backend stream, then
// releases the Queue, Sink and Core references in that order.
func (s *PlaybackStream) Close() error {
	s.destructing.Store(true)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()

	s.core.Lock()
	s.drainLocked()
	s.backendStream.SetWriteCallback(nil)
	err := s.backendStream.Disconnect()
	s.state = Disconnected
	s.core.Unlock()

	s.queue.Unref()
	s.sink.Unref()
	s.core.Unref()

	if err != nil {
		return fmt.Errorf("stream: disconnect: %w", err)
	}
	return nil
}
