// Package pcmqueue implements the bounded, FIFO raw-audio queue that sits
// between an external producer and the playback stream's writer goroutine.
package pcmqueue

import (
	"time"

	"virtualmic/pcm"
	"virtualmic/refcount"
	"virtualmic/verr"
)

// state is the payload the queue's refcount.Cell wraps — everything the
// queue's own lock protects lives here.
type state struct {
	buffers     []pcm.Buffer
	readCursor  int
	maxDuration time.Duration
}

// Queue is a shared-ownership, lock-guarded FIFO of pcm.Buffer. It is safe
// for concurrent use by one producer and one consumer (or any number of
// either, serialized by the queue's own lock).
type Queue struct {
	cell *refcount.Cell[*state]
}

// New creates an empty Queue bounded to maxDuration of total queued audio.
func New(maxDuration time.Duration) *Queue {
	st := &state{maxDuration: maxDuration}
	return &Queue{cell: refcount.New(st, nil)}
}

// Ref increments the queue's strong reference count.
func (q *Queue) Ref() *Queue {
	if q.cell.Ref() == nil {
		return nil
	}
	return q
}

// Unref decrements the queue's strong reference count.
func (q *Queue) Unref() {
	q.cell.Unref()
}

// Lock acquires the queue's lock, for callers that need to perform a
// multi-step atomic drain via the *Locked methods.
func (q *Queue) Lock() { q.cell.Lock() }

// Unlock releases the queue's lock.
func (q *Queue) Unlock() { q.cell.Unlock() }

func totalDuration(st *state) time.Duration {
	var total time.Duration
	for i, b := range st.buffers {
		d := b.Duration()
		if i == 0 && st.readCursor > 0 {
			// Only the unread tail of the front buffer counts toward the
			// queued duration.
			w := pcm.ByteWidth(b.Format())
			if w > 0 {
				unread := b.Len() - st.readCursor
				if unread < 0 {
					unread = 0
				}
				samples := unread / w
				d = time.Duration(samples) * time.Second / time.Duration(b.SampleRate())
			}
		}
		total += d
	}
	return total
}

// Push appends buf at the tail of the queue. If the resulting total queued
// duration would exceed maxDuration, buffers are dropped from the head
// (oldest first, whole buffers only) until it fits again; the front buffer's
// already-consumed bytes do not count toward the total. buf must be
// non-empty and carry a concrete (non-Unspecified) format.
func (q *Queue) Push(buf pcm.Buffer) error {
	if buf.Empty() {
		return verr.ErrInvalidArgument
	}
	if !pcm.Valid(buf.Format()) {
		return verr.ErrInvalidArgument
	}

	q.cell.Lock()
	defer q.cell.Unlock()
	st := q.cell.Get()

	st.buffers = append(st.buffers, buf)

	for st.maxDuration > 0 && totalDuration(st) > st.maxDuration && len(st.buffers) > 1 {
		// Drop the oldest buffer entirely; if it is the current front
		// buffer, its partially-read cursor is discarded along with it.
		st.buffers = st.buffers[1:]
		st.readCursor = 0
	}
	// If a single buffer alone still exceeds maxDuration (e.g. the very
	// first push), it is kept whole rather than truncated mid-sample: the
	// bound is a soft target enforced across buffer boundaries, never by
	// slicing a buffer's bytes.
	return nil
}

// HasBytes reports whether the queue currently holds at least one unread
// byte.
func (q *Queue) HasBytes() bool {
	q.cell.Lock()
	defer q.cell.Unlock()
	st := q.cell.Get()
	return len(st.buffers) > 0 && st.readCursor < st.buffers[0].Len()
}

// HasBuffers reports whether the queue currently holds at least one buffer.
func (q *Queue) HasBuffers() bool {
	q.cell.Lock()
	defer q.cell.Unlock()
	return len(q.cell.Get().buffers) > 0
}

// FrontFormat returns the format of the head buffer, or ok=false if the
// queue is empty.
func (q *Queue) FrontFormat() (format pcm.Format, ok bool) {
	q.cell.Lock()
	defer q.cell.Unlock()
	st := q.cell.Get()
	if len(st.buffers) == 0 {
		return pcm.Unspecified, false
	}
	return st.buffers[0].Format(), true
}

// FrontSampleRate returns the sample rate of the head buffer, or ok=false if
// the queue is empty.
func (q *Queue) FrontSampleRate() (rate uint32, ok bool) {
	q.cell.Lock()
	defer q.cell.Unlock()
	st := q.cell.Get()
	if len(st.buffers) == 0 {
		return 0, false
	}
	return st.buffers[0].SampleRate(), true
}

// Read copies up to len(dst) bytes starting at the read cursor of the front
// buffer into dst, stopping at the first buffer boundary, and returns the
// number of bytes copied together with the (format, rate) of those bytes.
// Exhausted front buffers are popped. Read acquires the queue's lock.
func (q *Queue) Read(dst []byte) (n int, format pcm.Format, rate uint32) {
	q.cell.Lock()
	defer q.cell.Unlock()
	return readLocked(q.cell.Get(), dst)
}

// ReadLocked is identical to Read but assumes the caller already holds the
// queue's lock (via Lock/Unlock).
func (q *Queue) ReadLocked(dst []byte) (n int, format pcm.Format, rate uint32) {
	return readLocked(q.cell.Get(), dst)
}

func readLocked(st *state, dst []byte) (n int, format pcm.Format, rate uint32) {
	if len(st.buffers) == 0 || len(dst) == 0 {
		return 0, pcm.Unspecified, 0
	}
	front := st.buffers[0]
	available := front.Len() - st.readCursor
	if available <= 0 {
		popFront(st)
		if len(st.buffers) == 0 {
			return 0, pcm.Unspecified, 0
		}
		front = st.buffers[0]
		available = front.Len() - st.readCursor
	}

	toCopy := len(dst)
	if toCopy > available {
		toCopy = available
	}
	toCopy = roundDownToSampleBoundary(toCopy, front.Format())

	copy(dst[:toCopy], front.Bytes()[st.readCursor:st.readCursor+toCopy])
	st.readCursor += toCopy

	if st.readCursor >= front.Len() {
		popFront(st)
	}
	return toCopy, front.Format(), front.SampleRate()
}

// ReadWithProps behaves like Read, except it copies only while the head
// buffer's (format, rate) equals (expectFormat, expectRate). On the first
// buffer whose properties differ, it stops without consuming any of that
// buffer's bytes and returns sameProps=false.
func (q *Queue) ReadWithProps(dst []byte, expectFormat pcm.Format, expectRate uint32) (n int, sameProps bool) {
	q.cell.Lock()
	defer q.cell.Unlock()
	return readWithPropsLocked(q.cell.Get(), dst, expectFormat, expectRate)
}

// ReadWithPropsLocked is identical to ReadWithProps but assumes the caller
// already holds the queue's lock.
func (q *Queue) ReadWithPropsLocked(dst []byte, expectFormat pcm.Format, expectRate uint32) (n int, sameProps bool) {
	return readWithPropsLocked(q.cell.Get(), dst, expectFormat, expectRate)
}

func readWithPropsLocked(st *state, dst []byte, expectFormat pcm.Format, expectRate uint32) (n int, sameProps bool) {
	if len(st.buffers) == 0 {
		return 0, true
	}
	front := st.buffers[0]
	if front.Format() != expectFormat || front.SampleRate() != expectRate {
		return 0, false
	}
	copied, _, _ := readLocked(st, dst)
	return copied, true
}

func popFront(st *state) {
	st.buffers = st.buffers[1:]
	st.readCursor = 0
}

// roundDownToSampleBoundary returns the largest n' <= n that is a multiple
// of the byte width of format, so a Read call never splits a sample across
// two calls when the caller's buffer is too small to hold a whole number of
// samples.
func roundDownToSampleBoundary(n int, format pcm.Format) int {
	w := pcm.ByteWidth(format)
	if w <= 1 {
		return n
	}
	return n - (n % w)
}
