package pcm

import "time"

// Buffer is an owned, immutable run of raw PCM bytes tagged with the format
// and sample rate it was captured/synthesised at. Buffers are append-only:
// once built, NewBuffer never exposes a way to mutate the underlying bytes.
type Buffer struct {
	bytes      []byte
	format     Format
	sampleRate uint32
}

// NewBuffer copies data into a new Buffer tagged with format and sampleRate.
// The copy means the caller is free to reuse its own backing array after
// the call returns.
func NewBuffer(data []byte, format Format, sampleRate uint32) Buffer {
	owned := make([]byte, len(data))
	copy(owned, data)
	return Buffer{bytes: owned, format: format, sampleRate: sampleRate}
}

// Bytes returns the buffer's underlying byte run. Callers must not mutate
// the returned slice.
func (b Buffer) Bytes() []byte { return b.bytes }

// Format returns the buffer's sample format.
func (b Buffer) Format() Format { return b.format }

// SampleRate returns the buffer's sample rate in Hz.
func (b Buffer) SampleRate() uint32 { return b.sampleRate }

// Len returns the number of bytes in the buffer.
func (b Buffer) Len() int { return len(b.bytes) }

// NumSamples returns the number of whole samples the buffer holds, i.e.
// len(bytes) / ByteWidth(format). Returns 0 for Unspecified.
func (b Buffer) NumSamples() int {
	w := ByteWidth(b.format)
	if w == 0 {
		return 0
	}
	return len(b.bytes) / w
}

// Duration returns the playback duration of the buffer at its tagged sample
// rate.
func (b Buffer) Duration() time.Duration {
	if b.sampleRate == 0 {
		return 0
	}
	samples := b.NumSamples()
	return time.Duration(samples) * time.Second / time.Duration(b.sampleRate)
}

// Empty reports whether the buffer carries zero bytes.
func (b Buffer) Empty() bool { return len(b.bytes) == 0 }
