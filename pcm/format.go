// Package pcm defines the raw, uncompressed audio data model shared by the
// queue, the stream, and the backend interfaces: a closed set of sample
// formats and an owned, append-only buffer tagged with its format and
// sample rate.
package pcm

import "fmt"

// Format is a closed enumeration of the raw PCM sample encodings this engine
// understands. There is no compressed or multi-channel variant — mixing,
// resampling and anything beyond mono is out of scope for this engine.
type Format int

const (
	Unspecified Format = iota
	U8
	S16LE
	S16BE
	S24LE
	S24BE
	S32LE
	S32BE
	F32LE
	F32BE
)

// byteWidths mirrors the fixed per-sample byte width of every non-Unspecified
// format.
var byteWidths = map[Format]int{
	U8:    1,
	S16LE: 2,
	S16BE: 2,
	S24LE: 3,
	S24BE: 3,
	S32LE: 4,
	S32BE: 4,
	F32LE: 4,
	F32BE: 4,
}

// ByteWidth returns the fixed byte width of one sample in f. It returns 0 for
// Unspecified and any out-of-range value.
func ByteWidth(f Format) int {
	return byteWidths[f]
}

// Valid reports whether f is a known, non-Unspecified format.
func Valid(f Format) bool {
	_, ok := byteWidths[f]
	return ok
}

func (f Format) String() string {
	switch f {
	case Unspecified:
		return "unspecified"
	case U8:
		return "u8"
	case S16LE:
		return "s16le"
	case S16BE:
		return "s16be"
	case S24LE:
		return "s24le"
	case S24BE:
		return "s24be"
	case S32LE:
		return "s32le"
	case S32BE:
		return "s32be"
	case F32LE:
		return "f32le"
	case F32BE:
		return "f32be"
	default:
		return fmt.Sprintf("pcm.Format(%d)", int(f))
	}
}
