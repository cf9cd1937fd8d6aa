package pcm

import "testing"

func TestByteWidth(t *testing.T) {
	cases := []struct {
		format Format
		width  int
	}{
		{U8, 1},
		{S16LE, 2},
		{S16BE, 2},
		{S24LE, 3},
		{S24BE, 3},
		{S32LE, 4},
		{S32BE, 4},
		{F32LE, 4},
		{F32BE, 4},
		{Unspecified, 0},
	}
	for _, c := range cases {
		if got := ByteWidth(c.format); got != c.width {
			t.Errorf("ByteWidth(%v) = %d, want %d", c.format, got, c.width)
		}
	}
}

func TestValid(t *testing.T) {
	if Valid(Unspecified) {
		t.Error("Unspecified must not be Valid")
	}
	if !Valid(S16LE) {
		t.Error("S16LE must be Valid")
	}
}

func TestBufferRoundTrip(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6}
	buf := NewBuffer(data, S16LE, 8000)

	if buf.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", buf.Len())
	}
	if buf.NumSamples() != 3 {
		t.Fatalf("NumSamples() = %d, want 3", buf.NumSamples())
	}
	if buf.Format() != S16LE {
		t.Fatalf("Format() = %v, want S16LE", buf.Format())
	}
	if buf.SampleRate() != 8000 {
		t.Fatalf("SampleRate() = %d, want 8000", buf.SampleRate())
	}

	// Mutating the caller's slice after construction must not affect the
	// buffer's copy.
	data[0] = 0xFF
	if buf.Bytes()[0] == 0xFF {
		t.Fatal("Buffer.Bytes() aliased the caller's slice")
	}
}

func TestBufferDuration(t *testing.T) {
	// 8000 samples of U8 @ 8000Hz = exactly one second.
	data := make([]byte, 8000)
	buf := NewBuffer(data, U8, 8000)
	if got := buf.Duration(); got.Seconds() != 1.0 {
		t.Fatalf("Duration() = %v, want 1s", got)
	}
}

func TestBufferEmpty(t *testing.T) {
	if !(NewBuffer(nil, U8, 8000).Empty()) {
		t.Fatal("expected empty buffer for nil data")
	}
	if NewBuffer([]byte{1}, U8, 8000).Empty() {
		t.Fatal("expected non-empty buffer for 1 byte")
	}
}
