package padriver

import (
	"bytes"
	"testing"

	"virtualmic/backend"
)

func TestRingBufferWriteReadRoundTrip(t *testing.T) {
	r := newRingBuffer(8)
	if got := r.write([]byte{1, 2, 3}); got != 3 {
		t.Fatalf("write() = %d, want 3", got)
	}
	out := make([]byte, 3)
	if got := r.read(out); got != 3 {
		t.Fatalf("read() = %d, want 3", got)
	}
	if !bytes.Equal(out, []byte{1, 2, 3}) {
		t.Fatalf("read bytes = %v, want [1 2 3]", out)
	}
	if r.writable() != 8 {
		t.Fatalf("writable() = %d, want 8 after fully draining", r.writable())
	}
}

func TestRingBufferWriteTruncatesAtCapacity(t *testing.T) {
	r := newRingBuffer(4)
	got := r.write([]byte{1, 2, 3, 4, 5, 6})
	if got != 4 {
		t.Fatalf("write() = %d, want 4 (truncated to capacity)", got)
	}
	if r.writable() != 0 {
		t.Fatalf("writable() = %d, want 0", r.writable())
	}
}

func TestRingBufferReadZeroFillsShortfall(t *testing.T) {
	r := newRingBuffer(8)
	r.write([]byte{9, 9})
	out := make([]byte, 5)
	got := r.read(out)
	if got != 2 {
		t.Fatalf("read() = %d, want 2 real bytes", got)
	}
	want := []byte{9, 9, 0, 0, 0}
	if !bytes.Equal(out, want) {
		t.Fatalf("read bytes = %v, want %v", out, want)
	}
}

func TestRingBufferWrapsAround(t *testing.T) {
	r := newRingBuffer(4)
	r.write([]byte{1, 2, 3})
	out := make([]byte, 2)
	r.read(out) // drains 1,2; one byte (3) and three free slots remain
	r.write([]byte{4, 5})
	full := make([]byte, 3)
	got := r.read(full)
	if got != 3 {
		t.Fatalf("read() = %d, want 3", got)
	}
	if !bytes.Equal(full, []byte{3, 4, 5}) {
		t.Fatalf("read bytes = %v, want [3 4 5]", full)
	}
}

func TestLoadModuleAssignsIncrementingIndicesAndDistinguishesRoles(t *testing.T) {
	s := New()
	var sinkIdx, sourceIdx uint32
	if _, err := s.LoadModule("module-null-sink", "sink_name=a", func(i uint32) { sinkIdx = i }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadModule("module-remap-source", "source_name=b master=a.monitor", func(i uint32) { sourceIdx = i }); err != nil {
		t.Fatal(err)
	}
	if sinkIdx != 0 || sourceIdx != 1 {
		t.Fatalf("got indices (%d, %d), want (0, 1)", sinkIdx, sourceIdx)
	}
}

func TestUnloadModuleReportsSuccess(t *testing.T) {
	s := New()
	var idx uint32
	s.LoadModule("module-null-sink", "sink_name=a", func(i uint32) { idx = i })

	var ok bool
	if _, err := s.UnloadModule(idx, func(success bool) { ok = success }); err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("UnloadModule reported success=false for a module that was loaded")
	}
}

func TestClosedServerRejectsFurtherCalls(t *testing.T) {
	s := New()
	s.closed = true
	if _, err := s.LoadModule("x", "", nil); err == nil {
		t.Fatal("LoadModule on a closed server should fail")
	}
	if _, err := s.NewStream(backend.StreamSpec{}); err == nil {
		t.Fatal("NewStream on a closed server should fail")
	}
}

func TestBeginWriteClampsToWritableRoom(t *testing.T) {
	s := newStream(New(), backend.StreamSpec{Channels: 1})
	s.ring = newRingBuffer(4)

	region, err := s.BeginWrite(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(region) != 4 {
		t.Fatalf("BeginWrite(10) on a 4-byte ring returned %d bytes, want 4", len(region))
	}
}

func TestCancelWriteDropsPendingRegionWithoutCommitting(t *testing.T) {
	s := newStream(New(), backend.StreamSpec{Channels: 1})
	s.ring = newRingBuffer(8)

	if _, err := s.BeginWrite(4); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelWrite(); err != nil {
		t.Fatal(err)
	}
	if s.ring.n != 0 {
		t.Fatalf("ring has %d bytes queued after CancelWrite, want 0", s.ring.n)
	}
}

func TestWriteCommitsIntoRingAndCountsCalls(t *testing.T) {
	s := newStream(New(), backend.StreamSpec{Channels: 1})
	s.ring = newRingBuffer(8)

	region, _ := s.BeginWrite(4)
	copy(region, []byte{1, 2, 3, 4})
	if err := s.Write(region, 0); err != nil {
		t.Fatal(err)
	}
	if s.ring.n != 4 {
		t.Fatalf("ring has %d bytes, want 4", s.ring.n)
	}
	if s.writeCount.Load() != 1 {
		t.Fatalf("writeCount = %d, want 1", s.writeCount.Load())
	}
}
