package fake

import (
	"context"
	"testing"
	"time"

	"virtualmic/backend"
	"virtualmic/pcm"
)

func TestConnectSucceedsByDefault(t *testing.T) {
	s := New()
	s.Lock()
	defer s.Unlock()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectBlocksUntilUnblocked(t *testing.T) {
	s := New()
	s.ConnectBlockCh = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		s.Lock()
		defer s.Unlock()
		done <- s.Connect(context.Background())
	}()

	deadline := time.After(2 * time.Second)
	for !s.BlockedInConnect() {
		select {
		case <-deadline:
			t.Fatal("Connect did not block within 2s")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(s.ConnectBlockCh)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after unblocking")
	}
}

func TestLoadModuleAssignsIncrementingIndices(t *testing.T) {
	s := New()
	var gotA, gotB uint32
	if _, err := s.LoadModule("module-null-sink", "sink_name=a", func(idx uint32) { gotA = idx }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadModule("module-remap-source", "source_name=b", func(idx uint32) { gotB = idx }); err != nil {
		t.Fatal(err)
	}
	if gotA != 0 || gotB != 1 {
		t.Fatalf("got indices (%d, %d), want (0, 1)", gotA, gotB)
	}
	mods := s.LoadedModules()
	if mods[0] != "module-null-sink" || mods[1] != "module-remap-source" {
		t.Fatalf("LoadedModules = %v", mods)
	}
}

func TestUnloadModuleReportsSuccess(t *testing.T) {
	s := New()
	var idx uint32
	s.LoadModule("module-null-sink", "", func(i uint32) { idx = i })

	var success bool
	if _, err := s.UnloadModule(idx, func(ok bool) { success = ok }); err != nil {
		t.Fatal(err)
	}
	if !success {
		t.Fatal("UnloadModule reported success=false for a module that was loaded")
	}
	if len(s.LoadedModules()) != 0 {
		t.Fatal("module still present after unload")
	}
}

func TestClosedServerRejectsFurtherCalls(t *testing.T) {
	s := New()
	s.Close()
	if _, err := s.LoadModule("x", "", nil); err == nil {
		t.Fatal("LoadModule on closed server should fail")
	}
	if _, err := s.NewStream(backend.StreamSpec{Format: pcm.S16LE, SampleRate: 48000, Channels: 1}); err == nil {
		t.Fatal("NewStream on closed server should fail")
	}
}

func TestStreamCapturesWrittenBytes(t *testing.T) {
	s := New()
	strm, err := s.NewStream(backend.StreamSpec{Format: pcm.S16LE, SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := strm.Connect("virtualmic_sink", backend.BufferAttr{}, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { strm.Disconnect() })
	if strm.State() != backend.StreamReady {
		t.Fatalf("State() = %v, want StreamReady", strm.State())
	}

	buf, err := strm.BeginWrite(4)
	if err != nil {
		t.Fatal(err)
	}
	copy(buf, []byte{1, 2, 3, 4})
	if err := strm.Write(buf, 0); err != nil {
		t.Fatal(err)
	}

	fs := strm.(*Stream)
	if got := fs.Captured(); len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Fatalf("Captured() = %v, want [1 2 3 4]", got)
	}
	if fs.WriteCount() != 1 {
		t.Fatalf("WriteCount() = %d, want 1", fs.WriteCount())
	}
}

func TestSetWritableDrivesWriteCallback(t *testing.T) {
	s := New()
	strm, _ := s.NewStream(backend.StreamSpec{Format: pcm.U8, SampleRate: 8000, Channels: 1})
	fs := strm.(*Stream)

	var gotN int
	fs.SetWriteCallback(func(n int) { gotN = n })
	fs.SetWritable(256)

	if gotN != 256 {
		t.Fatalf("write callback received %d, want 256", gotN)
	}
	if fs.WritableSize() != 256 {
		t.Fatalf("WritableSize() = %d, want 256", fs.WritableSize())
	}
}

func TestDisconnectTransitionsToTerminated(t *testing.T) {
	s := New()
	strm, _ := s.NewStream(backend.StreamSpec{Format: pcm.U8, SampleRate: 8000, Channels: 1})
	strm.Connect("", backend.BufferAttr{}, 0)

	var gotState backend.StreamState
	strm.SetStateCallback(func(st backend.StreamState) { gotState = st })
	if err := strm.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if gotState != backend.StreamTerminated || strm.State() != backend.StreamTerminated {
		t.Fatalf("after Disconnect: state=%v callback=%v, want StreamTerminated", strm.State(), gotState)
	}
}
