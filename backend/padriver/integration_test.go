//go:build padriver_integration

// Opt-in integration test that opens a real PortAudio output stream on the
// default device. Run with `go test -tags padriver_integration ./backend/padriver`
// on a machine with a working audio output; not part of the default suite.
package padriver

import (
	"context"
	"testing"
	"time"

	"virtualmic/backend"
	"virtualmic/pcm"
)

func TestConnectOpensAndPlaysOnDefaultDevice(t *testing.T) {
	srv := New()
	srv.Lock()
	defer srv.Unlock()
	if err := srv.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer srv.Close()

	strm, err := srv.NewStream(backend.StreamSpec{Format: pcm.U8, SampleRate: 48000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := strm.Connect("", backend.BufferAttr{}, 0); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer strm.Disconnect()

	region, err := strm.BeginWrite(4800)
	if err != nil {
		t.Fatal(err)
	}
	for i := range region {
		region[i] = 0x7F
	}
	if err := strm.Write(region, 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
}
