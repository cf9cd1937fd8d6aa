package virtualmic

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"virtualmic/backend/fake"
	"virtualmic/config"
	"virtualmic/pcm"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("condition not met within %v", timeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestNewWiresSinkAndSourceModules(t *testing.T) {
	srv := fake.New()
	ctx, err := New(context.Background(), srv, pcm.U8, 8000, config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctx.Close()

	mods := srv.LoadedModules()
	if len(mods) != 2 {
		t.Fatalf("LoadedModules() has %d entries, want 2 (sink + source)", len(mods))
	}
}

func TestContextPlaysPushedAudioEndToEnd(t *testing.T) {
	srv := fake.New()
	ctx, err := New(context.Background(), srv, pcm.U8, 8000, config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctx.Close()
	ctx.Update()

	data := bytes.Repeat([]byte{0x42}, 4800)
	if err := ctx.Queue().Push(pcm.NewBuffer(data, pcm.U8, 8000)); err != nil {
		t.Fatal(err)
	}

	// Whole writable regions are committed with silence padding after the
	// queued bytes, so expect the pushed data followed only by zeros.
	fakeStream := ctx.Stream().BackendStream().(*fake.Stream)
	waitFor(t, time.Second, func() bool {
		got := fakeStream.Captured()
		return len(got) >= len(data) && bytes.Equal(got[:len(data)], data) &&
			len(bytes.Trim(got[len(data):], "\x00")) == 0
	})
}

func TestNewFailsAllOrNothingWhenConnectFails(t *testing.T) {
	srv := fake.New()
	srv.ConnectErr = errors.New("boom")

	ctx, err := New(context.Background(), srv, pcm.U8, 8000, config.Default())
	if err == nil {
		t.Fatal("New with a failing Connect should return an error")
	}
	if ctx != nil {
		t.Fatal("New should return a nil Context on failure")
	}
}

func TestCloseIsIdempotentFieldWise(t *testing.T) {
	srv := fake.New()
	ctx, err := New(context.Background(), srv, pcm.U8, 8000, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ctx.strm != nil || ctx.queue != nil || ctx.source != nil || ctx.sink != nil || ctx.core != nil {
		t.Fatal("Close did not nil out all fields")
	}
}
