package audiocore

import (
	"context"
	"errors"
	"testing"

	"virtualmic/backend/fake"
)

func TestNewConnectsAndUnrefCloses(t *testing.T) {
	srv := fake.New()
	c, err := New(context.Background(), srv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Unref()
}

func TestNewPropagatesConnectError(t *testing.T) {
	srv := fake.New()
	srv.ConnectErr = errors.New("boom")
	if _, err := New(context.Background(), srv); err == nil {
		t.Fatal("expected New to propagate a Connect error")
	}
}

func TestLoadAndUnloadVirtualDevice(t *testing.T) {
	srv := fake.New()
	c, err := New(context.Background(), srv)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Unref()

	idx, err := c.LoadVirtualDevice("module-null-sink", "sink_name=test")
	if err != nil {
		t.Fatalf("LoadVirtualDevice: %v", err)
	}
	if idx == NoIndex {
		t.Fatal("LoadVirtualDevice returned NoIndex")
	}
	if mods := srv.LoadedModules(); mods[idx] != "module-null-sink" {
		t.Fatalf("LoadedModules = %v", mods)
	}

	if err := c.UnloadVirtualDevice(idx); err != nil {
		t.Fatalf("UnloadVirtualDevice: %v", err)
	}
	if len(srv.LoadedModules()) != 0 {
		t.Fatal("module still loaded after UnloadVirtualDevice")
	}
}

func TestUnloadVirtualDeviceNoIndexIsNoop(t *testing.T) {
	srv := fake.New()
	c, err := New(context.Background(), srv)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Unref()

	if err := c.UnloadVirtualDevice(NoIndex); err != nil {
		t.Fatalf("UnloadVirtualDevice(NoIndex) = %v, want nil", err)
	}
}

func TestRefKeepsBackendOpenUntilAllReleased(t *testing.T) {
	srv := fake.New()
	c, err := New(context.Background(), srv)
	if err != nil {
		t.Fatal(err)
	}

	c2 := c.Ref()
	if c2 == nil {
		t.Fatal("Ref returned nil on a live Core")
	}
	c.Unref()
	if c2.Server() == nil {
		t.Fatal("backend released while a strong ref is still outstanding")
	}
	c2.Unref()
}
