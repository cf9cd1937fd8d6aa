// Package device creates and tears down the virtual sink and source: the
// two audio-server modules that together make queued PCM appear to the rest
// of the system as a physical microphone.
package device

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"

	"virtualmic/audiocore"
	"virtualmic/refcount"
	"virtualmic/verr"
)

var logger = log.New(log.Writer(), "[device] ", log.LstdFlags)

// NoIndex marks a device whose module has not (or no longer) been loaded.
const NoIndex = audiocore.NoIndex

// DefaultServerRate is the sample rate the virtual sink and source are
// created at.
const DefaultServerRate uint32 = 48000

// Role names the kind of virtual device, embedded in its generated name.
type Role string

const (
	RoleSink   Role = "virtualmic_sink"
	RoleSource Role = "virtualmic_source"
)

// State is a virtual device's lifecycle position.
type State int

const (
	Created State = iota
	Loaded
	Unloaded
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Loaded:
		return "loaded"
	case Unloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// getpid is a seam over os.Getpid so tests can pin the pid component of a
// generated device name.
var getpid = os.Getpid

// generateName builds the "<random>-<role>-<pid>" device name. rng is a
// shared, package-external *rand.Rand seeded once per Context so repeated
// calls within a process produce distinct, reproducible-from-seed names.
func generateName(rng *rand.Rand, role Role) string {
	return formatName(rng.Intn(100000), role, getpid())
}

func formatName(randPart int, role Role, pid int) string {
	return fmt.Sprintf("%d-%s-%d", randPart, role, pid)
}

// argValue replaces spaces with underscores so a description can be embedded
// in a module argument string without quoting.
func argValue(s string) string {
	return strings.ReplaceAll(s, " ", "_")
}

// sinkState is the payload of a Sink's refcount.Cell.
type sinkState struct {
	core        *audiocore.Core
	name        string
	description string
	state       State
	idx         uint32
}

// Sink is the virtual null-sink audio applications (or this engine's own
// playback stream) write to.
type Sink struct {
	cell *refcount.Cell[*sinkState]
}

// NewSink creates (but does not yet Load) a virtual sink backed by core.
// NewSink takes a strong reference on core; it is released when the last
// reference to the returned Sink is dropped.
func NewSink(core *audiocore.Core, rng *rand.Rand, description string) (*Sink, error) {
	coreRef := core.Ref()
	if coreRef == nil {
		return nil, verr.ErrBadState
	}
	st := &sinkState{
		core:        coreRef,
		name:        generateName(rng, RoleSink),
		description: description,
		idx:         NoIndex,
	}
	return &Sink{cell: refcount.New(st, finalizeSink)}, nil
}

func finalizeSink(st *sinkState) {
	if st.state == Loaded {
		if err := st.core.UnloadVirtualDevice(st.idx); err != nil {
			logger.Printf("unload sink %s: %v", st.name, err)
		}
	}
	st.core.Unref()
}

// Ref increments the Sink's strong reference count.
func (s *Sink) Ref() *Sink {
	if s.cell.Ref() == nil {
		return nil
	}
	return s
}

// Unref decrements the Sink's strong reference count.
func (s *Sink) Unref() { s.cell.Unref() }

// Name returns the sink's generated device name.
func (s *Sink) Name() string { return s.cell.Get().name }

// MonitorName returns the name of this sink's monitor source, the one a
// remap-source's master argument points at.
func (s *Sink) MonitorName() string { return s.cell.Get().name + ".monitor" }

// Args returns the module-null-sink argument string this sink loads with.
func (s *Sink) Args() string {
	st := s.cell.Get()
	return fmt.Sprintf(
		"sink_name=%s sink_properties=device.description=%s rate=%d channels=1 channel_map=mono",
		st.name, argValue(st.description), DefaultServerRate,
	)
}

// State returns the sink's current lifecycle state.
func (s *Sink) State() State {
	s.cell.Lock()
	defer s.cell.Unlock()
	return s.cell.Get().state
}

// Index returns the assigned module index and whether the sink is loaded.
func (s *Sink) Index() (uint32, bool) {
	s.cell.Lock()
	defer s.cell.Unlock()
	st := s.cell.Get()
	return st.idx, st.state == Loaded
}

// Load loads the module-null-sink backing this sink. Calling Load on an
// already-loaded sink is a no-op.
func (s *Sink) Load() error {
	st := s.cell.Get()
	s.cell.Lock()
	if st.state == Loaded {
		s.cell.Unlock()
		return nil
	}
	s.cell.Unlock()

	idx, err := st.core.LoadVirtualDevice("module-null-sink", s.Args())
	if err != nil {
		return fmt.Errorf("device: load sink %s: %w", st.name, err)
	}

	s.cell.Lock()
	st.idx = idx
	st.state = Loaded
	s.cell.Unlock()
	return nil
}

// Unload unloads the sink's module. It is a no-op unless the sink is
// currently Loaded.
func (s *Sink) Unload() error {
	st := s.cell.Get()
	s.cell.Lock()
	if st.state != Loaded {
		s.cell.Unlock()
		return nil
	}
	idx := st.idx
	s.cell.Unlock()

	if err := st.core.UnloadVirtualDevice(idx); err != nil {
		return fmt.Errorf("device: unload sink %s: %w", st.name, err)
	}

	s.cell.Lock()
	st.state = Unloaded
	st.idx = NoIndex
	s.cell.Unlock()
	return nil
}

// sourceState is the payload of a Source's refcount.Cell.
type sourceState struct {
	core        *audiocore.Core
	sink        *Sink
	name        string
	description string
	state       State
	idx         uint32
}

// Source is the virtual remap-source other applications select as their
// microphone. It holds a strong reference on its master Sink, so the sink
// always outlives any source built on top of it.
type Source struct {
	cell *refcount.Cell[*sourceState]
}

// NewSource creates (but does not yet Load) a virtual source remapping
// sink's monitor. NewSource takes strong references on both core and sink.
func NewSource(core *audiocore.Core, sink *Sink, rng *rand.Rand, description string) (*Source, error) {
	coreRef := core.Ref()
	if coreRef == nil {
		return nil, verr.ErrBadState
	}
	sinkRef := sink.Ref()
	if sinkRef == nil {
		coreRef.Unref()
		return nil, verr.ErrBadState
	}
	st := &sourceState{
		core:        coreRef,
		sink:        sinkRef,
		name:        generateName(rng, RoleSource),
		description: description,
		idx:         NoIndex,
	}
	return &Source{cell: refcount.New(st, finalizeSource)}, nil
}

func finalizeSource(st *sourceState) {
	if st.state == Loaded {
		if err := st.core.UnloadVirtualDevice(st.idx); err != nil {
			logger.Printf("unload source %s: %v", st.name, err)
		}
	}
	st.core.Unref()
	st.sink.Unref()
}

// Ref increments the Source's strong reference count.
func (s *Source) Ref() *Source {
	if s.cell.Ref() == nil {
		return nil
	}
	return s
}

// Unref decrements the Source's strong reference count.
func (s *Source) Unref() { s.cell.Unref() }

// Name returns the source's generated device name.
func (s *Source) Name() string { return s.cell.Get().name }

// Args returns the module-remap-source argument string this source loads
// with.
func (s *Source) Args() string {
	st := s.cell.Get()
	return fmt.Sprintf(
		"source_name=%s source_properties=device.description=%s master=%s master_channel_map=mono rate=%d channels=1 channel_map=mono",
		st.name, argValue(st.description), st.sink.MonitorName(), DefaultServerRate,
	)
}

// State returns the source's current lifecycle state.
func (s *Source) State() State {
	s.cell.Lock()
	defer s.cell.Unlock()
	return s.cell.Get().state
}

// Index returns the assigned module index and whether the source is loaded.
func (s *Source) Index() (uint32, bool) {
	s.cell.Lock()
	defer s.cell.Unlock()
	st := s.cell.Get()
	return st.idx, st.state == Loaded
}

// Load loads the module-remap-source backing this source. Calling Load on
// an already-loaded source is a no-op.
func (s *Source) Load() error {
	st := s.cell.Get()
	s.cell.Lock()
	if st.state == Loaded {
		s.cell.Unlock()
		return nil
	}
	s.cell.Unlock()

	idx, err := st.core.LoadVirtualDevice("module-remap-source", s.Args())
	if err != nil {
		return fmt.Errorf("device: load source %s: %w", st.name, err)
	}

	s.cell.Lock()
	st.idx = idx
	st.state = Loaded
	s.cell.Unlock()
	return nil
}

// Unload unloads the source's module. It is a no-op unless the source is
// currently Loaded.
func (s *Source) Unload() error {
	st := s.cell.Get()
	s.cell.Lock()
	if st.state != Loaded {
		s.cell.Unlock()
		return nil
	}
	idx := st.idx
	s.cell.Unlock()

	if err := st.core.UnloadVirtualDevice(idx); err != nil {
		return fmt.Errorf("device: unload source %s: %w", st.name, err)
	}

	s.cell.Lock()
	st.state = Unloaded
	st.idx = NoIndex
	s.cell.Unlock()
	return nil
}
