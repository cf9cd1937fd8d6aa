// Package config holds the process-lifetime tunables for the virtual
// microphone engine. Unlike the teacher's config package, these values are
// never persisted to disk: this module is constructed and configured
// in-process by its caller, not restored across restarts.
package config

import "time"

// LowLatencyBufferBytes and DefaultBufferBytes are the two TargetLength
// presets a PlaybackStream connects with, selected by Options.LowLatency.
const (
	LowLatencyBufferBytes = 600
	DefaultBufferBytes    = 6000
)

// DefaultMaxQueueDuration bounds how much audio pcmqueue.Queue holds before
// it starts dropping the oldest buffers.
const DefaultMaxQueueDuration = 2 * time.Second

// DefaultDeviceNamePrefix and the default human descriptions name the
// virtual sink/source this engine creates.
const (
	DefaultDeviceNamePrefix  = "virtualmic"
	DefaultSinkDescription   = "Virtual Microphone Output"
	DefaultSourceDescription = "Virtual Microphone"
)

// Options is the immutable configuration passed to virtualmic.New.
type Options struct {
	// LowLatency selects LowLatencyBufferBytes over DefaultBufferBytes for
	// the playback stream's TargetLength, trading underrun safety margin
	// for reduced end-to-end latency.
	LowLatency bool
	// MaxQueueDuration bounds pcmqueue.Queue's total buffered duration.
	MaxQueueDuration time.Duration
	// DeviceNamePrefix is reserved for future use by name generation;
	// today the generated name format is fixed as "<random>-<role>-<pid>".
	DeviceNamePrefix string
	// SinkDescription and SourceDescription are the human-readable
	// device.description properties the virtual sink/source are created
	// with.
	SinkDescription   string
	SourceDescription string
}

// Default returns sensible, zero-friendly Options. It never errors.
func Default() Options {
	return Options{
		LowLatency:        false,
		MaxQueueDuration:  DefaultMaxQueueDuration,
		DeviceNamePrefix:  DefaultDeviceNamePrefix,
		SinkDescription:   DefaultSinkDescription,
		SourceDescription: DefaultSourceDescription,
	}
}

// TargetLength returns the playback stream TargetLength implied by o.
func (o Options) TargetLength() uint32 {
	if o.LowLatency {
		return LowLatencyBufferBytes
	}
	return DefaultBufferBytes
}
