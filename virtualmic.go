// Package virtualmic wires a backend.Server into a running virtual
// microphone: a virtual sink, a virtual source remapping that sink's
// monitor, and a playback stream draining a pcmqueue.Queue into the sink.
// Context is the module's single entry point, constructing and owning all
// four pieces in order.
package virtualmic

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"virtualmic/audiocore"
	"virtualmic/backend"
	"virtualmic/config"
	"virtualmic/device"
	"virtualmic/pcm"
	"virtualmic/pcmqueue"
	"virtualmic/stream"
)

// Context owns the full chain: Core -> Sink -> Source -> Stream, plus the
// Queue an external producer feeds. Construction is all-or-nothing; Close
// releases everything in reverse order.
type Context struct {
	core   *audiocore.Core
	sink   *device.Sink
	source *device.Source
	queue  *pcmqueue.Queue
	strm   *stream.PlaybackStream

	opts config.Options
}

// New connects srv, loads a virtual sink and a virtual source remapping its
// monitor, and starts a playback stream on the sink draining a freshly
// created Queue. format/rate describe the stream's initial negotiation;
// the stream adapts as the queue's actual content changes (see package
// stream). On any failure New releases exactly the resources it
// had already acquired and returns a nil *Context.
func New(ctx context.Context, srv backend.Server, format pcm.Format, rate uint32, opts config.Options) (*Context, error) {
	core, err := audiocore.New(ctx, srv)
	if err != nil {
		return nil, fmt.Errorf("virtualmic: core: %w", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(os.Getpid())))

	sink, err := device.NewSink(core, rng, opts.SinkDescription)
	if err != nil {
		core.Unref()
		return nil, fmt.Errorf("virtualmic: new sink: %w", err)
	}
	if err := sink.Load(); err != nil {
		sink.Unref()
		core.Unref()
		return nil, fmt.Errorf("virtualmic: load sink: %w", err)
	}

	source, err := device.NewSource(core, sink, rng, opts.SourceDescription)
	if err != nil {
		sink.Unref()
		core.Unref()
		return nil, fmt.Errorf("virtualmic: new source: %w", err)
	}
	if err := source.Load(); err != nil {
		source.Unref()
		sink.Unref()
		core.Unref()
		return nil, fmt.Errorf("virtualmic: load source: %w", err)
	}

	queue := pcmqueue.New(opts.MaxQueueDuration)

	strm, err := stream.New(core, sink, queue, format, rate, opts)
	if err != nil {
		queue.Unref()
		source.Unref()
		sink.Unref()
		core.Unref()
		return nil, fmt.Errorf("virtualmic: new stream: %w", err)
	}

	return &Context{
		core:   core,
		sink:   sink,
		source: source,
		queue:  queue,
		strm:   strm,
		opts:   opts,
	}, nil
}

// Queue returns the Context's Queue, the handle an external producer pushes
// pcm.Buffer values onto.
func (c *Context) Queue() *pcmqueue.Queue {
	return c.queue
}

// Stream returns the Context's playback stream.
func (c *Context) Stream() *stream.PlaybackStream {
	return c.strm
}

// Sink returns the Context's virtual sink.
func (c *Context) Sink() *device.Sink {
	return c.sink
}

// Source returns the Context's virtual source.
func (c *Context) Source() *device.Source {
	return c.source
}

// Update kicks the playback stream into Playing state if it is not already.
// This mirrors the original project's periodic pump hook; the threaded
// writer goroutine makes repeated calls unnecessary for steady-state
// playback, but a caller that prefers a tick-driven model (e.g. aligning
// with its own application event loop) can call this on every tick instead
// of calling Stream().Play() once.
func (c *Context) Update() {
	if c.strm == nil {
		return
	}
	c.strm.Play()
}

// Close tears the Context down: drains and disconnects the stream, unrefs
// the queue, source, sink and core in that order, and nils each field as it
// is released.
func (c *Context) Close() error {
	var err error
	if c.strm != nil {
		err = c.strm.Close()
		c.strm = nil
	}
	if c.queue != nil {
		c.queue.Unref()
		c.queue = nil
	}
	if c.source != nil {
		c.source.Unref()
		c.source = nil
	}
	if c.sink != nil {
		c.sink.Unref()
		c.sink = nil
	}
	if c.core != nil {
		c.core.Unref()
		c.core = nil
	}
	return err
}
