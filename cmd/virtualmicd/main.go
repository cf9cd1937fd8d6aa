// Command virtualmicd is a small demo/smoke-test harness for the virtualmic
// engine: it loads a virtual sink and source, then plays a synthesized tone
// (or, with -stdin, raw PCM piped in) through them until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"time"

	"virtualmic"
	"virtualmic/backend"
	"virtualmic/backend/fake"
	"virtualmic/backend/padriver"
	"virtualmic/config"
	"virtualmic/pcm"
)

func main() {
	backendName := flag.String("backend", "padriver", "backend to use: padriver (real PortAudio output) or fake (in-process, silent)")
	device := flag.Int("device", -1, "PortAudio output device index (padriver only; -1 for system default)")
	rate := flag.Uint("rate", 48000, "sample rate in Hz")
	lowLatency := flag.Bool("low-latency", false, "use the low-latency buffer target instead of the default")
	toneHz := flag.Float64("tone-hz", 440, "frequency of the synthesized test tone")
	stdin := flag.Bool("stdin", false, "read raw U8 PCM from stdin instead of synthesizing a tone")
	flag.Parse()

	var srv backend.Server
	switch *backendName {
	case "padriver":
		srv = padriver.New().WithDevice(*device)
	case "fake":
		srv = fake.New()
	default:
		log.Fatalf("unknown -backend %q (want padriver or fake)", *backendName)
	}

	opts := config.Default()
	opts.LowLatency = *lowLatency

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vm, err := virtualmic.New(ctx, srv, pcm.U8, uint32(*rate), opts)
	if err != nil {
		log.Fatalf("virtualmic.New: %v", err)
	}
	defer vm.Close()

	log.Printf("sink=%s source=%s", vm.Sink().Name(), vm.Source().Name())
	vm.Update()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		cancel()
	}()

	if *stdin {
		readStdinLoop(ctx, vm, uint32(*rate))
		return
	}
	synthesizeToneLoop(ctx, vm, uint32(*rate), *toneHz)
}

// synthesizeToneLoop pushes 20ms frames of an unsigned-8-bit sine wave into
// the virtual microphone's queue until ctx is cancelled.
func synthesizeToneLoop(ctx context.Context, vm *virtualmic.Context, rate uint32, toneHz float64) {
	const frameDuration = 20 * time.Millisecond
	frameSamples := int(float64(rate) * frameDuration.Seconds())
	frame := make([]byte, frameSamples)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var sampleIndex uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := range frame {
				phase := 2 * math.Pi * toneHz * float64(sampleIndex) / float64(rate)
				frame[i] = byte(127.5 + 127.5*math.Sin(phase))
				sampleIndex++
			}
			if err := vm.Queue().Push(pcm.NewBuffer(frame, pcm.U8, rate)); err != nil {
				log.Printf("push: %v", err)
			}
		}
	}
}

// readStdinLoop reads raw U8 PCM from stdin in fixed-size chunks and pushes
// each chunk into the virtual microphone's queue until EOF or ctx is
// cancelled.
func readStdinLoop(ctx context.Context, vm *virtualmic.Context, rate uint32) {
	buf := make([]byte, 4800)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if pushErr := vm.Queue().Push(pcm.NewBuffer(buf[:n], pcm.U8, rate)); pushErr != nil {
				log.Printf("push: %v", pushErr)
			}
		}
		if err != nil {
			return
		}
	}
}
