// Package sound plays the short recording start/stop cues. Cues are
// synthesized sine sweeps so no audio assets need to ship with the
// binary.
package sound

import (
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

const (
	playbackRate = 44100
	cueDuration  = 0.12 // seconds
	queueDepth   = 4
)

type cue struct {
	samples []float32
}

// Player plays feedback cues asynchronously. PlayStart and PlayStop
// never block; cues queued while the device is saturated are dropped.
type Player struct {
	ctx     *malgo.AllocatedContext
	enabled bool
	start   cue
	stop    cue
	queue   chan cue
	log     *slog.Logger
	once    sync.Once
	done    chan struct{}
}

// NewPlayer synthesizes the cues and starts the playback goroutine.
// log may be nil.
func NewPlayer(enabled bool, startVolume, stopVolume float64, log *slog.Logger) (*Player, error) {
	if log == nil {
		log = slog.Default()
	}

	p := &Player{
		enabled: enabled,
		start:   cue{samples: sweep(660, 880, startVolume)},
		stop:    cue{samples: sweep(880, 660, stopVolume)},
		queue:   make(chan cue, queueDepth),
		log:     log,
		done:    make(chan struct{}),
	}

	if enabled {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return nil, err
		}
		p.ctx = ctx
		go p.loop()
	}
	return p, nil
}

// PlayStart queues the recording-started cue.
func (p *Player) PlayStart() { p.enqueue(p.start) }

// PlayStop queues the recording-stopped cue.
func (p *Player) PlayStop() { p.enqueue(p.stop) }

func (p *Player) enqueue(c cue) {
	if !p.enabled {
		return
	}
	select {
	case p.queue <- c:
	default: // cue dropped, feedback is best-effort
	}
}

// Close stops the playback goroutine and releases the audio context.
func (p *Player) Close() {
	p.once.Do(func() {
		close(p.done)
		if p.ctx != nil {
			_ = p.ctx.Uninit()
			p.ctx.Free()
		}
	})
}

func (p *Player) loop() {
	for {
		select {
		case <-p.done:
			return
		case c := <-p.queue:
			if err := p.play(c.samples); err != nil {
				p.log.Debug("playing cue failed", "error", err)
			}
		}
	}
}

// play feeds the cue to a one-shot playback device and waits for it
// to drain.
func (p *Player) play(samples []float32) error {
	deviceCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceCfg.Playback.Format = malgo.FormatF32
	deviceCfg.Playback.Channels = 1
	deviceCfg.SampleRate = playbackRate

	var pos int
	finished := make(chan struct{})
	var once sync.Once

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			for i := uint32(0); i < frameCount; i++ {
				var sample float32
				if pos < len(samples) {
					sample = samples[pos]
					pos++
				}
				bits := math.Float32bits(sample)
				offset := i * 4
				pOutput[offset] = byte(bits)
				pOutput[offset+1] = byte(bits >> 8)
				pOutput[offset+2] = byte(bits >> 16)
				pOutput[offset+3] = byte(bits >> 24)
			}
			if pos >= len(samples) {
				once.Do(func() { close(finished) })
			}
		},
	}

	device, err := malgo.InitDevice(p.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		return err
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return err
	}
	<-finished
	return nil
}

// sweep synthesizes a short sine sweep between two frequencies with a
// fade-out to avoid clicks.
func sweep(fromHz, toHz, volume float64) []float32 {
	n := int(cueDuration * playbackRate)
	samples := make([]float32, n)
	var phase float64
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n)
		freq := fromHz + (toHz-fromHz)*t
		phase += 2 * math.Pi * freq / playbackRate
		envelope := 1.0 - t*t // fade out
		samples[i] = float32(math.Sin(phase) * volume * envelope)
	}
	return samples
}
