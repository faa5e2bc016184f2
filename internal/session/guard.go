// Package session serializes recording ownership between independent
// hotkey trigger sources so at most one recording is active at a time.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// Source identifies which hotkey owns the active recording.
type Source string

const (
	SourceSave  Source = "save"
	SourcePaste Source = "paste"
	SourceTask  Source = "task"
)

// MinDuration is the shortest recording worth transcribing.
const MinDuration = 500 * time.Millisecond

// Recorder is the audio capture collaborator.
type Recorder interface {
	Available() bool
	Start() error
	// Stop returns the captured samples and duration, or ok=false
	// when nothing usable was recorded.
	Stop() (samples []float32, duration time.Duration, ok bool)
}

// Sounds plays the start/stop feedback cues. Implementations must not
// block.
type Sounds interface {
	PlayStart()
	PlayStop()
}

// Notifier delivers a fire-and-forget user notification.
type Notifier interface {
	Notify(title, message string)
}

// Capture is a finished recording handed to the dispatcher.
type Capture struct {
	Samples  []float32
	Duration time.Duration
}

// Guard is the single-writer lock over the recording session. Exactly
// one source holds ownership between a successful Acquire and the
// matching Release; everything else is rejected immediately.
type Guard struct {
	mu         sync.Mutex
	owner      Source
	startedAt  time.Time
	suppressed bool

	recorder Recorder
	sounds   Sounds
	notifier Notifier
	onState  func(recording bool)
	log      *slog.Logger
}

// NewGuard creates a guard. sounds, notifier, onState, and log may be
// nil.
func NewGuard(recorder Recorder, sounds Sounds, notifier Notifier, onState func(bool), log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		recorder: recorder,
		sounds:   sounds,
		notifier: notifier,
		onState:  onState,
		log:      log,
	}
}

// SetSuppressed blocks every Acquire while the settings UI is
// capturing a new hotkey binding.
func (g *Guard) SetSuppressed(suppressed bool) {
	g.mu.Lock()
	g.suppressed = suppressed
	g.mu.Unlock()
}

// Acquire attempts to start a recording owned by source. Returns
// false when suppressed, when the capture device is unavailable, or
// when another source already owns the session. Rejection is an
// immediate no-op, never a queue.
func (g *Guard) Acquire(source Source) bool {
	g.mu.Lock()
	if g.suppressed {
		g.mu.Unlock()
		g.log.Debug("recording blocked, hotkey capture in progress", "source", source)
		return false
	}
	g.mu.Unlock()

	if g.recorder == nil || !g.recorder.Available() {
		g.log.Warn("recording requested but recorder is unavailable", "source", source)
		g.notify("Microphone is unavailable")
		return false
	}

	g.mu.Lock()
	// Suppression may have been switched on while the availability
	// probe ran, so it is re-checked in the same critical section that
	// grants ownership.
	if g.suppressed {
		g.mu.Unlock()
		g.log.Debug("recording blocked, hotkey capture in progress", "source", source)
		return false
	}
	if g.owner != "" {
		owner := g.owner
		g.mu.Unlock()
		g.log.Warn("recording blocked, already recording", "source", source, "owner", owner)
		return false
	}
	g.owner = source
	g.startedAt = time.Now()
	g.mu.Unlock()

	g.log.Info("recording started", "source", source)

	// Side effects happen outside the critical section so nothing can
	// call back into the guard while the lock is held.
	if g.sounds != nil {
		g.sounds.PlayStart()
	}
	if g.onState != nil {
		g.onState(true)
	}
	if err := g.recorder.Start(); err != nil {
		g.log.Error("starting recorder failed", "error", err)
		g.mu.Lock()
		g.owner = ""
		g.mu.Unlock()
		if g.onState != nil {
			g.onState(false)
		}
		g.notify("Microphone is unavailable")
		return false
	}
	return true
}

// Release stops the recording if source owns it and returns the
// captured audio. A release from a non-owner, an empty capture, or a
// recording shorter than MinDuration all return nil.
func (g *Guard) Release(source Source) *Capture {
	if g.recorder == nil {
		return nil
	}

	g.mu.Lock()
	if g.owner != source {
		owner := g.owner
		g.mu.Unlock()
		g.log.Debug("recording stop ignored, source does not own recording",
			"source", source, "owner", owner)
		return nil
	}
	g.owner = ""
	g.mu.Unlock()

	g.log.Info("recording stopped", "source", source)

	// Stop cue plays before the (possibly slow) recorder teardown so
	// the user gets feedback immediately.
	if g.sounds != nil {
		g.sounds.PlayStop()
	}
	if g.onState != nil {
		g.onState(false)
	}

	samples, duration, ok := g.recorder.Stop()
	if !ok || len(samples) == 0 {
		g.log.Warn("no audio recorded", "source", source)
		g.notify("No audio recorded")
		return nil
	}

	if duration < MinDuration {
		g.log.Warn("recording too short", "duration", duration)
		g.notify("Recording too short (< 0.5s)")
		return nil
	}

	return &Capture{Samples: samples, Duration: duration}
}

// Owner returns the source currently holding the recording, or ""
// when idle.
func (g *Guard) Owner() Source {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner
}

func (g *Guard) notify(message string) {
	if g.notifier != nil {
		g.notifier.Notify("ElivroImagine", message)
	}
}
