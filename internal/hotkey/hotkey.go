// Package hotkey provides a global hotkey listener using gohook.
// It supports "hold" mode (press to start, release to stop) and
// "toggle" mode (press to start, press again to stop).
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType indicates whether recording should start or stop.
type EventType int

const (
	// EventStart signals that the hotkey was activated (start recording).
	EventStart EventType = iota
	// EventStop signals that the hotkey was deactivated (stop recording).
	EventStop
)

// Event is emitted on the channel returned by Events. Source names
// the binding that fired.
type Event struct {
	Source string
	Type   EventType
}

// Binding is one hotkey combination tied to a trigger source.
type Binding struct {
	Source string
	Keys   []string // lowercase key names, e.g. ["ctrl", "alt", "r"]
	Mode   string   // "hold" or "toggle"
}

// Listener manages the global hook and emits start/stop events for
// every registered binding. The hook library is process-global, so
// one Listener owns all bindings.
type Listener struct {
	bindings []Binding
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener for the given bindings.
func NewListener(bindings ...Binding) *Listener {
	return &Listener{
		bindings: bindings,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when Stop is called.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, binding := range l.bindings {
		switch binding.Mode {
		case "toggle":
			l.registerToggle(binding)
		default: // "hold"
			l.registerHold(binding)
		}
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// registerHold implements hold-to-talk mode:
// KeyDown -> EventStart, KeyUp -> EventStop.
func (l *Listener) registerHold(binding Binding) {
	hook.Register(hook.KeyDown, binding.Keys, func(e hook.Event) {
		l.emit(Event{Source: binding.Source, Type: EventStart})
	})

	hook.Register(hook.KeyUp, binding.Keys, func(e hook.Event) {
		l.emit(Event{Source: binding.Source, Type: EventStop})
	})
}

// registerToggle implements toggle mode:
// First press -> EventStart, second press -> EventStop, etc.
func (l *Listener) registerToggle(binding Binding) {
	var mu sync.Mutex
	recording := false

	hook.Register(hook.KeyDown, binding.Keys, func(e hook.Event) {
		mu.Lock()
		defer mu.Unlock()
		if recording {
			l.emit(Event{Source: binding.Source, Type: EventStop})
			recording = false
		} else {
			l.emit(Event{Source: binding.Source, Type: EventStart})
			recording = true
		}
	})
}

func (l *Listener) emit(ev Event) {
	select {
	case l.ch <- ev:
	default: // don't block if channel is full
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
