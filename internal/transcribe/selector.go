package transcribe

import (
	"context"
	"net/http"
	"sync"
)

// Selector holds the active backend behind a lock. The lock is held
// only around the pointer swap, never across a transcription call, so
// switching backends never interrupts a request already in flight.
type Selector struct {
	mu         sync.Mutex
	cfg        Config
	backend    Transcriber
	engine     Engine
	resolve    ModelResolver
	client     *http.Client
	onProgress func(string)
}

// NewSelector creates a selector and constructs the backend named by
// cfg.Backend. engine and resolve serve the local backend; client (may
// be nil) serves the remote one.
func NewSelector(cfg Config, engine Engine, resolve ModelResolver, client *http.Client, onProgress func(string)) *Selector {
	s := &Selector{
		cfg:        cfg,
		engine:     engine,
		resolve:    resolve,
		client:     client,
		onProgress: onProgress,
	}
	s.backend = s.newBackend(cfg)
	return s
}

func (s *Selector) newBackend(cfg Config) Transcriber {
	if cfg.Backend == BackendRemote {
		return NewRemoteBackend(cfg, s.client)
	}
	return NewLocalBackend(cfg, s.engine, s.resolve, s.onProgress)
}

// Transcribe delegates to the active backend.
func (s *Selector) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()
	return backend.Transcribe(ctx, samples, sampleRate)
}

// UpdateConfig swaps in a freshly constructed backend when the backend
// type changed, and otherwise updates the existing backend's fields in
// place.
func (s *Selector) UpdateConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Backend != cfg.Backend {
		s.backend = s.newBackend(cfg)
	} else {
		s.backend.UpdateConfig(cfg)
	}
	s.cfg = cfg
}

// Active returns the current backend type.
func (s *Selector) Active() Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Backend
}

// Preload eagerly loads the local model when the local backend is
// active; it is a no-op for the remote backend.
func (s *Selector) Preload() error {
	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()

	if local, ok := backend.(*LocalBackend); ok {
		return local.Preload()
	}
	return nil
}
