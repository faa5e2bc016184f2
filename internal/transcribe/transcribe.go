// Package transcribe provides speech-to-text backends.
//
// Supported backends:
//   - local: whisper.cpp via Go bindings, with GPU/CPU device fallback
//   - remote: hosted transcription API with a streaming response
package transcribe

import (
	"context"
	"time"
)

// Backend identifies which transcription implementation is active.
type Backend string

const (
	BackendLocal  Backend = "local"
	BackendRemote Backend = "remote"
)

// LanguageAuto tells the backend to let the model detect the language.
const LanguageAuto = "auto"

// Config holds the settings shared by all backends. It is passed by
// value; UpdateConfig replaces the backend's copy.
type Config struct {
	Backend   Backend
	ModelSize string        // tiny, base, small, medium, large
	Language  string        // "auto" or an explicit language code
	Timeout   time.Duration // wall-clock budget per transcription call
	APIKey    string        // remote backend only
	Endpoint  string        // remote transcription endpoint URL
	Model     string        // remote model identifier
}

// Transcriber converts audio samples to text.
type Transcriber interface {
	// Transcribe converts mono float32 audio samples to text.
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
	// UpdateConfig replaces the backend configuration.
	UpdateConfig(cfg Config)
}

// normalize rescales samples into [-1, 1] when any sample exceeds that
// range. The input slice is not modified.
func normalize(samples []float32) []float32 {
	var peak float32
	for _, s := range samples {
		if s > peak {
			peak = s
		} else if -s > peak {
			peak = -s
		}
	}
	if peak <= 1.0 {
		return samples
	}

	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s / peak
	}
	return out
}
