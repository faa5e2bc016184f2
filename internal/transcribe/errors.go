package transcribe

import "errors"

// Common error types for the transcribe package. Callers distinguish
// failure classes with errors.Is.
var (
	// ErrModelLoad indicates the acoustic model could not be constructed.
	ErrModelLoad = errors.New("model load failed")

	// ErrInference indicates a transcription call failed for a reason
	// other than a timeout or a recognized accelerator fault.
	ErrInference = errors.New("transcription failed")

	// ErrTimeout indicates the wall-clock transcription budget was exceeded.
	ErrTimeout = errors.New("transcription timed out")

	// ErrAPI indicates a remote backend HTTP or network failure.
	ErrAPI = errors.New("transcription API error")

	// ErrAPIKeyMissing indicates the remote backend has no API key configured.
	ErrAPIKeyMissing = errors.New("transcription API key not configured")
)
