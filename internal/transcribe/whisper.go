package transcribe

import (
	"fmt"
	"io"
	"os/exec"
	"strings"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// WhisperEngine loads ggml whisper models through the whisper.cpp Go
// bindings. Whether inference actually runs on the GPU is decided when
// the vendored whisper.cpp library is built; the device parameter
// drives the load-retry policy above this layer.
type WhisperEngine struct{}

// AcceleratorAvailable probes for a usable NVIDIA runtime.
func (WhisperEngine) AcceleratorAvailable() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

// Load constructs a whisper model from the ggml file at path.
func (WhisperEngine) Load(path string, device Device, compute Compute) (Model, error) {
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %q on %s: %w", path, device, err)
	}
	return &whisperModel{model: model}, nil
}

// whisperModel wraps a loaded whisper.cpp model.
type whisperModel struct {
	model whisper.Model
}

// Transcribe runs whisper inference on mono 16kHz float32 samples.
func (m *whisperModel) Transcribe(samples []float32, language string) (string, error) {
	ctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}

	if language != "" {
		if err := ctx.SetLanguage(language); err != nil {
			return "", fmt.Errorf("set language %q: %w", language, err)
		}
	}

	if err := ctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var segments []string
	for {
		seg, err := ctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper next segment: %w", err)
		}
		segments = append(segments, seg.Text)
	}

	return strings.TrimSpace(strings.Join(segments, " ")), nil
}

// Close releases the whisper model resources.
func (m *whisperModel) Close() error {
	if m.model != nil {
		return m.model.Close()
	}
	return nil
}
