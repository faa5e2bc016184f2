package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Device is the compute device an acoustic model is loaded on.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// Compute is the numeric precision used for inference.
type Compute string

const (
	ComputeFloat16 Compute = "float16"
	ComputeInt8    Compute = "int8"
)

// Engine constructs acoustic models on a given compute device.
type Engine interface {
	// AcceleratorAvailable reports whether GPU inference is worth attempting.
	AcceleratorAvailable() bool
	// Load constructs a model from the ggml file at path.
	Load(path string, device Device, compute Compute) (Model, error)
}

// Model is a loaded acoustic model.
type Model interface {
	// Transcribe runs inference on mono float32 samples. An empty
	// language string lets the model detect the language itself.
	Transcribe(samples []float32, language string) (string, error)
	// Close releases model resources. Matters for GPU-resident weights.
	Close() error
}

// ModelResolver maps a model size to a ggml file path, downloading the
// model on first use.
type ModelResolver func(size string) (string, error)

// cudaIndicators mark inference errors caused by a missing or broken
// CUDA runtime rather than by the input itself.
var cudaIndicators = []string{"cublas", "cudnn", "cudart", "cuda", "nvcuda"}

// modelHandle reference-counts a loaded model so a reload can retire
// the old model without closing CGo-backed weights under an inference
// call still running on another worker.
type modelHandle struct {
	model Model

	mu      sync.Mutex
	refs    int
	retired bool
}

func newModelHandle(m Model) *modelHandle { return &modelHandle{model: m} }

func (h *modelHandle) acquire() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// release drops one reference and closes the model once it is both
// retired and unused.
func (h *modelHandle) release() {
	h.mu.Lock()
	h.refs--
	closeNow := h.retired && h.refs == 0
	h.mu.Unlock()
	if closeNow {
		h.closeModel()
	}
}

// retire marks the handle for closing. The close happens immediately
// when no call holds a reference, otherwise when the last one ends.
func (h *modelHandle) retire() {
	h.mu.Lock()
	closeNow := !h.retired && h.refs == 0
	h.retired = true
	h.mu.Unlock()
	if closeNow {
		h.closeModel()
	}
}

func (h *modelHandle) closeModel() {
	if err := h.model.Close(); err != nil {
		slog.Warn("Releasing previous model failed", "error", err)
	}
}

// LocalBackend transcribes audio with a lazily loaded whisper model.
// The model is loaded on first use and reloaded when the configured
// size changes; GPU construction failures fall back to CPU once.
type LocalBackend struct {
	mu         sync.Mutex // guards cfg, model, modelSize, device
	cfg        Config
	engine     Engine
	resolve    ModelResolver
	onProgress func(string)

	model     *modelHandle
	modelSize string
	device    Device
}

// NewLocalBackend creates a local backend. The model is not loaded
// until the first Transcribe call. onProgress may be nil.
func NewLocalBackend(cfg Config, engine Engine, resolve ModelResolver, onProgress func(string)) *LocalBackend {
	if onProgress == nil {
		onProgress = func(string) {}
	}
	return &LocalBackend{
		cfg:        cfg,
		engine:     engine,
		resolve:    resolve,
		onProgress: onProgress,
	}
}

// ensureModel loads the model if it is not loaded yet or if the
// configured size changed. The previous model is retired and closes
// once the last in-flight inference call releases it. The returned
// handle carries one reference the caller must release.
func (b *LocalBackend) ensureModel() (*modelHandle, Device, time.Duration, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model != nil && b.modelSize == b.cfg.ModelSize {
		b.model.acquire()
		return b.model, b.device, b.cfg.Timeout, b.cfg.Language, nil
	}

	if b.model != nil {
		b.model.retire()
		b.model = nil
		b.modelSize = ""
	}

	model, device, err := b.loadLocked(b.cfg.ModelSize)
	if err != nil {
		return nil, "", 0, "", err
	}

	b.model = newModelHandle(model)
	b.model.acquire()
	b.modelSize = b.cfg.ModelSize
	b.device = device
	return b.model, device, b.cfg.Timeout, b.cfg.Language, nil
}

// loadLocked resolves the model file and constructs the model,
// retrying once on CPU if accelerated construction fails.
// Callers must hold b.mu.
func (b *LocalBackend) loadLocked(size string) (Model, Device, error) {
	path, err := b.resolve(size)
	if err != nil {
		return nil, "", fmt.Errorf("%w: resolving model %q: %v", ErrModelLoad, size, err)
	}

	device, compute := DeviceCPU, ComputeInt8
	if b.engine.AcceleratorAvailable() {
		device, compute = DeviceCUDA, ComputeFloat16
	}

	slog.Info("Loading whisper model", "size", size, "device", device, "compute", compute)
	b.onProgress(fmt.Sprintf("Loading whisper model (%s)...", size))

	model, err := b.engine.Load(path, device, compute)
	if err != nil && device == DeviceCUDA {
		slog.Warn("CUDA model load failed, falling back to CPU", "error", err)
		b.onProgress("CUDA unavailable, using CPU...")
		cudaErr := err
		device, compute = DeviceCPU, ComputeInt8
		model, err = b.engine.Load(path, device, compute)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v (after CUDA failure: %v)", ErrModelLoad, err, cudaErr)
		}
	} else if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	b.onProgress("Whisper model ready")
	return model, device, nil
}

// Transcribe runs inference with the configured wall-clock timeout.
// A runtime CUDA failure discards the model, reloads it on CPU, and
// retries the same input exactly once.
func (b *LocalBackend) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	handle, device, timeout, language, err := b.ensureModel()
	if err != nil {
		return "", err
	}

	samples = normalize(samples)
	lang := language
	if lang == LanguageAuto {
		lang = ""
	}

	text, err := runWithTimeout(ctx, handle, samples, lang, timeout)
	if err == nil || errors.Is(err, ErrTimeout) {
		return text, err
	}

	if device == DeviceCUDA && isCUDARuntimeError(err) {
		slog.Warn("CUDA runtime error during inference, retrying on CPU", "error", err)
		cpuHandle, cpuErr := b.forceCPUModel()
		if cpuErr != nil {
			return "", cpuErr
		}
		text, err = runWithTimeout(ctx, cpuHandle, samples, lang, timeout)
		if err == nil || errors.Is(err, ErrTimeout) {
			return text, err
		}
		return "", fmt.Errorf("%w: %v", ErrInference, err)
	}

	return "", fmt.Errorf("%w: %v", ErrInference, err)
}

// forceCPUModel retires the current model and reloads it on CPU. The
// returned handle carries one reference the caller must release.
func (b *LocalBackend) forceCPUModel() (*modelHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.model != nil {
		b.model.retire()
		b.model = nil
		b.modelSize = ""
	}

	b.onProgress("CUDA failed at runtime, reloading on CPU...")

	path, err := b.resolve(b.cfg.ModelSize)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving model %q: %v", ErrModelLoad, b.cfg.ModelSize, err)
	}
	model, err := b.engine.Load(path, DeviceCPU, ComputeInt8)
	if err != nil {
		return nil, fmt.Errorf("%w: CPU reload: %v", ErrModelLoad, err)
	}

	b.model = newModelHandle(model)
	b.model.acquire()
	b.modelSize = b.cfg.ModelSize
	b.device = DeviceCPU
	slog.Info("Whisper model reloaded on CPU")
	b.onProgress("Whisper model ready (CPU)")
	return b.model, nil
}

// UpdateConfig replaces the configuration. A changed model size takes
// effect on the next Transcribe call.
func (b *LocalBackend) UpdateConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// Preload loads the model eagerly so the first recording does not pay
// the multi-second load cost.
func (b *LocalBackend) Preload() error {
	handle, _, _, _, err := b.ensureModel()
	if err != nil {
		return err
	}
	handle.release()
	return nil
}

// runWithTimeout races the inference call against the wall-clock
// budget, consuming the caller's reference on the handle. On timeout
// the goroutine is abandoned, not killed: the buffered channel lets it
// exit whenever the library call returns, but it may keep consuming
// CPU/GPU until then, and it holds the model reference until it does.
func runWithTimeout(ctx context.Context, handle *modelHandle, samples []float32, language string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer handle.release()
		text, err := handle.model.Transcribe(samples, language)
		ch <- result{text, err}
	}()

	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return "", ctx.Err()
	}
}

// isCUDARuntimeError reports whether an inference error was caused by
// a missing or broken CUDA runtime library (e.g. cublas64_12.dll).
func isCUDARuntimeError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, indicator := range cudaIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
