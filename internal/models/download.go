// Package models resolves and downloads the local Whisper models.
package models

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

const modelURLTemplate = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-%s.bin"

// Sizes lists the supported model sizes, smallest first.
var Sizes = []string{"tiny", "base", "small", "medium", "large"}

// approxSizeMB is shown before a download starts.
var approxSizeMB = map[string]int{
	"tiny":   75,
	"base":   142,
	"small":  466,
	"medium": 1500,
	"large":  2900,
}

// DefaultDir returns the directory holding downloaded models.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".elivroimagine", "models")
}

// Path returns the on-disk location for a model size.
func Path(size string) string {
	return filepath.Join(DefaultDir(), fmt.Sprintf("ggml-%s.bin", size))
}

// Resolve returns the path to the model for size, downloading it
// first if missing. It satisfies transcribe.ModelResolver.
func Resolve(size string) (string, error) {
	if !validSize(size) {
		return "", fmt.Errorf("unknown model size %q", size)
	}
	path := Path(size)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}
	if err := Download(size); err != nil {
		return "", err
	}
	return path, nil
}

// Download fetches the ggml model for size into the models directory.
// It shows download progress on stdout.
func Download(size string) error {
	if !validSize(size) {
		return fmt.Errorf("unknown model size %q", size)
	}

	if err := os.MkdirAll(DefaultDir(), 0755); err != nil {
		return fmt.Errorf("creating models dir: %w", err)
	}

	destPath := Path(size)

	// Check if already downloaded
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		fmt.Printf("  Model already exists: %s (%.0f MB)\n", destPath, float64(info.Size())/(1024*1024))
		return nil
	}

	url := fmt.Sprintf(modelURLTemplate, size)
	fmt.Printf("  Downloading ggml-%s (~%d MB) from HuggingFace...\n", size, approxSizeMB[size])
	fmt.Printf("  URL: %s\n", url)
	fmt.Printf("  Destination: %s\n", destPath)

	resp, err := http.Get(url) //nolint:gosec // URL is built from a compile-time constant
	if err != nil {
		return fmt.Errorf("downloading model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	// Write to temp file first, then rename (atomic)
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	// Progress writer
	pr := &progressWriter{
		writer: f,
		total:  resp.ContentLength,
		label:  filepath.Base(destPath),
	}

	written, err := io.Copy(pr, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing model file: %w", err)
	}

	fmt.Printf("\n  Downloaded %.1f MB\n", float64(written)/(1024*1024))

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving model file: %w", err)
	}

	return nil
}

func validSize(size string) bool {
	for _, s := range Sizes {
		if s == size {
			return true
		}
	}
	return false
}

// progressWriter wraps an io.Writer and prints download progress.
type progressWriter struct {
	writer  io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Printf("\r  %s: %.1f MB / %.1f MB (%.0f%%)",
			pw.label,
			float64(pw.written)/(1024*1024),
			float64(pw.total)/(1024*1024),
			pct)
	} else {
		fmt.Printf("\r  %s: %.1f MB downloaded",
			pw.label,
			float64(pw.written)/(1024*1024))
	}
	return n, err
}
