// Package clipboard pastes text into the focused application via the
// system clipboard and a simulated Ctrl+V.
package clipboard

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-vgo/robotgo"
)

const (
	setRetries   = 3
	settleDelay  = 50 * time.Millisecond
	pasteDelay   = 200 * time.Millisecond
	restoreDelay = 100 * time.Millisecond
)

// Paster writes text to the clipboard and sends Ctrl+V to the focused
// window.
type Paster struct {
	restoreClipboard bool
	log              *slog.Logger
}

// NewPaster creates a paster. When restoreClipboard is false the
// transcription stays on the clipboard after pasting. log may be nil.
func NewPaster(restoreClipboard bool, log *slog.Logger) *Paster {
	if log == nil {
		log = slog.Default()
	}
	return &Paster{restoreClipboard: restoreClipboard, log: log}
}

// PasteText pastes text into the currently focused field.
func (p *Paster) PasteText(text string) error {
	if text == "" {
		return fmt.Errorf("nothing to paste")
	}

	var saved string
	if p.restoreClipboard {
		prev, err := robotgo.ReadAll()
		if err != nil {
			p.log.Debug("reading clipboard for restore failed", "error", err)
		} else {
			saved = prev
		}
	}

	if err := p.setClipboard(text); err != nil {
		return err
	}

	// Give the clipboard a moment before the keystroke lands.
	time.Sleep(settleDelay)
	if err := robotgo.KeyTap("v", "ctrl"); err != nil {
		return fmt.Errorf("sending ctrl+v: %w", err)
	}
	// Let the paste complete before any restore.
	time.Sleep(pasteDelay)

	p.log.Info("transcription pasted", "chars", len(text))

	if p.restoreClipboard && saved != "" {
		time.Sleep(restoreDelay)
		if err := robotgo.WriteAll(saved); err != nil {
			p.log.Warn("restoring clipboard failed", "error", err)
		}
	}
	return nil
}

// setClipboard writes and verifies the clipboard, retrying because
// another application may briefly hold it open.
func (p *Paster) setClipboard(text string) error {
	var lastErr error
	for attempt := 0; attempt < setRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if err := robotgo.WriteAll(text); err != nil {
			lastErr = err
			continue
		}
		verify, err := robotgo.ReadAll()
		if err == nil && verify == text {
			return nil
		}
		lastErr = fmt.Errorf("clipboard verification failed")
	}
	return fmt.Errorf("setting clipboard: %w", lastErr)
}
