// Package storage persists transcriptions as markdown files with a
// small YAML frontmatter header.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrInsufficientDiskSpace is returned when the transcriptions volume
// is below the free-space threshold.
var ErrInsufficientDiskSpace = errors.New("insufficient disk space")

// requiredFreeMB is the minimum free space before a save is allowed.
const requiredFreeMB = 10

// diskFree reports free megabytes on the volume holding path. The
// implementation is platform-specific; see diskfree_windows.go.
var diskFree = freeMegabytes

// Manager writes, lists, and archives transcription files.
type Manager struct {
	mu         sync.Mutex
	dir        string
	archiveDir string
	log        *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates the transcription and archive directories if
// needed. log may be nil.
func NewManager(dir string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		dir:        dir,
		archiveDir: filepath.Join(dir, "archive"),
		log:        log,
		now:        time.Now,
	}
	if err := m.ensureDirectories(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) ensureDirectories() error {
	for _, dir := range []string{m.dir, m.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating storage directory %s: %w", dir, err)
		}
	}
	m.log.Debug("storage directories verified", "dir", m.dir)
	return nil
}

// UpdateDir points the manager at a new transcriptions directory.
func (m *Manager) UpdateDir(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dir = dir
	m.archiveDir = filepath.Join(dir, "archive")
	return m.ensureDirectories()
}

// Dir returns the transcriptions directory.
func (m *Manager) Dir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// SaveTranscription writes the text to a timestamped markdown file
// and returns its path.
func (m *Manager) SaveTranscription(text string, duration time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	availableMB, err := diskFree(m.dir)
	if err != nil {
		m.log.Warn("disk space check failed, saving anyway", "error", err)
	} else if availableMB < requiredFreeMB {
		return "", fmt.Errorf("%w: only %dMB available. Need at least %dMB.",
			ErrInsufficientDiskSpace, availableMB, requiredFreeMB)
	}

	timestamp := m.now()
	path := filepath.Join(m.dir, timestamp.Format("2006-01-02_150405")+".md")

	content := formatTranscription(text, timestamp, duration)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing transcription: %w", err)
	}

	m.log.Info("transcription saved", "file", filepath.Base(path),
		"duration", duration.Round(100*time.Millisecond))
	return path, nil
}

func formatTranscription(text string, timestamp time.Time, duration time.Duration) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "timestamp: %s\n", timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "duration: %.1fs\n", duration.Seconds())
	b.WriteString("---\n\n")
	b.WriteString(text)
	b.WriteString("\n")
	return b.String()
}

// Transcriptions lists the non-archived transcription files, newest
// first.
func (m *Manager) Transcriptions() ([]string, error) {
	m.mu.Lock()
	dir := m.dir
	m.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("listing transcriptions: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

// Archive moves a transcription into the archive directory, suffixing
// the name on collision.
func (m *Manager) Archive(path string) (string, error) {
	m.mu.Lock()
	archiveDir := m.archiveDir
	m.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("archiving %s: %w", filepath.Base(path), err)
	}

	name := filepath.Base(path)
	target := filepath.Join(archiveDir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(archiveDir, fmt.Sprintf("%s_%d%s", stem, counter, ext))
	}

	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("archiving %s: %w", name, err)
	}
	m.log.Info("transcription archived", "file", name)
	return target, nil
}

// Unarchive moves an archived transcription back into the
// transcriptions directory, suffixing the name on collision.
func (m *Manager) Unarchive(path string) (string, error) {
	m.mu.Lock()
	dir := m.dir
	m.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("unarchiving %s: %w", filepath.Base(path), err)
	}

	name := filepath.Base(path)
	target := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for counter := 1; ; counter++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, counter, ext))
	}

	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("unarchiving %s: %w", name, err)
	}
	m.log.Info("transcription restored from archive", "file", name)
	return target, nil
}

// ArchiveAll archives every transcription and returns the new paths.
func (m *Manager) ArchiveAll() ([]string, error) {
	files, err := m.Transcriptions()
	if err != nil {
		return nil, err
	}
	archived := make([]string, 0, len(files))
	for _, file := range files {
		target, err := m.Archive(file)
		if err != nil {
			return archived, err
		}
		archived = append(archived, target)
	}
	m.log.Info("transcriptions archived", "count", len(archived))
	return archived, nil
}
