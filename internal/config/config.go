// Package config loads, validates, and persists the application
// configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Hotkeys       HotkeysConfig       `yaml:"hotkeys"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Storage       StorageConfig       `yaml:"storage"`
	Sound         SoundConfig         `yaml:"sound"`
	LogLevel      string              `yaml:"log_level"`
}

// HotkeysConfig holds the per-action hotkey bindings.
type HotkeysConfig struct {
	Save  HotkeyConfig      `yaml:"save"`
	Paste PasteHotkeyConfig `yaml:"paste"`
	Task  TaskHotkeyConfig  `yaml:"task"`
}

// HotkeyConfig is a single hotkey binding.
type HotkeyConfig struct {
	Keys []string `yaml:"keys"`
	Mode string   `yaml:"mode"` // "hold" or "toggle"
}

// PasteHotkeyConfig binds the paste action.
type PasteHotkeyConfig struct {
	HotkeyConfig     `yaml:",inline"`
	Enabled          bool `yaml:"enabled"`
	RestoreClipboard bool `yaml:"restore_clipboard"`
}

// TaskHotkeyConfig binds the task-creation action.
type TaskHotkeyConfig struct {
	HotkeyConfig `yaml:",inline"`
	Enabled      bool   `yaml:"enabled"`
	Project      string `yaml:"project"` // overrides tracker.project when set
}

// AudioConfig holds audio capture settings.
type AudioConfig struct {
	SampleRate         uint32 `yaml:"sample_rate"`
	Channels           uint32 `yaml:"channels"`
	MaxDurationSeconds int    `yaml:"max_duration_seconds"`
}

// TranscriptionConfig selects and parameterizes the backend.
type TranscriptionConfig struct {
	Backend        string `yaml:"backend"` // "local" or "remote"
	ModelSize      string `yaml:"model_size"`
	Language       string `yaml:"language"` // "auto" or an ISO code
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	APIKey         string `yaml:"api_key"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
}

// Timeout returns the per-call transcription budget.
func (t TranscriptionConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// TrackerConfig holds the task tracker connection settings.
type TrackerConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIURL  string `yaml:"api_url"`
	APIKey  string `yaml:"api_key"`
	Email   string `yaml:"email"`
	Project string `yaml:"project"`
}

// ClassifierConfig parameterizes the task classification model.
type ClassifierConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// StorageConfig holds transcription persistence settings.
type StorageConfig struct {
	TranscriptionsDir string `yaml:"transcriptions_dir"`
}

// SoundConfig holds recording cue settings.
type SoundConfig struct {
	Enabled     bool    `yaml:"enabled"`
	StartVolume float64 `yaml:"start_volume"`
	StopVolume  float64 `yaml:"stop_volume"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".elivroimagine")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Hotkeys: HotkeysConfig{
			Save: HotkeyConfig{
				Keys: []string{"ctrl", "alt", "r"},
				Mode: "hold",
			},
			Paste: PasteHotkeyConfig{
				HotkeyConfig: HotkeyConfig{
					Keys: []string{"ctrl", "alt", "v"},
					Mode: "hold",
				},
				Enabled:          false,
				RestoreClipboard: true,
			},
			Task: TaskHotkeyConfig{
				HotkeyConfig: HotkeyConfig{
					Keys: []string{"ctrl", "alt", "t"},
					Mode: "hold",
				},
				Enabled: false,
			},
		},
		Audio: AudioConfig{
			SampleRate:         16000,
			Channels:           1,
			MaxDurationSeconds: 120,
		},
		Transcription: TranscriptionConfig{
			Backend:        "local",
			ModelSize:      "small",
			Language:       "auto",
			TimeoutSeconds: 120,
		},
		Tracker: TrackerConfig{
			Enabled: false,
		},
		Classifier: ClassifierConfig{
			Endpoint: "https://api.berget.ai/v1/chat/completions",
			Model:    "mistralai/Mistral-Small-3.2-24B-Instruct-2506",
		},
		Storage: StorageConfig{
			TranscriptionsDir: "~/.elivroimagine/transcriptions",
		},
		Sound: SoundConfig{
			Enabled:     true,
			StartVolume: 0.5,
			StopVolume:  0.3,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, tildes in paths are expanded, and sealed API keys
// are unsealed using the machine key stored next to the config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Storage.TranscriptionsDir = expandTilde(cfg.Storage.TranscriptionsDir)

	sealer, err := newSealer(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("initializing key sealer: %w", err)
	}
	cfg.Transcription.APIKey = sealer.open(cfg.Transcription.APIKey)
	cfg.Tracker.APIKey = sealer.open(cfg.Tracker.APIKey)
	cfg.Classifier.APIKey = sealer.open(cfg.Classifier.APIKey)

	return cfg, nil
}

// LoadOrCreate loads the config file, writing the defaults first if
// it does not exist yet.
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

// Save writes the config as YAML. API keys are sealed with the
// machine key so they are not stored in plaintext.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	sealer, err := newSealer(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("initializing key sealer: %w", err)
	}

	onDisk := *c
	if onDisk.Transcription.APIKey, err = sealer.seal(c.Transcription.APIKey); err != nil {
		return fmt.Errorf("sealing transcription api key: %w", err)
	}
	if onDisk.Tracker.APIKey, err = sealer.seal(c.Tracker.APIKey); err != nil {
		return fmt.Errorf("sealing tracker api key: %w", err)
	}
	if onDisk.Classifier.APIKey, err = sealer.seal(c.Classifier.APIKey); err != nil {
		return fmt.Errorf("sealing classifier api key: %w", err)
	}

	data, err := yaml.Marshal(&onDisk)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if err := validateHotkey("hotkeys.save", c.Hotkeys.Save); err != nil {
		return err
	}
	if c.Hotkeys.Paste.Enabled {
		if err := validateHotkey("hotkeys.paste", c.Hotkeys.Paste.HotkeyConfig); err != nil {
			return err
		}
	}
	if c.Hotkeys.Task.Enabled {
		if err := validateHotkey("hotkeys.task", c.Hotkeys.Task.HotkeyConfig); err != nil {
			return err
		}
		if !c.Tracker.Enabled {
			return fmt.Errorf("hotkeys.task requires tracker.enabled")
		}
	}

	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels == 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}
	if c.Audio.MaxDurationSeconds <= 0 {
		return fmt.Errorf("audio.max_duration_seconds must be > 0")
	}

	switch c.Transcription.Backend {
	case "local", "remote":
	default:
		return fmt.Errorf("transcription.backend must be \"local\" or \"remote\", got %q", c.Transcription.Backend)
	}
	switch c.Transcription.ModelSize {
	case "tiny", "base", "small", "medium", "large":
	default:
		return fmt.Errorf("transcription.model_size must be tiny, base, small, medium, or large, got %q", c.Transcription.ModelSize)
	}
	if c.Transcription.TimeoutSeconds <= 0 {
		return fmt.Errorf("transcription.timeout_seconds must be > 0")
	}
	if c.Transcription.Backend == "remote" && c.Transcription.Endpoint == "" {
		return fmt.Errorf("transcription.endpoint is required for the remote backend")
	}

	if c.Tracker.Enabled {
		if c.Tracker.APIURL == "" {
			return fmt.Errorf("tracker.api_url is required when tracker is enabled")
		}
		if c.Tracker.Email == "" {
			return fmt.Errorf("tracker.email is required when tracker is enabled")
		}
		if c.Classifier.Endpoint == "" {
			return fmt.Errorf("classifier.endpoint is required when tracker is enabled")
		}
	}

	if c.Storage.TranscriptionsDir == "" {
		return fmt.Errorf("storage.transcriptions_dir must not be empty")
	}

	if c.Sound.StartVolume < 0 || c.Sound.StartVolume > 1 {
		return fmt.Errorf("sound.start_volume must be between 0 and 1")
	}
	if c.Sound.StopVolume < 0 || c.Sound.StopVolume > 1 {
		return fmt.Errorf("sound.stop_volume must be between 0 and 1")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

func validateHotkey(name string, hk HotkeyConfig) error {
	if len(hk.Keys) == 0 {
		return fmt.Errorf("%s.keys must not be empty", name)
	}
	switch hk.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("%s.mode must be \"hold\" or \"toggle\", got %q", name, hk.Mode)
	}
	return nil
}

// ParseLogLevel maps a config log level string to a slog level.
// Unknown values default to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
