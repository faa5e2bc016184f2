package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Elivro/elivro-imagine/internal/app"
	"github.com/Elivro/elivro-imagine/internal/config"
	"github.com/Elivro/elivro-imagine/internal/models"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.elivroimagine/config.yaml)")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	download := flag.String("download", "", "download a whisper model (tiny, base, small, medium, large) and exit")
	flag.Parse()

	if *download != "" {
		if err := models.Download(*download); err != nil {
			fmt.Fprintf(os.Stderr, "download failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	path := *configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrCreate(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	log := newLogger(path, config.ParseLogLevel(level))
	slog.SetDefault(log)

	printBanner(cfg, path)

	a, err := app.New(path, cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}

	// Exit directly to avoid gohook's C cleanup crash. The OS reclaims
	// the event hook on process exit.
	os.Exit(0)
}

// newLogger writes to stderr and to a log file next to the config.
// When the file cannot be opened, stderr alone is used.
func newLogger(cfgPath string, level slog.Level) *slog.Logger {
	var out io.Writer = os.Stderr

	logDir := filepath.Join(filepath.Dir(cfgPath), "logs")
	if err := os.MkdirAll(logDir, 0o755); err == nil {
		f, err := os.OpenFile(filepath.Join(logDir, "elivro-imagine.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = io.MultiWriter(os.Stderr, f)
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, path string) {
	fmt.Println("=== elivro-imagine ===")
	fmt.Printf("  Config:   %s\n", path)
	fmt.Printf("  Backend:  %s", cfg.Transcription.Backend)
	if cfg.Transcription.Backend == "local" {
		fmt.Printf(" (%s)", cfg.Transcription.ModelSize)
	}
	fmt.Println()
	fmt.Printf("  Save:     %s (%s mode)\n", strings.Join(cfg.Hotkeys.Save.Keys, "+"), cfg.Hotkeys.Save.Mode)
	if cfg.Hotkeys.Paste.Enabled {
		fmt.Printf("  Paste:    %s (%s mode)\n", strings.Join(cfg.Hotkeys.Paste.Keys, "+"), cfg.Hotkeys.Paste.Mode)
	}
	if cfg.Hotkeys.Task.Enabled {
		fmt.Printf("  Task:     %s (%s mode)\n", strings.Join(cfg.Hotkeys.Task.Keys, "+"), cfg.Hotkeys.Task.Mode)
	}
	fmt.Printf("  Audio:    %dHz, %dch\n", cfg.Audio.SampleRate, cfg.Audio.Channels)
	fmt.Printf("  Storage:  %s\n", cfg.Storage.TranscriptionsDir)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("======================")
}
