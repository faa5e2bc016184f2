// Package app wires the hotkey listener, recording guard,
// transcription dispatcher, and configuration reload into a running
// application.
package app

import (
	"context"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/Elivro/elivro-imagine/internal/audio"
	"github.com/Elivro/elivro-imagine/internal/clipboard"
	"github.com/Elivro/elivro-imagine/internal/config"
	"github.com/Elivro/elivro-imagine/internal/dispatch"
	"github.com/Elivro/elivro-imagine/internal/hotkey"
	"github.com/Elivro/elivro-imagine/internal/models"
	"github.com/Elivro/elivro-imagine/internal/notify"
	"github.com/Elivro/elivro-imagine/internal/session"
	"github.com/Elivro/elivro-imagine/internal/sound"
	"github.com/Elivro/elivro-imagine/internal/storage"
	"github.com/Elivro/elivro-imagine/internal/tasks"
	"github.com/Elivro/elivro-imagine/internal/transcribe"
)

// App owns every long-lived component and routes hotkey events through
// the recording guard into the dispatcher.
type App struct {
	cfgPath string
	log     *slog.Logger

	mu     sync.Mutex
	cfg    *config.Config
	paster *clipboard.Paster

	recorder   *audio.Recorder
	sounds     *sound.Player
	notifier   *notify.Notifier
	guard      *session.Guard
	selector   *transcribe.Selector
	classifier *tasks.Classifier
	tracker    *tasks.Client
	storage    *storage.Manager
	dispatcher *dispatch.Dispatcher
	listener   *hotkey.Listener
}

// New builds the application from a validated config. cfgPath is
// watched for changes while the app runs.
func New(cfgPath string, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfgPath: cfgPath, cfg: cfg, log: log}

	a.notifier = notify.New(log)

	var err error
	a.sounds, err = sound.NewPlayer(cfg.Sound.Enabled, cfg.Sound.StartVolume, cfg.Sound.StopVolume, log)
	if err != nil {
		// Cues are feedback, not function. Run without them.
		log.Warn("sound cues unavailable", "error", err)
		a.sounds, _ = sound.NewPlayer(false, 0, 0, log)
	}

	maxDuration := time.Duration(cfg.Audio.MaxDurationSeconds) * time.Second
	a.recorder, err = audio.NewRecorder(cfg.Audio.SampleRate, cfg.Audio.Channels, maxDuration)
	if err != nil {
		a.notifier.Close()
		a.sounds.Close()
		return nil, err
	}

	a.guard = session.NewGuard(a.recorder, a.sounds, a.notifier, nil, log)

	a.selector = transcribe.NewSelector(
		transcribeConfig(cfg.Transcription),
		transcribe.WhisperEngine{},
		models.Resolve,
		nil,
		func(msg string) { a.notifier.Notify("ElivroImagine", msg) },
	)

	a.storage, err = storage.NewManager(cfg.Storage.TranscriptionsDir, log)
	if err != nil {
		a.notifier.Close()
		a.sounds.Close()
		_ = a.recorder.Close()
		return nil, err
	}

	a.paster = clipboard.NewPaster(cfg.Hotkeys.Paste.RestoreClipboard, log)

	a.classifier = tasks.NewClassifier(cfg.Classifier.Endpoint, cfg.Classifier.Model, cfg.Classifier.APIKey, nil)
	a.tracker = tasks.NewClient(trackerConfig(cfg.Tracker), nil)
	service := tasks.NewService(a.classifier, a.tracker, log)

	a.dispatcher = dispatch.New(dispatch.Config{
		Transcriber: a.selector,
		Storage:     a.storage,
		Paster:      pasterProxy{a},
		Tasks:       service,
		Notifier:    a.notifier,
		Log:         log,
	})

	a.listener = hotkey.NewListener(a.bindings(cfg)...)
	return a, nil
}

// bindings translates the enabled hotkey config entries into listener
// bindings keyed by trigger source.
func (a *App) bindings(cfg *config.Config) []hotkey.Binding {
	bindings := []hotkey.Binding{{
		Source: string(session.SourceSave),
		Keys:   cfg.Hotkeys.Save.Keys,
		Mode:   cfg.Hotkeys.Save.Mode,
	}}
	if cfg.Hotkeys.Paste.Enabled {
		bindings = append(bindings, hotkey.Binding{
			Source: string(session.SourcePaste),
			Keys:   cfg.Hotkeys.Paste.Keys,
			Mode:   cfg.Hotkeys.Paste.Mode,
		})
	}
	if cfg.Hotkeys.Task.Enabled {
		bindings = append(bindings, hotkey.Binding{
			Source: string(session.SourceTask),
			Keys:   cfg.Hotkeys.Task.Keys,
			Mode:   cfg.Hotkeys.Task.Mode,
		})
	}
	return bindings
}

// Run starts the listener and the config watcher, then blocks routing
// hotkey events until ctx is cancelled or the listener stops.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := a.selector.Preload(); err != nil {
			a.log.Error("preloading model failed", "error", err)
		}
	}()

	go func() {
		if err := config.Watch(ctx, a.cfgPath, a.applyConfig, a.log); err != nil {
			a.log.Error("config watcher failed", "error", err)
		}
	}()

	go a.listener.Start()
	a.log.Info("ready",
		"save_hotkey", strings.Join(a.cfg.Hotkeys.Save.Keys, "+"),
		"backend", a.selector.Active())

	events := a.listener.Events()
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case ev, ok := <-events:
			if !ok {
				a.shutdown()
				return nil
			}
			a.handle(ev)
		}
	}
}

// SuppressHotkeys blocks recording while a settings surface is
// capturing a new binding.
func (a *App) SuppressHotkeys(suppressed bool) {
	a.guard.SetSuppressed(suppressed)
}

func (a *App) handle(ev hotkey.Event) {
	source := session.Source(ev.Source)

	switch ev.Type {
	case hotkey.EventStart:
		a.guard.Acquire(source)

	case hotkey.EventStop:
		capture := a.guard.Release(source)
		if capture == nil {
			return
		}

		a.mu.Lock()
		rate := int(a.cfg.Audio.SampleRate)
		project := a.cfg.Hotkeys.Task.Project
		a.mu.Unlock()

		action := dispatch.Action{Kind: actionFor(source)}
		if source == session.SourceTask {
			action.Project = project
		}

		ok := a.dispatcher.Submit(dispatch.Job{
			Samples:    capture.Samples,
			SampleRate: rate,
			Duration:   capture.Duration,
			Action:     action,
		})
		if !ok && a.notifier != nil {
			a.notifier.Notify("ElivroImagine Error", "Too many recordings in flight. Recording dropped.")
		}
	}
}

func actionFor(source session.Source) dispatch.ActionKind {
	switch source {
	case session.SourcePaste:
		return dispatch.ActionPaste
	case session.SourceTask:
		return dispatch.ActionTask
	default:
		return dispatch.ActionSave
	}
}

// applyConfig pushes a reloaded config into every component that can
// absorb changes at runtime. Hotkey bindings and audio capture
// settings require a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.selector.UpdateConfig(transcribeConfig(cfg.Transcription))
	a.tracker.UpdateConfig(trackerConfig(cfg.Tracker))
	a.classifier.UpdateAPIKey(cfg.Classifier.APIKey)

	if err := a.storage.UpdateDir(cfg.Storage.TranscriptionsDir); err != nil {
		a.log.Error("switching transcriptions directory failed", "error", err)
	}

	a.mu.Lock()
	previous := a.cfg
	a.paster = clipboard.NewPaster(cfg.Hotkeys.Paste.RestoreClipboard, a.log)
	a.cfg = cfg
	a.mu.Unlock()

	if !reflect.DeepEqual(previous.Hotkeys, cfg.Hotkeys) || previous.Audio != cfg.Audio {
		a.log.Warn("hotkey and audio changes take effect after restart")
	}
}

func (a *App) shutdown() {
	a.log.Info("shutting down")
	a.listener.Stop()
	a.dispatcher.Shutdown()
	if a.recorder.IsRecording() {
		a.recorder.Stop()
	}
	_ = a.recorder.Close()
	a.sounds.Close()
	a.notifier.Close()
}

// pasterProxy lets the dispatcher always see the paster built from the
// most recent config.
type pasterProxy struct{ app *App }

func (p pasterProxy) PasteText(text string) error {
	p.app.mu.Lock()
	paster := p.app.paster
	p.app.mu.Unlock()
	return paster.PasteText(text)
}

func transcribeConfig(t config.TranscriptionConfig) transcribe.Config {
	return transcribe.Config{
		Backend:   transcribe.Backend(t.Backend),
		ModelSize: t.ModelSize,
		Language:  t.Language,
		Timeout:   t.Timeout(),
		APIKey:    t.APIKey,
		Endpoint:  t.Endpoint,
		Model:     t.Model,
	}
}

func trackerConfig(t config.TrackerConfig) tasks.TrackerConfig {
	return tasks.TrackerConfig{
		APIURL:  t.APIURL,
		APIKey:  t.APIKey,
		Email:   t.Email,
		Project: t.Project,
	}
}
