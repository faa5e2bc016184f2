// Package dispatch runs finished recordings through transcription and
// routes the text to its destination on a bounded worker pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Elivro/elivro-imagine/internal/storage"
	"github.com/Elivro/elivro-imagine/internal/tasks"
	"github.com/Elivro/elivro-imagine/internal/transcribe"
)

// Workers is the pool size. Two is enough to absorb a rapid second
// recording while the first is still transcribing without letting
// runaway recordings pile up model inference.
const Workers = 2

const queueDepth = 8

// ActionKind selects the downstream destination for a transcript.
type ActionKind string

const (
	ActionSave  ActionKind = "save"
	ActionPaste ActionKind = "paste"
	ActionTask  ActionKind = "task"
)

// Action tags a job with its destination. Project overrides the
// tracker's default project for ActionTask.
type Action struct {
	Kind    ActionKind
	Project string
}

// Job is one finished recording awaiting transcription.
type Job struct {
	ID         uuid.UUID
	Samples    []float32
	SampleRate int
	Duration   time.Duration
	Action     Action
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// Storage persists transcripts.
type Storage interface {
	SaveTranscription(text string, duration time.Duration) (string, error)
}

// Paster types a transcript into the focused application.
type Paster interface {
	PasteText(text string) error
}

// TaskService turns a transcript into a tracked task.
type TaskService interface {
	HandleTranscript(ctx context.Context, text, project string) (tasks.Outcome, error)
}

// Notifier delivers a fire-and-forget user notification.
type Notifier interface {
	Notify(title, message string)
}

// Dispatcher owns the worker pool. Jobs queue when all workers are
// busy; pending jobs are dropped at shutdown and running jobs are
// abandoned rather than force-killed.
type Dispatcher struct {
	transcriber Transcriber
	storage     Storage
	paster      Paster
	tasks       TaskService
	notifier    Notifier
	onBusy      func(busy bool)
	log         *slog.Logger

	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the dispatcher's collaborators. Storage, Paster,
// Tasks, Notifier, OnBusy, and Log may each be nil; jobs routed to a
// missing collaborator produce a notification instead of work.
type Config struct {
	Transcriber Transcriber
	Storage     Storage
	Paster      Paster
	Tasks       TaskService
	Notifier    Notifier
	OnBusy      func(busy bool)
	Log         *slog.Logger
}

// New starts the worker pool.
func New(cfg Config) *Dispatcher {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		transcriber: cfg.Transcriber,
		storage:     cfg.Storage,
		paster:      cfg.Paster,
		tasks:       cfg.Tasks,
		notifier:    cfg.Notifier,
		onBusy:      cfg.OnBusy,
		log:         cfg.Log,
		jobs:        make(chan Job, queueDepth),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Submit queues a job. Returns false when the queue is full or the
// dispatcher has shut down; the recording is lost either way, so the
// caller should treat false as a drop.
func (d *Dispatcher) Submit(job Job) bool {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	select {
	case <-d.ctx.Done():
		return false
	default:
	}
	select {
	case d.jobs <- job:
		d.log.Debug("job queued", "id", job.ID, "action", job.Action.Kind, "duration", job.Duration)
		return true
	default:
		d.log.Warn("job queue full, dropping recording", "id", job.ID)
		return false
	}
}

// Shutdown stops accepting jobs and discards anything still queued.
// Running jobs are left to finish on their own; this does not wait
// for them.
func (d *Dispatcher) Shutdown() {
	d.cancel()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-d.jobs:
			// Re-check shutdown so a queued job racing the cancel is
			// dropped rather than started.
			select {
			case <-d.ctx.Done():
				return
			default:
			}
			d.run(job)
		}
	}
}

func (d *Dispatcher) run(job Job) {
	if d.onBusy != nil {
		d.onBusy(true)
		defer d.onBusy(false)
	}

	d.log.Info("transcribing", "id", job.ID, "action", job.Action.Kind,
		"duration", job.Duration.Round(100*time.Millisecond))

	// A started job runs to completion even across Shutdown, so its
	// context is detached from the pool cancel. The backends enforce
	// their own timeouts.
	ctx := context.WithoutCancel(d.ctx)

	text, err := d.transcriber.Transcribe(ctx, job.Samples, job.SampleRate)
	if err != nil {
		d.log.Error("transcription failed", "id", job.ID, "error", err)
		d.notifyTranscribeError(err)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		d.log.Warn("transcription returned empty text", "id", job.ID)
		d.notify("ElivroImagine", "No speech detected")
		return
	}

	switch job.Action.Kind {
	case ActionSave:
		d.save(job, text)
	case ActionPaste:
		d.paste(job, text)
	case ActionTask:
		d.task(ctx, job, text)
	default:
		d.log.Error("unknown action", "id", job.ID, "action", job.Action.Kind)
	}
}

func (d *Dispatcher) save(job Job, text string) {
	if d.storage == nil {
		d.notify("ElivroImagine Error", "Storage unavailable")
		return
	}
	location, err := d.storage.SaveTranscription(text, job.Duration)
	if err != nil {
		d.log.Error("saving transcription failed", "id", job.ID, "error", err)
		if errors.Is(err, storage.ErrInsufficientDiskSpace) {
			d.notify("ElivroImagine Error", err.Error())
		} else {
			d.notify("ElivroImagine Error", fmt.Sprintf("Transcription failed: %v", err))
		}
		return
	}
	d.log.Info("transcription saved", "id", job.ID, "location", location)
	d.notify("Transcription Saved", preview(text))
}

func (d *Dispatcher) paste(job Job, text string) {
	if d.paster == nil {
		d.notify("ElivroImagine", "Paste unavailable")
		return
	}
	if err := d.paster.PasteText(text); err != nil {
		d.log.Error("pasting failed", "id", job.ID, "error", err)
		d.notify("ElivroImagine", "Failed to paste text")
		return
	}
	d.log.Info("transcription pasted", "id", job.ID, "preview", preview(text))
}

func (d *Dispatcher) task(ctx context.Context, job Job, text string) {
	if d.tasks == nil {
		d.notify("ElivroImagine Error", "Task tracker is not configured")
		return
	}
	outcome, err := d.tasks.HandleTranscript(ctx, text, job.Action.Project)
	if err != nil {
		d.log.Error("task handling failed", "id", job.ID, "error", err)
		switch {
		case errors.Is(err, tasks.ErrClassification):
			d.notify("ElivroImagine Error", fmt.Sprintf("Classification failed: %v", err))
		case errors.Is(err, tasks.ErrTracker):
			d.notify("ElivroImagine Error", fmt.Sprintf("DevTracker: %v", err))
		case errors.Is(err, transcribe.ErrTimeout):
			d.notify("ElivroImagine Error", "Transcription timed out. Try a shorter recording.")
		default:
			d.notify("ElivroImagine Error", fmt.Sprintf("Task failed: %v", err))
		}
		return
	}

	switch outcome.Kind {
	case tasks.OutcomeDuplicate:
		d.notify("Duplicate Task", fmt.Sprintf("Matches #%d: %s", outcome.TaskID, outcome.Title))
	case tasks.OutcomeUpdated:
		d.notify(fmt.Sprintf("Task Updated (%s)", outcome.Project),
			fmt.Sprintf("#%d: updated %s", outcome.TaskID, strings.Join(outcome.ChangedFields, ", ")))
	default:
		d.notify(fmt.Sprintf("Task Created (%s)", outcome.Project),
			fmt.Sprintf("#%d: %s", outcome.TaskID, outcome.Title))
	}
}

// notifyTranscribeError maps each backend failure to its own short
// message so a timeout, a missing key, and a rate limit never blur
// into a generic error.
func (d *Dispatcher) notifyTranscribeError(err error) {
	switch {
	case errors.Is(err, transcribe.ErrTimeout):
		d.notify("ElivroImagine Error", "Transcription timed out. Try a shorter recording.")
	case errors.Is(err, transcribe.ErrAPIKeyMissing):
		d.notify("ElivroImagine Error", "API key is missing. Add it in Settings.")
	case errors.Is(err, transcribe.ErrAPI):
		d.notify("ElivroImagine Error", err.Error())
	case errors.Is(err, transcribe.ErrModelLoad):
		d.notify("ElivroImagine Error", fmt.Sprintf("Model failed to load: %v", err))
	default:
		d.notify("ElivroImagine Error", fmt.Sprintf("Transcription failed: %v", err))
	}
}

func (d *Dispatcher) notify(title, message string) {
	if d.notifier != nil {
		d.notifier.Notify(title, message)
	}
}

func preview(text string) string {
	if len(text) > 100 {
		return text[:100] + "..."
	}
	return text
}
