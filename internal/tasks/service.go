package tasks

import (
	"context"
	"log/slog"
)

// OutcomeKind says what HandleTranscript did with the transcript.
type OutcomeKind string

const (
	OutcomeCreated   OutcomeKind = "created"
	OutcomeUpdated   OutcomeKind = "updated"
	OutcomeDuplicate OutcomeKind = "duplicate"
)

// Outcome reports what happened to a classified transcript.
type Outcome struct {
	Kind          OutcomeKind
	TaskID        int
	Title         string
	Project       string
	ChangedFields []string
}

// Service glues classification, duplicate detection, and the tracker
// client into a single transcript-to-task pipeline.
type Service struct {
	classifier *Classifier
	tracker    *Client
	log        *slog.Logger
}

// NewService wires the pipeline. log may be nil.
func NewService(classifier *Classifier, tracker *Client, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{classifier: classifier, tracker: tracker, log: log}
}

// HandleTranscript classifies a transcript and creates or updates a
// tracker task. project overrides the configured default when
// non-empty.
func (s *Service) HandleTranscript(ctx context.Context, text, project string) (Outcome, error) {
	if project == "" {
		project = s.tracker.Project()
	}

	// Classification works without a category list; the tracker being
	// briefly unreachable should not block task capture entirely.
	categories, err := s.tracker.CategoryNames(ctx)
	if err != nil {
		s.log.Warn("fetching categories failed, classifying without them", "error", err)
		categories = nil
	}

	cls, err := s.classifier.Classify(ctx, text, categories)
	if err != nil {
		return Outcome{}, err
	}

	if cls.Intent == IntentUpdate {
		return s.update(ctx, cls, project)
	}
	return s.create(ctx, cls, project)
}

func (s *Service) create(ctx context.Context, cls Classification, project string) (Outcome, error) {
	title := "Untitled task"
	if cls.Title != nil {
		title = *cls.Title
	}

	existing, err := s.tracker.ActiveAndBacklogTasks(ctx)
	if err != nil {
		s.log.Warn("listing tasks for duplicate check failed", "error", err)
	} else if dup := FindDuplicate(title, existing); dup != nil {
		s.log.Info("duplicate task, skipping create",
			"title", title, "existing_id", dup.ID, "existing_title", dup.Title)
		return Outcome{
			Kind:    OutcomeDuplicate,
			TaskID:  dup.ID,
			Title:   dup.Title,
			Project: project,
		}, nil
	}

	created, err := s.tracker.CreateTask(ctx, cls, project)
	if err != nil {
		return Outcome{}, err
	}

	s.log.Info("task created", "id", created.ID, "title", created.Title, "project", project)
	return Outcome{
		Kind:    OutcomeCreated,
		TaskID:  created.ID,
		Title:   created.Title,
		Project: project,
	}, nil
}

func (s *Service) update(ctx context.Context, cls Classification, project string) (Outcome, error) {
	changed, err := s.tracker.UpdateTask(ctx, cls)
	if err != nil {
		return Outcome{}, err
	}

	title := ""
	if cls.Title != nil {
		title = *cls.Title
	}

	s.log.Info("task updated", "id", cls.TaskID, "fields", changed)
	return Outcome{
		Kind:          OutcomeUpdated,
		TaskID:        cls.TaskID,
		Title:         title,
		Project:       project,
		ChangedFields: changed,
	}, nil
}
