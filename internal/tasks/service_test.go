package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// serviceFixture runs one httptest server acting as both the chat
// endpoint and the tracker API.
type serviceFixture struct {
	classification string
	tasks          string
	createdID      int
	createCalls    int
	patchCalls     int
}

func (f *serviceFixture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/chat":
			fmt.Fprintf(w, `{"choices": [{"message": {"content": %q}}]}`, f.classification)
		case r.URL.Path == "/categories":
			fmt.Fprint(w, `{"categories": [{"id": 1, "name": "Backend"}]}`)
		case r.URL.Path == "/tasks" && r.Method == http.MethodGet:
			fmt.Fprint(w, f.tasks)
		case r.URL.Path == "/tasks" && r.Method == http.MethodPost:
			f.createCalls++
			fmt.Fprintf(w, `{"task": {"id": %d, "title": "created"}}`, f.createdID)
		case r.Method == http.MethodPatch:
			f.patchCalls++
			fmt.Fprint(w, `{"task": {"id": 42}}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}
}

func newTestService(t *testing.T, f *serviceFixture) (*Service, func()) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	classifier := NewClassifier(srv.URL+"/chat", "gpt-test", "k", srv.Client())
	tracker := NewClient(trackerConfig(srv.URL), srv.Client())
	return NewService(classifier, tracker, nil), srv.Close
}

func TestServiceCreatesTask(t *testing.T) {
	f := &serviceFixture{
		classification: `{"intent": "create", "title": "Add retry logic", "category": "Backend", "priority": "high", "effort": "small"}`,
		tasks:          `{"tasks": []}`,
		createdID:      11,
	}
	svc, done := newTestService(t, f)
	defer done()

	outcome, err := svc.HandleTranscript(context.Background(), "add retry logic to the uploader", "")
	if err != nil {
		t.Fatalf("HandleTranscript() error = %v", err)
	}
	if outcome.Kind != OutcomeCreated {
		t.Fatalf("Kind = %q, want created", outcome.Kind)
	}
	if outcome.TaskID != 11 {
		t.Errorf("TaskID = %d, want 11", outcome.TaskID)
	}
	if outcome.Project != "imagine" {
		t.Errorf("Project = %q, want config default", outcome.Project)
	}
	if f.createCalls != 1 {
		t.Errorf("create calls = %d, want 1", f.createCalls)
	}
}

func TestServiceSuppressesDuplicate(t *testing.T) {
	f := &serviceFixture{
		classification: `{"intent": "create", "title": "Fix the login button"}`,
		tasks:          `{"tasks": [{"id": 7, "title": "Fix login button", "status": "backlog"}]}`,
	}
	svc, done := newTestService(t, f)
	defer done()

	outcome, err := svc.HandleTranscript(context.Background(), "fix the login button", "")
	if err != nil {
		t.Fatalf("HandleTranscript() error = %v", err)
	}
	if outcome.Kind != OutcomeDuplicate {
		t.Fatalf("Kind = %q, want duplicate", outcome.Kind)
	}
	if outcome.TaskID != 7 {
		t.Errorf("TaskID = %d, want the existing task", outcome.TaskID)
	}
	if f.createCalls != 0 {
		t.Errorf("create calls = %d, duplicates must not create", f.createCalls)
	}
}

func TestServiceUpdatesTask(t *testing.T) {
	f := &serviceFixture{
		classification: `{"intent": "update", "task_id": 42, "priority": "critical"}`,
		tasks:          `{"tasks": []}`,
	}
	svc, done := newTestService(t, f)
	defer done()

	outcome, err := svc.HandleTranscript(context.Background(), "bump task 42 to critical", "")
	if err != nil {
		t.Fatalf("HandleTranscript() error = %v", err)
	}
	if outcome.Kind != OutcomeUpdated {
		t.Fatalf("Kind = %q, want updated", outcome.Kind)
	}
	if outcome.TaskID != 42 {
		t.Errorf("TaskID = %d, want 42", outcome.TaskID)
	}
	if len(outcome.ChangedFields) != 1 || outcome.ChangedFields[0] != "priority" {
		t.Errorf("ChangedFields = %v, want [priority]", outcome.ChangedFields)
	}
	if f.patchCalls != 1 {
		t.Errorf("patch calls = %d, want 1", f.patchCalls)
	}
}

func TestServiceProjectOverride(t *testing.T) {
	var createPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/chat":
			fmt.Fprint(w, `{"choices": [{"message": {"content": "{\"intent\": \"create\", \"title\": \"New thing\"}"}}]}`)
		case r.URL.Path == "/categories":
			fmt.Fprint(w, `{"categories": []}`)
		case r.URL.Path == "/tasks" && r.Method == http.MethodGet:
			fmt.Fprint(w, `{"tasks": []}`)
		case r.URL.Path == "/tasks" && r.Method == http.MethodPost:
			json.NewDecoder(r.Body).Decode(&createPayload)
			fmt.Fprint(w, `{"task": {"id": 1}}`)
		}
	}))
	defer srv.Close()

	classifier := NewClassifier(srv.URL+"/chat", "gpt-test", "k", srv.Client())
	tracker := NewClient(trackerConfig(srv.URL), srv.Client())
	svc := NewService(classifier, tracker, nil)

	outcome, err := svc.HandleTranscript(context.Background(), "new thing", "sideproject")
	if err != nil {
		t.Fatalf("HandleTranscript() error = %v", err)
	}
	if outcome.Project != "sideproject" {
		t.Errorf("outcome.Project = %q, want override", outcome.Project)
	}
	if createPayload["project"] != "sideproject" {
		t.Errorf("create project = %v, want override", createPayload["project"])
	}
}

func TestServiceCategoriesFailureStillClassifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/chat":
			fmt.Fprint(w, `{"choices": [{"message": {"content": "{\"intent\": \"create\", \"title\": \"Still works\"}"}}]}`)
		case r.URL.Path == "/categories":
			http.Error(w, "down", http.StatusServiceUnavailable)
		case r.URL.Path == "/tasks" && r.Method == http.MethodGet:
			fmt.Fprint(w, `{"tasks": []}`)
		case r.URL.Path == "/tasks" && r.Method == http.MethodPost:
			fmt.Fprint(w, `{"task": {"id": 5, "title": "Still works"}}`)
		}
	}))
	defer srv.Close()

	classifier := NewClassifier(srv.URL+"/chat", "gpt-test", "k", srv.Client())
	tracker := NewClient(trackerConfig(srv.URL), srv.Client())
	svc := NewService(classifier, tracker, nil)

	outcome, err := svc.HandleTranscript(context.Background(), "it still works", "")
	if err != nil {
		t.Fatalf("HandleTranscript() error = %v", err)
	}
	if outcome.Kind != OutcomeCreated || outcome.TaskID != 5 {
		t.Errorf("outcome = %+v, want created task 5", outcome)
	}
}
