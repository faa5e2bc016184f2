package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func trackerConfig(url string) TrackerConfig {
	return TrackerConfig{
		APIURL:  url,
		APIKey:  "tracker-key",
		Email:   "dev@example.com",
		Project: "imagine",
	}
}

func strptr(s string) *string { return &s }

func TestTrackerHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "tracker-key" {
			t.Errorf("X-API-Key = %q", got)
		}
		if got := r.Header.Get("X-Developer-Email"); got != "dev@example.com" {
			t.Errorf("X-Developer-Email = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		fmt.Fprint(w, `{"categories": []}`)
	}))
	defer srv.Close()

	c := NewClient(trackerConfig(srv.URL), srv.Client())
	if _, err := c.Categories(context.Background()); err != nil {
		t.Fatalf("Categories() error = %v", err)
	}
}

func TestTrackerCategoriesCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"categories": [{"id": 1, "name": "Backend"}, {"id": 2, "name": "Frontend"}]}`)
	}))
	defer srv.Close()

	c := NewClient(trackerConfig(srv.URL), srv.Client())
	for i := 0; i < 3; i++ {
		cats, err := c.Categories(context.Background())
		if err != nil {
			t.Fatalf("Categories() error = %v", err)
		}
		if len(cats) != 2 {
			t.Fatalf("len(categories) = %d, want 2", len(cats))
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("server hit %d times, cache should hold it to 1", n)
	}

	// Config change invalidates the cache.
	c.UpdateConfig(trackerConfig(srv.URL))
	if _, err := c.Categories(context.Background()); err != nil {
		t.Fatalf("Categories() after UpdateConfig error = %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("server hit %d times after invalidation, want 2", n)
	}
}

func TestTrackerCategoryIDCaseInsensitive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"categories": [{"id": 5, "name": "DevOps"}]}`)
	}))
	defer srv.Close()

	c := NewClient(trackerConfig(srv.URL), srv.Client())
	id, err := c.CategoryID(context.Background(), "devops")
	if err != nil {
		t.Fatalf("CategoryID() error = %v", err)
	}
	if id != 5 {
		t.Errorf("CategoryID = %d, want 5", id)
	}

	id, err = c.CategoryID(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("CategoryID() error = %v", err)
	}
	if id != 0 {
		t.Errorf("unknown category id = %d, want 0", id)
	}
}

func TestTrackerActiveAndBacklogFiltersDeployed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"tasks": [
			{"id": 1, "title": "a", "status": "backlog"},
			{"id": 2, "title": "b", "status": "deployed"},
			{"id": 3, "title": "c", "status": "in_progress"}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(trackerConfig(srv.URL), srv.Client())
	tasks, err := c.ActiveAndBacklogTasks(context.Background())
	if err != nil {
		t.Fatalf("ActiveAndBacklogTasks() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2 (deployed filtered)", len(tasks))
	}
	for _, task := range tasks {
		if task.Status == "deployed" {
			t.Errorf("deployed task %d leaked through the filter", task.ID)
		}
	}
}

func TestTrackerCreateTask(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/categories":
			fmt.Fprint(w, `{"categories": [{"id": 3, "name": "Backend"}]}`)
		case "/tasks":
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("decoding payload: %v", err)
			}
			fmt.Fprint(w, `{"task": {"id": 99, "title": "Fix login", "status": "backlog"}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(trackerConfig(srv.URL), srv.Client())
	cls := Classification{
		Intent:      IntentCreate,
		Title:       strptr("Fix login"),
		Description: strptr("Login breaks on mobile"),
		Category:    strptr("Backend"),
		Priority:    strptr("high"),
		Effort:      strptr("small"),
	}

	created, err := c.CreateTask(context.Background(), cls, "override-project")
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if created.ID != 99 {
		t.Errorf("created.ID = %d, want 99", created.ID)
	}

	if payload["title"] != "Fix login" || payload["priority"] != "high" {
		t.Errorf("payload = %v", payload)
	}
	if payload["status"] != "backlog" {
		t.Errorf("status = %v, want backlog", payload["status"])
	}
	if payload["project"] != "override-project" {
		t.Errorf("project = %v, override must win over config default", payload["project"])
	}
	if payload["category"] != float64(3) {
		t.Errorf("category = %v, want resolved id 3", payload["category"])
	}
}

func TestTrackerCreateTaskDefaultProject(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks" {
			fmt.Fprint(w, `{"categories": []}`)
			return
		}
		json.NewDecoder(r.Body).Decode(&payload)
		fmt.Fprint(w, `{"task": {"id": 1}}`)
	}))
	defer srv.Close()

	c := NewClient(trackerConfig(srv.URL), srv.Client())
	if _, err := c.CreateTask(context.Background(), Classification{Intent: IntentCreate}, ""); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if payload["project"] != "imagine" {
		t.Errorf("project = %v, want config default", payload["project"])
	}
	if payload["title"] != "Untitled task" {
		t.Errorf("title = %v, want Untitled task", payload["title"])
	}
	if _, present := payload["category"]; present {
		t.Error("unresolved category must be omitted from the payload")
	}
}

func TestTrackerUpdateTaskPartialFields(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		if r.URL.Path != "/tasks/42" {
			t.Errorf("path = %s, want /tasks/42", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&payload)
		fmt.Fprint(w, `{"task": {"id": 42}}`)
	}))
	defer srv.Close()

	c := NewClient(trackerConfig(srv.URL), srv.Client())
	cls := Classification{
		Intent:   IntentUpdate,
		TaskID:   42,
		Priority: strptr("critical"),
	}
	changed, err := c.UpdateTask(context.Background(), cls)
	if err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if len(changed) != 1 || changed[0] != "priority" {
		t.Errorf("changed = %v, want [priority]", changed)
	}
	if len(payload) != 1 || payload["priority"] != "critical" {
		t.Errorf("payload = %v, want only priority", payload)
	}
}

func TestTrackerUpdateTaskNoFieldsIsError(t *testing.T) {
	c := NewClient(trackerConfig("http://localhost:1"), nil)
	_, err := c.UpdateTask(context.Background(), Classification{Intent: IntentUpdate, TaskID: 7})
	if !errors.Is(err, ErrTracker) {
		t.Fatalf("error = %v, want ErrTracker", err)
	}
}

func TestTrackerHTTPErrorIsTrackerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(trackerConfig(srv.URL), srv.Client())
	_, err := c.Categories(context.Background())
	if !errors.Is(err, ErrTracker) {
		t.Fatalf("error = %v, want ErrTracker", err)
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("error %q should mention the status code", err)
	}
}
