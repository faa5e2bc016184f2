package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func chatServer(t *testing.T, content string, capture *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer class-key" {
			t.Errorf("Authorization = %q", got)
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Fatalf("decoding request: %v", err)
			}
		}
		fmt.Fprintf(w, `{"choices": [{"message": {"content": %q}}]}`, content)
	}))
}

func TestClassifyCreateWithDefaults(t *testing.T) {
	var req chatRequest
	srv := chatServer(t, `{"intent": "create", "title": "Fix the thing", "priority": "URGENT", "effort": "unknown", "category": "backend stuff"}`, &req)
	defer srv.Close()

	c := NewClassifier(srv.URL, "gpt-test", "class-key", srv.Client())
	cls, err := c.Classify(context.Background(), "fix the thing please", []string{"Frontend", "Backend"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	if cls.Intent != IntentCreate {
		t.Errorf("Intent = %q, want create", cls.Intent)
	}
	if *cls.Title != "Fix the thing" {
		t.Errorf("Title = %q", *cls.Title)
	}
	if *cls.Priority != "medium" {
		t.Errorf("unrecognized priority should default to medium, got %q", *cls.Priority)
	}
	if *cls.Effort != "medium" {
		t.Errorf("unrecognized effort should default to medium, got %q", *cls.Effort)
	}
	if *cls.Category != "Backend" {
		t.Errorf("category fuzzy match = %q, want Backend", *cls.Category)
	}

	if req.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", req.Temperature)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("unexpected message shape: %+v", req.Messages)
	}
	if !strings.Contains(req.Messages[0].Content, "- Backend") {
		t.Error("system prompt should list the categories")
	}
	if req.Messages[1].Content != "fix the thing please" {
		t.Errorf("user message = %q", req.Messages[1].Content)
	}
}

func TestClassifyToleratesMarkdownFences(t *testing.T) {
	srv := chatServer(t, "```json\n{\"intent\": \"create\", \"title\": \"Fenced\"}\n```", nil)
	defer srv.Close()

	c := NewClassifier(srv.URL, "gpt-test", "class-key", srv.Client())
	cls, err := c.Classify(context.Background(), "text", []string{"General"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if *cls.Title != "Fenced" {
		t.Errorf("Title = %q, want Fenced", *cls.Title)
	}
}

func TestClassifyMissingIntentDefaultsToCreate(t *testing.T) {
	cls, err := parseClassification(`{"title": "No intent"}`, []string{"General"})
	if err != nil {
		t.Fatalf("parseClassification() error = %v", err)
	}
	if cls.Intent != IntentCreate {
		t.Errorf("Intent = %q, want create", cls.Intent)
	}
	cls, err = parseClassification(`{"intent": "destroy", "title": "x"}`, []string{"General"})
	if err != nil {
		t.Fatalf("parseClassification() error = %v", err)
	}
	if cls.Intent != IntentCreate {
		t.Errorf("unrecognized intent = %q, want create", cls.Intent)
	}
}

func TestClassifyCreateMissingFieldsGetDefaults(t *testing.T) {
	cls, err := parseClassification(`{"intent": "create"}`, []string{"Frontend", "Backend"})
	if err != nil {
		t.Fatalf("parseClassification() error = %v", err)
	}
	if *cls.Title != "Untitled task" {
		t.Errorf("Title = %q, want Untitled task", *cls.Title)
	}
	if *cls.Description != "" {
		t.Errorf("Description = %q, want empty", *cls.Description)
	}
	if *cls.Category != "Frontend" {
		t.Errorf("missing category should fall back to first, got %q", *cls.Category)
	}
	if *cls.Priority != "medium" || *cls.Effort != "medium" {
		t.Errorf("priority/effort = %q/%q, want medium/medium", *cls.Priority, *cls.Effort)
	}
}

func TestClassifyUpdateKeepsAbsentFieldsNil(t *testing.T) {
	cls, err := parseClassification(`{"intent": "update", "task_id": 42, "priority": "HIGH"}`, []string{"General"})
	if err != nil {
		t.Fatalf("parseClassification() error = %v", err)
	}
	if cls.Intent != IntentUpdate || cls.TaskID != 42 {
		t.Fatalf("intent/id = %q/%d, want update/42", cls.Intent, cls.TaskID)
	}
	if cls.Title != nil || cls.Description != nil || cls.Category != nil || cls.Effort != nil {
		t.Error("fields absent from the JSON must stay nil")
	}
	if cls.Priority == nil || *cls.Priority != "high" {
		t.Errorf("Priority = %v, want high", cls.Priority)
	}
}

func TestClassifyUpdateTaskIDForms(t *testing.T) {
	cls, err := parseClassification(`{"intent": "update", "task_id": "17", "title": "t"}`, nil)
	if err != nil {
		t.Fatalf("numeric string task_id rejected: %v", err)
	}
	if cls.TaskID != 17 {
		t.Errorf("TaskID = %d, want 17", cls.TaskID)
	}

	_, err = parseClassification(`{"intent": "update", "title": "t"}`, nil)
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("missing task_id: error = %v, want ErrClassification", err)
	}

	_, err = parseClassification(`{"intent": "update", "task_id": "soon", "title": "t"}`, nil)
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("non-integer task_id: error = %v, want ErrClassification", err)
	}
}

func TestClassifyMalformedJSONIsClassificationError(t *testing.T) {
	_, err := parseClassification("I could not classify that, sorry!", []string{"General"})
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("error = %v, want ErrClassification", err)
	}
}

func TestClassifyAPIFailureIsClassificationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClassifier(srv.URL, "gpt-test", "class-key", srv.Client())
	_, err := c.Classify(context.Background(), "text", nil)
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("error = %v, want ErrClassification", err)
	}
}

func TestMatchCategory(t *testing.T) {
	categories := []string{"Frontend", "Backend", "DevOps"}
	cases := []struct {
		in   string
		want string
	}{
		{"Backend", "Backend"},
		{"backend", "Backend"},
		{"backend work", "Backend"},
		{"Dev", "DevOps"},
		{"totally unrelated", "Frontend"},
		{"", "Frontend"},
	}
	for _, tc := range cases {
		if got := matchCategory(tc.in, categories); got != tc.want {
			t.Errorf("matchCategory(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStripMarkdownFences(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{`{"a": 1}`, `{"a": 1}`},
	}
	for _, tc := range cases {
		if got := stripMarkdownFences(tc.in); got != tc.want {
			t.Errorf("stripMarkdownFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUpdateAPIKeyConcurrentWithClassify(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		fmt.Fprint(w, `{"choices": [{"message": {"content": "{\"intent\": \"create\", \"title\": \"T\"}"}}]}`)
	}))
	defer srv.Close()

	c := NewClassifier(srv.URL, "gpt-test", "old-key", srv.Client())

	// Key rotation while calls are in flight must not race.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Classify(context.Background(), "text", []string{"General"}); err != nil {
				t.Errorf("Classify() error = %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.UpdateAPIKey("new-key")
		}()
	}
	wg.Wait()

	if _, err := c.Classify(context.Background(), "text", []string{"General"}); err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got := seen[len(seen)-1]; got != "Bearer new-key" {
		t.Errorf("last request used %q, want the rotated key", got)
	}
}
