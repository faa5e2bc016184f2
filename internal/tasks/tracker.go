package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrTracker indicates a failed call to the task tracker API.
var ErrTracker = errors.New("tracker request failed")

// Task is a tracker work item.
type Task struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	Effort      string `json:"effort"`
}

// Category is a tracker task category.
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// TrackerConfig holds the connection settings for the tracker API.
type TrackerConfig struct {
	APIURL  string
	APIKey  string
	Email   string
	Project string
}

// Client talks to the DevTracker REST API. Categories are fetched
// once and cached until the configuration changes.
type Client struct {
	mu         sync.Mutex
	cfg        TrackerConfig
	client     *http.Client
	categories []Category
}

// NewClient creates a tracker client. httpClient may be nil.
func NewClient(cfg TrackerConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{cfg: cfg, client: httpClient}
}

// UpdateConfig replaces the connection settings and invalidates the
// category cache.
func (c *Client) UpdateConfig(cfg TrackerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.categories = nil
}

// Project returns the default project name from the configuration.
func (c *Client) Project() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Project
}

func (c *Client) snapshot() TrackerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	cfg := c.snapshot()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %v", ErrTracker, err)
		}
		reader = bytes.NewReader(payload)
	}

	url := strings.TrimRight(cfg.APIURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTracker, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", cfg.APIKey)
	req.Header.Set("X-Developer-Email", cfg.Email)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: could not reach tracker: %v", ErrTracker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrTracker, method, path, resp.StatusCode, detail)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", ErrTracker, err)
		}
	}
	return nil
}

// Categories returns the project's categories, cached across calls.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	c.mu.Lock()
	cached := c.categories
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var body struct {
		Categories []Category `json:"categories"`
	}
	if err := c.do(ctx, http.MethodGet, "/categories", nil, &body); err != nil {
		return nil, err
	}
	if body.Categories == nil {
		body.Categories = []Category{}
	}

	c.mu.Lock()
	c.categories = body.Categories
	c.mu.Unlock()
	return body.Categories, nil
}

// CategoryNames returns the cached category names in tracker order.
func (c *Client) CategoryNames(ctx context.Context) ([]string, error) {
	categories, err := c.Categories(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(categories))
	for i, cat := range categories {
		names[i] = cat.Name
	}
	return names, nil
}

// CategoryID resolves a category name case-insensitively. Unknown
// names return 0 so the tracker applies its own default.
func (c *Client) CategoryID(ctx context.Context, name string) (int, error) {
	categories, err := c.Categories(ctx)
	if err != nil {
		return 0, err
	}
	for _, cat := range categories {
		if strings.EqualFold(cat.Name, name) {
			return cat.ID, nil
		}
	}
	return 0, nil
}

// ActiveAndBacklogTasks lists the tracker's tasks excluding deployed
// ones. Used for duplicate detection.
func (c *Client) ActiveAndBacklogTasks(ctx context.Context) ([]Task, error) {
	var body struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &body); err != nil {
		return nil, err
	}

	filtered := body.Tasks[:0]
	for _, task := range body.Tasks {
		if strings.EqualFold(task.Status, "deployed") {
			continue
		}
		filtered = append(filtered, task)
	}
	return filtered, nil
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Project     string `json:"project"`
	Category    *int   `json:"category,omitempty"`
	Priority    string `json:"priority"`
	Effort      string `json:"effort"`
	Status      string `json:"status"`
}

type taskResponse struct {
	Task Task `json:"task"`
}

// CreateTask creates a backlog task. project overrides the configured
// default when non-empty.
func (c *Client) CreateTask(ctx context.Context, cls Classification, project string) (Task, error) {
	if project == "" {
		project = c.Project()
	}

	payload := createTaskRequest{
		Title:    "Untitled task",
		Project:  project,
		Priority: "medium",
		Effort:   "medium",
		Status:   "backlog",
	}
	if cls.Category != nil {
		if id, err := c.CategoryID(ctx, *cls.Category); err == nil && id != 0 {
			payload.Category = &id
		}
	}
	if cls.Title != nil {
		payload.Title = *cls.Title
	}
	if cls.Description != nil {
		payload.Description = *cls.Description
	}
	if cls.Priority != nil {
		payload.Priority = *cls.Priority
	}
	if cls.Effort != nil {
		payload.Effort = *cls.Effort
	}

	var body taskResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", payload, &body); err != nil {
		return Task{}, err
	}
	return body.Task, nil
}

// UpdateTask applies a partial update carrying only the fields the
// classification set. A classification with nothing to change is an
// error rather than an empty PATCH.
func (c *Client) UpdateTask(ctx context.Context, cls Classification) (changed []string, err error) {
	fields := map[string]any{}
	if cls.Title != nil {
		fields["title"] = *cls.Title
		changed = append(changed, "title")
	}
	if cls.Description != nil {
		fields["description"] = *cls.Description
		changed = append(changed, "description")
	}
	if cls.Category != nil {
		if id, cerr := c.CategoryID(ctx, *cls.Category); cerr == nil && id != 0 {
			fields["category"] = id
			changed = append(changed, "category")
		}
	}
	if cls.Priority != nil {
		fields["priority"] = *cls.Priority
		changed = append(changed, "priority")
	}
	if cls.Effort != nil {
		fields["effort"] = *cls.Effort
		changed = append(changed, "effort")
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: update for task %d has no fields to change", ErrTracker, cls.TaskID)
	}

	path := fmt.Sprintf("/tasks/%d", cls.TaskID)
	if err := c.do(ctx, http.MethodPatch, path, fields, nil); err != nil {
		return nil, err
	}
	return changed, nil
}
