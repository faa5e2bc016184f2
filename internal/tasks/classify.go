// Package tasks turns transcribed speech into tracked development
// tasks: classification through a hosted text model, duplicate-title
// suppression, and a client for the DevTracker REST API.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrClassification indicates a malformed or incomplete
// classification response.
var ErrClassification = errors.New("task classification failed")

const classifyTimeout = 30 * time.Second

// Intent says whether the speaker wants a new task or a change to an
// existing one.
type Intent string

const (
	IntentCreate Intent = "create"
	IntentUpdate Intent = "update"
)

var (
	validPriorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
	validEfforts    = map[string]bool{"tiny": true, "small": true, "medium": true, "large": true, "massive": true}
)

const systemPromptTemplate = `You are a task classifier for a software development project.

Given a voice transcription from a developer, extract a structured task.

IMPORTANT LANGUAGE RULE: If the input is in Swedish or any non-English language, translate it to English first. ALL output fields (title, description) MUST be in English.

Intent:
- create: the speaker describes new work
- update: the speaker refers to an existing task by number and wants it changed (include "task_id" and ONLY the fields being changed)

Categories (pick the BEST match from this list):
%s

Priority:
- low: Nice to have, no deadline
- medium: Should be done soon, normal workflow
- high: Blocking other work or user-facing issue
- critical: Production bug or security issue

Effort:
- tiny: < 1 hour (typo fix, config change)
- small: 1-4 hours (simple feature, bug fix)
- medium: 4-16 hours (feature with multiple components)
- large: 2-5 days (complex feature, refactoring)
- massive: > 1 week (major system change)

Rules:
- Title: imperative form, under 60 characters (e.g. "Fix login button on mobile")
- Description: 1-3 sentences explaining the task
- Category MUST be one of the exact names listed above
- Respond with JSON ONLY, no markdown fences, no explanation

JSON format:
{"intent": "create", "title": "...", "description": "...", "category": "...", "priority": "...", "effort": "..."}`

// Classification is the structured result of classifying a
// transcript. For update intent, nil pointer fields mean "leave
// unchanged"; for create intent every field is populated.
type Classification struct {
	Intent      Intent
	TaskID      int // only meaningful for update
	Title       *string
	Description *string
	Category    *string
	Priority    *string
	Effort      *string
}

// Classifier sends transcripts to a chat-completion endpoint and
// parses the structured task it returns. The API key can be swapped
// while calls are in flight.
type Classifier struct {
	endpoint string
	model    string
	client   *http.Client

	mu     sync.Mutex
	apiKey string
}

// NewClassifier creates a classifier. client may be nil.
func NewClassifier(endpoint, model, apiKey string, client *http.Client) *Classifier {
	if client == nil {
		client = &http.Client{Timeout: classifyTimeout}
	}
	return &Classifier{endpoint: endpoint, model: model, apiKey: apiKey, client: client}
}

// UpdateAPIKey replaces the key used for classification calls.
func (c *Classifier) UpdateAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = key
	c.mu.Unlock()
}

func (c *Classifier) key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify turns a transcript into a Classification. categories is
// the project's category list; when empty the model picks freely.
func (c *Classifier) Classify(ctx context.Context, text string, categories []string) (Classification, error) {
	if len(categories) == 0 {
		categories = []string{"General"}
	}

	var categoryLines strings.Builder
	for _, cat := range categories {
		fmt.Fprintf(&categoryLines, "- %s\n", cat)
	}
	system := fmt.Sprintf(systemPromptTemplate, strings.TrimRight(categoryLines.String(), "\n"))

	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: 0.3,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return Classification{}, fmt.Errorf("%w: encoding request: %v", ErrClassification, err)
	}

	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrClassification, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key())

	resp, err := c.client.Do(req)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: API request failed: %v", ErrClassification, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return Classification{}, fmt.Errorf("%w: API error %d: %s", ErrClassification, resp.StatusCode, body)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Classification{}, fmt.Errorf("%w: unexpected API response format: %v", ErrClassification, err)
	}
	if len(chat.Choices) == 0 {
		return Classification{}, fmt.Errorf("%w: response contains no choices", ErrClassification)
	}

	return parseClassification(chat.Choices[0].Message.Content, categories)
}

// rawClassification matches the model's JSON. Pointers distinguish
// absent fields from empty ones; task_id arrives as a number or a
// numeric string depending on the model's mood.
type rawClassification struct {
	Intent      *string     `json:"intent"`
	TaskID      json.Number `json:"task_id"`
	Title       *string     `json:"title"`
	Description *string     `json:"description"`
	Category    *string     `json:"category"`
	Priority    *string     `json:"priority"`
	Effort      *string     `json:"effort"`
}

// parseClassification validates the model output and applies the
// create-intent defaults. Update intent keeps absent fields nil and
// requires a resolvable integer task id.
func parseClassification(content string, categories []string) (Classification, error) {
	content = stripMarkdownFences(content)

	var raw rawClassification
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		snippet := content
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return Classification{}, fmt.Errorf("%w: parsing JSON: %v. Raw: %s", ErrClassification, err, snippet)
	}

	intent := IntentCreate
	if raw.Intent != nil && strings.ToLower(*raw.Intent) == string(IntentUpdate) {
		intent = IntentUpdate
	}

	if intent == IntentUpdate {
		return parseUpdate(raw, categories)
	}
	return parseCreate(raw, categories), nil
}

func parseCreate(raw rawClassification, categories []string) Classification {
	title := "Untitled task"
	if raw.Title != nil && *raw.Title != "" {
		title = *raw.Title
	}
	description := ""
	if raw.Description != nil {
		description = *raw.Description
	}

	category := ""
	if raw.Category != nil {
		category = *raw.Category
	}
	category = matchCategory(category, categories)

	priority := normalizeChoice(raw.Priority, validPriorities)
	effort := normalizeChoice(raw.Effort, validEfforts)

	return Classification{
		Intent:      IntentCreate,
		Title:       &title,
		Description: &description,
		Category:    &category,
		Priority:    &priority,
		Effort:      &effort,
	}
}

func parseUpdate(raw rawClassification, categories []string) (Classification, error) {
	id, err := parseTaskID(raw.TaskID)
	if err != nil {
		return Classification{}, err
	}

	c := Classification{
		Intent:      IntentUpdate,
		TaskID:      id,
		Title:       raw.Title,
		Description: raw.Description,
	}
	if raw.Category != nil {
		matched := matchCategory(*raw.Category, categories)
		c.Category = &matched
	}
	if raw.Priority != nil {
		p := normalizeChoice(raw.Priority, validPriorities)
		c.Priority = &p
	}
	if raw.Effort != nil {
		e := normalizeChoice(raw.Effort, validEfforts)
		c.Effort = &e
	}
	return c, nil
}

// parseTaskID requires an integer task id; an update with nothing to
// point at is a hard failure, not a silent default.
func parseTaskID(num json.Number) (int, error) {
	if num == "" {
		return 0, fmt.Errorf("%w: update intent requires a task_id", ErrClassification)
	}
	id, err := strconv.Atoi(strings.TrimSpace(num.String()))
	if err != nil {
		return 0, fmt.Errorf("%w: task_id %q is not an integer", ErrClassification, num.String())
	}
	return id, nil
}

// normalizeChoice lowercases a priority/effort value and falls back
// to "medium" when it is not in the valid set.
func normalizeChoice(value *string, valid map[string]bool) string {
	if value == nil {
		return "medium"
	}
	v := strings.ToLower(strings.TrimSpace(*value))
	if !valid[v] {
		return "medium"
	}
	return v
}

// matchCategory maps an unrecognized category onto the project's list
// with a case-insensitive substring match in either direction, else
// the first category.
func matchCategory(name string, categories []string) string {
	if len(categories) == 0 {
		return name
	}
	for _, cat := range categories {
		if cat == name {
			return cat
		}
	}

	nameLower := strings.ToLower(name)
	if nameLower != "" {
		for _, cat := range categories {
			catLower := strings.ToLower(cat)
			if strings.Contains(nameLower, catLower) || strings.Contains(catLower, nameLower) {
				return cat
			}
		}
	}
	return categories[0]
}

var openingFenceRE = regexp.MustCompile("^```\\w*\\s*")

// stripMarkdownFences tolerates models that wrap the JSON in a code
// fence despite being told not to.
func stripMarkdownFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = openingFenceRE.ReplaceAllString(text, "")
	}
	if strings.HasSuffix(text, "```") {
		text = text[:len(text)-3]
	}
	return strings.TrimSpace(text)
}
