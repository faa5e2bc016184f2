package transcribe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
)

const sseDoneSentinel = "[DONE]"

// RemoteBackend streams audio to a hosted transcription endpoint.
// Audio is encoded as an in-memory WAV and uploaded over multipart
// form data; the response is either an SSE stream or a plain JSON
// body with a "text" field.
type RemoteBackend struct {
	mu     sync.Mutex // guards cfg
	cfg    Config
	client *http.Client
}

// NewRemoteBackend creates a remote backend. client may be nil, in
// which case a default client is used; per-request deadlines come
// from the configured timeout.
func NewRemoteBackend(cfg Config, client *http.Client) *RemoteBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteBackend{cfg: cfg, client: client}
}

// UpdateConfig replaces the backend configuration.
func (b *RemoteBackend) UpdateConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// Transcribe uploads the audio and returns the transcribed text.
func (b *RemoteBackend) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()

	if cfg.APIKey == "" {
		return "", ErrAPIKeyMissing
	}

	wavBytes, err := encodeWAV(samples, sampleRate)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAPI, err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAPI, err)
	}
	if _, err := part.Write(wavBytes); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAPI, err)
	}

	fields := map[string]string{
		"model":  cfg.Model,
		"stream": "true",
	}
	if cfg.Language != LanguageAuto {
		fields["language"] = cfg.Language
	}
	if cfg.Language == "en" {
		fields["prompt"] = "Transcribe the following audio in English."
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return "", fmt.Errorf("%w: %v", ErrAPI, err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAPI, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.Endpoint, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAPI, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		if isTimeoutError(err) {
			return "", fmt.Errorf("%w: API request exceeded %s", ErrTimeout, cfg.Timeout)
		}
		return "", fmt.Errorf("%w: could not reach %s: %v", ErrAPI, cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return "", fmt.Errorf("%w: Invalid API key", ErrAPI)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: rate limit exceeded, try again later", ErrAPI)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: HTTP %d", ErrAPI, resp.StatusCode)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		text, err := collectSSE(resp.Body)
		if err != nil {
			if isTimeoutError(err) {
				return "", fmt.Errorf("%w: API request exceeded %s", ErrTimeout, cfg.Timeout)
			}
			return "", fmt.Errorf("%w: reading stream: %v", ErrAPI, err)
		}
		return text, nil
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: invalid response body: %v", ErrAPI, err)
	}
	return strings.TrimSpace(result.Text), nil
}

// sseChunk covers the event shapes the endpoint is known to emit:
// plain text, delta.text, and OpenAI-style choices[].delta.content.
type sseChunk struct {
	Text  string `json:"text"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// collectSSE accumulates text fragments from a server-sent-event
// stream until the terminal sentinel.
func collectSSE(body io.Reader) (string, error) {
	var parts []string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == sseDoneSentinel {
			break
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Debug("Skipping malformed SSE chunk", "error", err)
			continue
		}
		switch {
		case chunk.Text != "":
			parts = append(parts, chunk.Text)
		case chunk.Delta.Text != "":
			parts = append(parts, chunk.Delta.Text)
		default:
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					parts = append(parts, choice.Delta.Content)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.Join(parts, "")), nil
}

// isTimeoutError reports whether err is a deadline or network timeout.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
