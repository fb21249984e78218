package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client is an Ollama-protocol backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the backend at baseURL.
// The HTTP client carries no global timeout: every call must pass a context
// with a deadline, so probe and inference deadlines stay independent.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 0},
	}
}

// Dial is the production Dialer.
func Dial(baseURL string) Backend { return NewClient(baseURL) }

// URL returns the backend base URL.
func (c *Client) URL() string { return c.baseURL }

// Probe hits the server root; Ollama answers 200 with a banner.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return unreachableError{url: c.baseURL, err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unreachableError{url: c.baseURL, err: fmt.Errorf("probe status %s", resp.Status)}
	}
	return nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models lists installed models via /api/tags.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, unreachableError{url: c.baseURL, err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, inferenceError{url: c.baseURL, msg: "list models: " + resp.Status}
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, inferenceError{url: c.baseURL, msg: "decode /api/tags: " + err.Error()}
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// Pull asks the backend to download a model (/api/pull). Long-running; the
// caller controls the deadline.
func (c *Client) Pull(ctx context.Context, model string) error {
	body, _ := json.Marshal(map[string]any{"name": model, "stream": false})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return unreachableError{url: c.baseURL, err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return inferenceError{url: c.baseURL, msg: fmt.Sprintf("pull %s: %s: %s", model, resp.Status, b)}
	}
	return nil
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

// Analyze sends the image and prompt through /api/chat (the multimodal path)
// and returns the generated text with any markdown fences stripped.
func (c *Client) Analyze(ctx context.Context, r Request) (string, error) {
	msgs := make([]chatMessage, 0, 2)
	if r.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: r.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: r.Prompt, Images: []string{r.ImageB64}})

	payload := chatRequest{Model: r.Model, Messages: msgs, Stream: false}
	if r.Temperature > 0 {
		payload.Options = map[string]any{"temperature": r.Temperature}
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", unreachableError{url: c.baseURL, err: ctx.Err()}
		}
		return "", unreachableError{url: c.baseURL, err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", inferenceError{url: c.baseURL, msg: fmt.Sprintf("chat: %s: %s", resp.Status, b)}
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", inferenceError{url: c.baseURL, msg: "decode /api/chat: " + err.Error()}
	}
	if out.Error != "" {
		return "", inferenceError{url: c.baseURL, msg: out.Error}
	}
	text := StripFences(out.Message.Content)
	if strings.TrimSpace(text) == "" {
		return "", inferenceError{url: c.baseURL, msg: "empty response"}
	}
	return text, nil
}

// StripFences removes a surrounding markdown code fence (```json ... ```)
// that vision models often wrap their keyword payload in.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := trimmed[3:]
	if strings.HasPrefix(body, "json") {
		body = body[4:]
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}
