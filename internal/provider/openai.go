package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"inkstone/internal/logging"
)

// OpenAIClient speaks the OpenAI chat-completions wire format. It also serves
// every OpenAI-compatible vendor (DeepSeek, local inference servers) by
// swapping the base URL; the wire shape is identical.
type OpenAIClient struct {
	name            string
	baseURL         string
	apiKey          string
	model           string
	maxChars        int
	maxOutputTokens int
	httpClient      *http.Client

	mu          sync.Mutex
	lastRequest time.Time
	lastUsage   Usage
}

// NewOpenAIClient builds an adapter for an OpenAI-compatible endpoint.
// baseURL is the API root without the /chat/completions suffix.
func NewOpenAIClient(name, baseURL, apiKey, model string, maxChars, maxOutputTokens int) *OpenAIClient {
	return &OpenAIClient{
		name:            name,
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		apiKey:          apiKey,
		model:           model,
		maxChars:        maxChars,
		maxOutputTokens: maxOutputTokens,
		httpClient:      &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *OpenAIClient) Name() string         { return c.name }
func (c *OpenAIClient) Model() string        { return c.model }
func (c *OpenAIClient) MaxChars() int        { return c.maxChars }
func (c *OpenAIClient) MaxOutputTokens() int { return c.maxOutputTokens }
func (c *OpenAIClient) EnforcesSchema() bool { return false }

func (c *OpenAIClient) LastUsage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsage
}

// waitForRateLimit spaces consecutive requests.
func (c *OpenAIClient) waitForRateLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(c.lastRequest)
	if min := minRequestInterval * time.Millisecond; elapsed < min {
		time.Sleep(min - elapsed)
	}
	c.lastRequest = time.Now()
}

func (c *OpenAIClient) setUsage(u Usage) {
	c.mu.Lock()
	c.lastUsage = u
	c.mu.Unlock()
}

// openAIRequest is the chat-completions request body.
type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (c *OpenAIClient) buildBody(req *Request, stream bool) ([]byte, error) {
	body := openAIRequest{
		Model:       c.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = c.maxOutputTokens
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.JSONMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return json.Marshal(body)
}

func (c *OpenAIClient) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return httpReq, nil
}

// classifyHTTPError maps a non-200 status to the normalized error taxonomy.
func classifyHTTPError(name string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w (status %d): %s", name, ErrAuth, status, msg)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w (status %d): %s", name, ErrRateLimit, status, msg)
	default:
		return fmt.Errorf("%s: API error (status %d): %s", name, status, msg)
	}
}

// finishError converts a terminal finish reason into an error, or nil for a
// clean stop.
func (c *OpenAIClient) finishError(reason string) error {
	switch reason {
	case "length":
		return &TruncatedOutputError{MaxTokens: c.maxOutputTokens}
	case "content_filter":
		return &SafetyBlockedError{Category: "content_filter"}
	default:
		return nil
	}
}

// Chat performs a blocking chat completion.
func (c *OpenAIClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	c.waitForRateLimit()

	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	logging.APIDebug("[%s] POST /chat/completions model=%s bytes=%d", c.name, c.model, len(body))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		logging.APIError("[%s] status=%d", c.name, resp.StatusCode)
		return nil, classifyHTTPError(c.name, resp.StatusCode, respBody)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%s: failed to parse response: %w", c.name, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%s: API error: %s", c.name, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%s: no choices in response", c.name)
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}
	c.setUsage(usage)

	choice := parsed.Choices[0]
	if err := c.finishError(choice.FinishReason); err != nil {
		return nil, err
	}

	return &Response{
		Content:      choice.Message.Content,
		FinishReason: normalizeFinish(choice.FinishReason),
		Usage:        usage,
	}, nil
}

func normalizeFinish(reason string) FinishReason {
	switch reason {
	case "length":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	default:
		return FinishStop
	}
}

// ChatStream performs a streaming chat completion, emitting content deltas as
// they arrive. The final event carries usage when the vendor reports it.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		c.waitForRateLimit()

		body, err := c.buildBody(req, true)
		if err != nil {
			errs <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}
		httpReq, err := c.newHTTPRequest(ctx, body)
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		logging.APIDebug("[%s] POST /chat/completions (stream) model=%s", c.name, c.model)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("%s: request failed: %w", c.name, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			errs <- classifyHTTPError(c.name, resp.StatusCode, respBody)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		var finish string
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logging.APIWarn("[%s] skipping malformed stream event: %v", c.name, err)
				continue
			}
			if chunk.Usage != nil {
				c.setUsage(Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				})
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				select {
				case chunks <- StreamChunk{Delta: choice.Delta.Content}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("%s: stream read failed: %w", c.name, err)
			return
		}
		if err := c.finishError(finish); err != nil {
			errs <- err
			return
		}
		chunks <- StreamChunk{Done: true}
	}()

	return chunks, errs
}
