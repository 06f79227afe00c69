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

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"

	// jsonModeInstruction emulates JSON mode for an API that has none. It is
	// appended to the final user message rather than the system prompt so it
	// lands as close to generation as possible.
	jsonModeInstruction = "\n\nRespond with a single valid JSON object only. " +
		"No markdown code fences, no commentary before or after the JSON."
)

// AnthropicClient speaks the Anthropic messages API. System messages are
// lifted into the top-level system field, JSON mode is emulated by
// instruction, and only one of temperature/top_p is sent (temperature wins
// when both are set).
type AnthropicClient struct {
	apiKey          string
	model           string
	maxChars        int
	maxOutputTokens int
	httpClient      *http.Client

	mu          sync.Mutex
	lastRequest time.Time
	lastUsage   Usage
}

func NewAnthropicClient(apiKey, model string, maxChars, maxOutputTokens int) *AnthropicClient {
	return &AnthropicClient{
		apiKey:          apiKey,
		model:           model,
		maxChars:        maxChars,
		maxOutputTokens: maxOutputTokens,
		httpClient:      &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *AnthropicClient) Name() string         { return "anthropic" }
func (c *AnthropicClient) Model() string        { return c.model }
func (c *AnthropicClient) MaxChars() int        { return c.maxChars }
func (c *AnthropicClient) MaxOutputTokens() int { return c.maxOutputTokens }
func (c *AnthropicClient) EnforcesSchema() bool { return false }

func (c *AnthropicClient) LastUsage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsage
}

func (c *AnthropicClient) waitForRateLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(c.lastRequest)
	if min := minRequestInterval * time.Millisecond; elapsed < min {
		time.Sleep(min - elapsed)
	}
	c.lastRequest = time.Now()
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicStreamEvent covers the union of SSE event payloads we care about:
// message_start (input usage), content_block_delta (text), message_delta
// (stop reason and output usage), and error.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildRequest converts a normalized request. Anthropic has no system role in
// the messages array, so leading system messages are concatenated into the
// top-level field.
func (c *AnthropicClient) buildRequest(req *Request, stream bool) anthropicRequest {
	var system []string
	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}

	if req.JSONMode && len(msgs) > 0 {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == RoleUser {
				msgs[i].Content += jsonModeInstruction
				break
			}
		}
	}

	out := anthropicRequest{
		Model:     c.model,
		System:    strings.Join(system, "\n\n"),
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = c.maxOutputTokens
	}
	// The API rejects requests carrying both sampling knobs.
	if req.Temperature != nil {
		out.Temperature = req.Temperature
	} else if req.TopP != nil {
		out.TopP = req.TopP
	}
	return out
}

func (c *AnthropicClient) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", anthropicBaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (c *AnthropicClient) stopError(reason string) error {
	switch reason {
	case "max_tokens":
		return &TruncatedOutputError{MaxTokens: c.maxOutputTokens}
	case "refusal":
		return &SafetyBlockedError{Category: "refusal"}
	default:
		return nil
	}
}

// Chat performs a blocking messages call. In JSON mode the response is
// defensively unfenced; emulated JSON mode is instruction-only and models
// occasionally fence anyway.
func (c *AnthropicClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	c.waitForRateLimit()

	body, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	logging.APIDebug("[anthropic] POST /messages model=%s bytes=%d", c.model, len(body))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		logging.APIError("[anthropic] status=%d", resp.StatusCode)
		return nil, classifyHTTPError("anthropic", resp.StatusCode, respBody)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("anthropic: failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("anthropic: API error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
	}
	c.mu.Lock()
	c.lastUsage = usage
	c.mu.Unlock()

	if err := c.stopError(parsed.StopReason); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	content := text.String()
	if req.JSONMode {
		content = StripFences(content)
	}

	return &Response{
		Content:      content,
		FinishReason: FinishStop,
		Usage:        usage,
	}, nil
}

// ChatStream performs a streaming messages call. Note that fence stripping
// cannot be applied to individual deltas; callers that need strict JSON must
// strip the accumulated text themselves.
func (c *AnthropicClient) ChatStream(ctx context.Context, req *Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		c.waitForRateLimit()

		body, err := json.Marshal(c.buildRequest(req, true))
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

		logging.APIDebug("[anthropic] POST /messages (stream) model=%s", c.model)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("anthropic: request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			errs <- classifyHTTPError("anthropic", resp.StatusCode, respBody)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		var (
			stopReason string
			input      int
			output     int
		)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				logging.APIWarn("[anthropic] skipping malformed stream event: %v", err)
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					input = ev.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					select {
					case chunks <- StreamChunk{Delta: ev.Delta.Text}:
					case <-ctx.Done():
						errs <- ctx.Err()
						return
					}
				}
			case "message_delta":
				if ev.Delta.StopReason != "" {
					stopReason = ev.Delta.StopReason
				}
				if ev.Usage != nil {
					output = ev.Usage.OutputTokens
				}
			case "error":
				if ev.Error != nil {
					errs <- fmt.Errorf("anthropic: stream error (%s): %s", ev.Error.Type, ev.Error.Message)
					return
				}
			case "message_stop":
				// Terminal event; usage and stop reason already captured.
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("anthropic: stream read failed: %w", err)
			return
		}

		c.mu.Lock()
		c.lastUsage = Usage{PromptTokens: input, CompletionTokens: output, TotalTokens: input + output}
		c.mu.Unlock()

		if err := c.stopError(stopReason); err != nil {
			errs <- err
			return
		}
		chunks <- StreamChunk{Done: true}
	}()

	return chunks, errs
}
