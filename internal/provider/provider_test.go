package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare json untouched", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"uppercase tag", "```JSON\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  ```json\n{\"a\":1}\n```  ", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestOpenAIChat(t *testing.T) {
	var gotBody openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": `{"ok":true}`},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150},
		})
	}))
	defer server.Close()

	c := NewOpenAIClient("openai", server.URL, "test-key", "gpt-4.1", 5000, 16384)
	resp, err := c.Chat(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		JSONMode: true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, 150, resp.Usage.TotalTokens)
	assert.Equal(t, 150, c.LastUsage().TotalTokens)

	require.NotNil(t, gotBody.ResponseFormat)
	assert.Equal(t, "json_object", gotBody.ResponseFormat.Type)
	assert.Equal(t, 16384, gotBody.MaxTokens)
}

func TestOpenAIChatErrorTaxonomy(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusTooManyRequests, ErrRateLimit},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer server.Close()

			c := NewOpenAIClient("openai", server.URL, "k", "gpt-4.1", 5000, 1024)
			_, err := c.Chat(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAIChatTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "partial"},
				"finish_reason": "length",
			}},
		})
	}))
	defer server.Close()

	c := NewOpenAIClient("openai", server.URL, "k", "gpt-4.1", 5000, 1024)
	_, err := c.Chat(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})

	var truncated *TruncatedOutputError
	require.ErrorAs(t, err, &truncated)
	assert.Equal(t, 1024, truncated.MaxTokens)
}

func TestOpenAIChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`,
		}
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewOpenAIClient("openai", server.URL, "k", "gpt-4.1", 5000, 1024)
	chunks, errs := c.ChatStream(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})

	var accum string
	var done bool
	for chunk := range chunks {
		if chunk.Done {
			done = true
			continue
		}
		accum += chunk.Delta
	}
	require.NoError(t, <-errs)

	assert.True(t, done)
	assert.Equal(t, "Hello world", accum)
	assert.Equal(t, 12, c.LastUsage().TotalTokens)
}

func TestOpenAIChatStreamContentFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"content_filter\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewOpenAIClient("openai", server.URL, "k", "gpt-4.1", 5000, 1024)
	chunks, errs := c.ChatStream(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	for range chunks {
	}

	var blocked *SafetyBlockedError
	require.ErrorAs(t, <-errs, &blocked)
	assert.Equal(t, "content_filter", blocked.Category)
}

func TestAnthropicBuildRequest(t *testing.T) {
	c := NewAnthropicClient("k", "claude-sonnet-4-5", 6000, 16384)

	temp := 0.7
	topP := 0.9
	req := &Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a translator."},
			{Role: RoleUser, Content: "Translate this."},
		},
		Temperature: &temp,
		TopP:        &topP,
		JSONMode:    true,
	}
	built := c.buildRequest(req, false)

	assert.Equal(t, "You are a translator.", built.System)
	require.Len(t, built.Messages, 1)
	assert.Equal(t, RoleUser, built.Messages[0].Role)
	assert.Contains(t, built.Messages[0].Content, "single valid JSON object")

	// Both sampling knobs set: temperature wins, top_p is dropped.
	require.NotNil(t, built.Temperature)
	assert.Equal(t, 0.7, *built.Temperature)
	assert.Nil(t, built.TopP)

	assert.Equal(t, 16384, built.MaxTokens)
}

func TestAnthropicBuildRequestTopPOnly(t *testing.T) {
	c := NewAnthropicClient("k", "claude-sonnet-4-5", 6000, 16384)
	topP := 0.9
	built := c.buildRequest(&Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		TopP:     &topP,
	}, false)

	assert.Nil(t, built.Temperature)
	require.NotNil(t, built.TopP)
	assert.Equal(t, 0.9, *built.TopP)
}

func TestAnthropicChatStripsFences(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "k", r.Header.Get("x-api-key"))
		require.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "```json\n{\"ok\":true}\n```"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 20, "output_tokens": 10},
		})
	}))
	defer server.Close()

	c := NewAnthropicClient("k", "claude-sonnet-4-5", 6000, 1024)
	c.httpClient = server.Client()
	// Redirect the fixed production endpoint at the test server.
	c.httpClient.Transport = rewriteHost(server)

	resp, err := c.Chat(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
		JSONMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 30, resp.Usage.TotalTokens)
}

func TestAnthropicStopErrors(t *testing.T) {
	c := NewAnthropicClient("k", "claude-sonnet-4-5", 6000, 2048)

	var truncated *TruncatedOutputError
	require.ErrorAs(t, c.stopError("max_tokens"), &truncated)
	assert.Equal(t, 2048, truncated.MaxTokens)

	var blocked *SafetyBlockedError
	require.ErrorAs(t, c.stopError("refusal"), &blocked)
	assert.Equal(t, "refusal", blocked.Category)

	assert.NoError(t, c.stopError("end_turn"))
}

func TestRegistryResolve(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DEEPSEEK_API_KEY", "ds-test")

	tests := []struct {
		spec      string
		wantName  string
		wantModel string
	}{
		{"oai:gpt-4.1", "openai", "gpt-4.1"},
		{"openai:gpt-4o", "openai", "gpt-4o"},
		{"ds:deepseek-chat", "deepseek", "deepseek-chat"},
		{"oai:", "openai", "gpt-4.1"},
		{"deepseek-chat", "deepseek", "deepseek-chat"},
		{"gpt-4.1-mini", "openai", "gpt-4.1-mini"},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			c, err := Resolve(context.Background(), tt.spec, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, c.Name())
			assert.Equal(t, tt.wantModel, c.Model())
		})
	}
}

func TestRegistryResolveOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	c, err := Resolve(context.Background(), "oai:gpt-4.1", Options{MaxChars: 3000, MaxOutputTokens: 2048})
	require.NoError(t, err)
	assert.Equal(t, 3000, c.MaxChars())
	assert.Equal(t, 2048, c.MaxOutputTokens())
}

func TestRegistryResolveErrors(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Resolve(context.Background(), "oai:gpt-4.1", Options{})
	require.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	_, err = Resolve(context.Background(), "nonsense:model", Options{})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = Resolve(context.Background(), "totally-unknown-model", Options{})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = Resolve(context.Background(), "", Options{})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestMalformedJSONErrorUnwrap(t *testing.T) {
	inner := errors.New("unexpected end of JSON input")
	err := &MalformedJSONError{Raw: "{broken", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "not valid JSON")
}

// rewriteHost redirects requests to the test server regardless of the URL the
// adapter built.
func rewriteHost(server *httptest.Server) http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		r.URL.Scheme = "http"
		r.URL.Host = server.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(r)
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
