package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"inkstone/internal/logging"
)

// GeminiClient adapts the Google genai SDK. Unlike the REST adapters it has a
// native JSON mode with schema enforcement, so the prompt composer drops the
// literal response example for it. All safety categories are set to
// BLOCK_NONE: the source material is wuxia/xianxia fiction and combat scenes
// trip the default thresholds constantly.
type GeminiClient struct {
	client          *genai.Client
	model           string
	maxChars        int
	maxOutputTokens int

	mu          sync.Mutex
	lastRequest time.Time
	lastUsage   Usage
}

func NewGeminiClient(ctx context.Context, apiKey, model string, maxChars, maxOutputTokens int) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{
		client:          client,
		model:           model,
		maxChars:        maxChars,
		maxOutputTokens: maxOutputTokens,
	}, nil
}

func (c *GeminiClient) Name() string         { return "gemini" }
func (c *GeminiClient) Model() string        { return c.model }
func (c *GeminiClient) MaxChars() int        { return c.maxChars }
func (c *GeminiClient) MaxOutputTokens() int { return c.maxOutputTokens }
func (c *GeminiClient) EnforcesSchema() bool { return true }

func (c *GeminiClient) LastUsage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsage
}

func (c *GeminiClient) waitForRateLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(c.lastRequest)
	if min := minRequestInterval * time.Millisecond; elapsed < min {
		time.Sleep(min - elapsed)
	}
	c.lastRequest = time.Now()
}

// permissiveSafetySettings disables every blockable harm category.
func permissiveSafetySettings() []*genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
		genai.HarmCategoryCivicIntegrity,
	}
	settings := make([]*genai.SafetySetting, 0, len(categories))
	for _, cat := range categories {
		settings = append(settings, &genai.SafetySetting{
			Category:  cat,
			Threshold: genai.HarmBlockThresholdBlockNone,
		})
	}
	return settings
}

// buildCall converts a normalized request into genai contents and config.
// System messages become the system instruction; assistant turns map to the
// model role.
func (c *GeminiClient) buildCall(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{
		SafetySettings: permissiveSafetySettings(),
	}

	var system []string
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}

	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	} else if c.maxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(c.maxOutputTokens)
	}

	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
		if req.Schema != nil {
			cfg.ResponseJsonSchema = req.Schema
		}
	}
	return contents, cfg
}

// finishError maps a candidate finish reason to the normalized taxonomy.
// Everything that is neither a clean stop nor a token cap is some flavor of
// content suppression.
func (c *GeminiClient) finishError(reason genai.FinishReason) error {
	switch reason {
	case genai.FinishReasonStop, "":
		return nil
	case genai.FinishReasonMaxTokens:
		return &TruncatedOutputError{MaxTokens: c.maxOutputTokens}
	default:
		return &SafetyBlockedError{Category: string(reason)}
	}
}

func (c *GeminiClient) recordUsage(md *genai.GenerateContentResponseUsageMetadata) {
	if md == nil {
		return
	}
	c.mu.Lock()
	c.lastUsage = Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
	}
	c.mu.Unlock()
}

func candidateText(resp *genai.GenerateContentResponse) (string, genai.FinishReason) {
	if len(resp.Candidates) == 0 {
		return "", ""
	}
	cand := resp.Candidates[0]
	var text strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
	}
	return text.String(), cand.FinishReason
}

// Chat performs a blocking generation call.
func (c *GeminiClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	c.waitForRateLimit()

	contents, cfg := c.buildCall(req)

	logging.APIDebug("[gemini] GenerateContent model=%s messages=%d", c.model, len(contents))

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, classifyGenaiError(err)
	}
	c.recordUsage(resp.UsageMetadata)

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, &SafetyBlockedError{Category: string(resp.PromptFeedback.BlockReason)}
	}

	text, finish := candidateText(resp)
	if err := c.finishError(finish); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, fmt.Errorf("gemini: empty response")
	}

	return &Response{
		Content:      text,
		FinishReason: FinishStop,
		Usage:        c.LastUsage(),
	}, nil
}

// ChatStream performs a streaming generation call.
func (c *GeminiClient) ChatStream(ctx context.Context, req *Request) (<-chan StreamChunk, <-chan error) {
	chunks := make(chan StreamChunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		c.waitForRateLimit()

		contents, cfg := c.buildCall(req)

		logging.APIDebug("[gemini] GenerateContentStream model=%s messages=%d", c.model, len(contents))

		var finish genai.FinishReason
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
			if err != nil {
				errs <- classifyGenaiError(err)
				return
			}
			c.recordUsage(resp.UsageMetadata)
			if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
				errs <- &SafetyBlockedError{Category: string(resp.PromptFeedback.BlockReason)}
				return
			}

			text, f := candidateText(resp)
			if f != "" {
				finish = f
			}
			if text != "" {
				select {
				case chunks <- StreamChunk{Delta: text}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		if err := c.finishError(finish); err != nil {
			errs <- err
			return
		}
		chunks <- StreamChunk{Done: true}
	}()

	return chunks, errs
}

// classifyGenaiError maps SDK errors onto the normalized taxonomy using the
// embedded HTTP status.
func classifyGenaiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			return fmt.Errorf("gemini: %w: %s", ErrAuth, apiErr.Message)
		case 429:
			return fmt.Errorf("gemini: %w: %s", ErrRateLimit, apiErr.Message)
		}
	}
	return fmt.Errorf("gemini: request failed: %w", err)
}
