// internal/llmclient/gemini_client.go
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/config"
)

// GeminiClient implements schemas.LLMClient against the Google Gemini REST API.
type GeminiClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	config     config.LLMModelConfig
}

// -- Gemini API request/response structures (internal to this file) --

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient initializes the client.
func NewGeminiClient(cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s", cfg.Model)
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}

	return &GeminiClient{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		config:   cfg,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		logger:  logger.Named("llm_client.gemini"),
	}, nil
}

// Generate sends the prompts to the API and returns the generated content,
// retrying transient failures with exponential backoff.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var responseContent string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+":generateContent", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var payload geminiResponsePayload
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(payload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}
		candidate := payload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (reason: %s)", candidate.FinishReason)
		}

		c.logger.Info("LLM generation complete",
			zap.Duration("duration", time.Since(startTime)),
			zap.Int("prompt_tokens", payload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", payload.UsageMetadata.CandidatesTokenCount),
		)

		responseContent = candidate.Content.Parts[0].Text
		return nil
	}

	if err = backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return responseContent, nil
}

// Stream sends the prompts to the streaming endpoint and invokes onChunk for
// every delta. Returns the accumulated text. Not retried: a stream is a
// finite, non-restartable sequence.
func (c *GeminiClient) Stream(ctx context.Context, req schemas.GenerationRequest, onChunk schemas.ChunkFunc) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+":streamGenerateContent?alt=sse", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", c.handleAPIError(resp.StatusCode, respBody)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var payload geminiResponsePayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			c.logger.Debug("Skipping unparseable stream event", zap.Error(err))
			continue
		}
		for _, cand := range payload.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				full.WriteString(part.Text)
				if onChunk != nil {
					onChunk(part.Text)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return full.String(), ctx.Err()
		}
		return full.String(), fmt.Errorf("stream read failed: %w", err)
	}
	return full.String(), nil
}

func (c *GeminiClient) buildRequestPayload(req schemas.GenerationRequest) geminiRequestPayload {
	genConfig := geminiGenerationConfig{
		Temperature:     req.Options.Temperature,
		MaxOutputTokens: req.Options.MaxTokens,
	}
	if genConfig.MaxOutputTokens == 0 {
		genConfig.MaxOutputTokens = c.config.MaxTokens
	}
	if req.Options.ForceJSONFormat {
		genConfig.ResponseMimeType = "application/json"
	}

	var contents []geminiContent
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			role := "user"
			if m.Role == schemas.RoleAssistant {
				role = "model"
			}
			contents = append(contents, geminiContent{
				Role:  role,
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	} else {
		parts := []geminiPart{{Text: req.UserPrompt}}
		for _, img := range req.Images {
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{
				MimeType: img.MimeType,
				Data:     base64.StdEncoding.EncodeToString(img.Data),
			}})
		}
		contents = append(contents, geminiContent{Role: "user", Parts: parts})
	}

	payload := geminiRequestPayload{
		Contents:         contents,
		GenerationConfig: genConfig,
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &geminiSystemInstruction{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		}
	}
	return payload
}

// handleAPIError classifies an HTTP failure: 429 maps to the rate-limit error
// kind, 5xx is retryable, everything else is permanent.
func (c *GeminiClient) handleAPIError(status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	switch {
	case status == http.StatusTooManyRequests:
		c.logger.Warn("LLM provider rate limited the request")
		return fmt.Errorf("%w: provider returned 429: %s", schemas.ErrRateLimited, snippet)
	case status >= 500:
		return fmt.Errorf("gemini API server error (%d): %s", status, snippet)
	default:
		return backoff.Permanent(fmt.Errorf("gemini API request failed (%d): %s", status, snippet))
	}
}
