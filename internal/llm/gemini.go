package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiBackend talks to the Gemini API through the genai SDK.
type GeminiBackend struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewGeminiBackend creates a Gemini backend. An empty baseURL uses the SDK
// default endpoint.
func NewGeminiBackend(baseURL, model string, httpClient *http.Client, logger *zap.Logger) *GeminiBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiBackend{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Complete implements Backend. The API key arrives per call, so the SDK
// client is built per call as well.
func (b *GeminiBackend) Complete(ctx context.Context, apiKey, prompt string) (Result, error) {
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: b.httpClient,
	}
	if b.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: b.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create genai client: %w", err)
	}

	resp, err := client.Models.GenerateContent(ctx, b.model, genai.Text(prompt), nil)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			b.logger.Warn("Provider returned an error status", zap.Int("status", apiErr.Code))
			return Result{Success: false, Raw: apiErr.Error()}, nil
		}
		return Result{}, fmt.Errorf("request failed: %w", err)
	}

	text := resp.Text()
	raw := rawResponse(resp, text, b.logger)
	if text == "" {
		return Result{Success: false, Raw: raw}, nil
	}
	return Result{Success: true, Results: text, Raw: raw}, nil
}

// rawResponse encodes resp for diagnostics, falling back to its text when
// the encoding fails.
func rawResponse(resp *genai.GenerateContentResponse, text string, logger *zap.Logger) string {
	raw, err := json.Marshal(resp)
	if err != nil {
		logger.Debug("Failed to encode provider response", zap.Error(err))
		if text == "" {
			return fmt.Sprintf("unencodable response: %v", err)
		}
		return text
	}
	return string(raw)
}
