package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// OpenAIBackend talks to an OpenAI compatible /chat/completions endpoint.
type OpenAIBackend struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAIBackend creates an OpenAI compatible backend.
func NewOpenAIBackend(baseURL, model string, httpClient *http.Client, logger *zap.Logger) *OpenAIBackend {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, apiKey, prompt string) (Result, error) {
	payload, err := json.Marshal(openAIRequest{
		Model:       b.model,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		Temperature: 0.7,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Warn("Provider returned an error status", zap.Int("status", resp.StatusCode))
		return Result{Success: false, Raw: string(body)}, nil
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{Success: false, Raw: string(body)}, nil
	}
	if parsed.Error != nil || len(parsed.Choices) == 0 {
		return Result{Success: false, Raw: string(body)}, nil
	}

	return Result{
		Success: true,
		Results: parsed.Choices[0].Message.Content,
		Raw:     string(body),
	}, nil
}
